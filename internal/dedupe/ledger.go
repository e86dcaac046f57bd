// ABOUTME: Thread-safe TTL ledger of executed command ids and their outcomes.
// ABOUTME: Used by the agent client to execute each command at most once and resubmit unsent results.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Outcome is what running a command produced.
type Outcome struct {
	Result    string
	Status    string
	Submitted bool
}

type entry struct {
	id      string
	claimed time.Time
	outcome *Outcome
	element *list.Element
}

// Ledger remembers command ids for ttl, holding at most maxSize entries.
// The oldest claim is evicted first when full. Outcomes not yet accepted by
// the relay are kept regardless.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a ledger with the given retention and capacity.
func New(ttl time.Duration, maxSize int) *Ledger {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Ledger{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Claim returns true exactly once per live id: the caller that gets true
// runs the command. Expired ids can be claimed again.
func (l *Ledger) Claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if _, ok := l.entries[id]; ok {
		return false
	}

	if len(l.entries) >= l.maxSize {
		l.evictOldestLocked()
	}
	e := &entry{id: id, claimed: now}
	e.element = l.order.PushBack(e)
	l.entries[id] = e
	return true
}

// Record stores the outcome of a claimed id. Unknown ids are ignored.
func (l *Ledger) Record(id, result, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[id]; ok {
		e.outcome = &Outcome{Result: result, Status: status}
	}
}

// MarkSubmitted notes that the relay has the outcome of id.
func (l *Ledger) MarkSubmitted(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[id]; ok && e.outcome != nil {
		e.outcome.Submitted = true
	}
}

// Outcome returns the recorded outcome of id, if any.
func (l *Ledger) Outcome(id string) (Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok || e.outcome == nil {
		return Outcome{}, false
	}
	return *e.outcome, true
}

// Unsubmitted returns ids whose outcome was recorded but not yet accepted by the relay, oldest first.
func (l *Ledger) Unsubmitted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for el := l.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.outcome != nil && !e.outcome.Submitted {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.entries)
}

// pending reports whether e holds an outcome the relay has not accepted yet.
// Such entries survive expiry and eviction; dropping one would lose the
// result and let the still-pending command be claimed again.
func (e *entry) pending() bool {
	return e.outcome != nil && !e.outcome.Submitted
}

// pruneLocked drops expired entries from the front. Claims are appended in
// time order, so the first live entry ends the scan.
func (l *Ledger) pruneLocked(now time.Time) {
	if l.ttl <= 0 {
		return
	}
	for el := l.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.claimed) < l.ttl {
			return
		}
		next := el.Next()
		if !e.pending() {
			l.order.Remove(el)
			delete(l.entries, e.id)
		}
		el = next
	}
}

// evictOldestLocked drops the oldest entry that is not pending. When every
// entry is pending the ledger grows past maxSize until results are accepted.
func (l *Ledger) evictOldestLocked() {
	for el := l.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.pending() {
			continue
		}
		l.order.Remove(el)
		delete(l.entries, e.id)
		return
	}
}
