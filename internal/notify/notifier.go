// ABOUTME: Fan-out of domain events to every attached observer channel
// ABOUTME: Events are sequenced at publish time and broadcast by a single dispatcher goroutine

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/wire"
)

const defaultQueueSize = 256

// Publisher accepts domain events for fan-out.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Broadcaster delivers an envelope to all observers and reports how many accepted it.
type Broadcaster interface {
	BroadcastToObservers(ctx context.Context, msg *wire.Envelope) int
}

// Notifier turns events into envelopes and hands them to a Broadcaster in
// the order Publish was called. Callers that hold a lock while applying a
// transition can publish under that lock; Publish only blocks when the
// queue is full.
type Notifier struct {
	out    Broadcaster
	queue  chan *wire.Envelope
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint64
	closed bool

	done chan struct{}
	now  func() time.Time
}

// NewNotifier creates a notifier. Call Run to start dispatching. Pass nil logger for default.
func NewNotifier(out Broadcaster, queueSize int, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Notifier{
		out:    out,
		queue:  make(chan *wire.Envelope, queueSize),
		logger: logger.With("component", "notifier"),
		done:   make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish sequences e and queues it for broadcast. If ctx ends while the
// queue is full the event is dropped and logged.
func (n *Notifier) Publish(ctx context.Context, e Event) {
	env := Encode(e)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.logger.Debug("notifier closed, dropping event", "type", env.Type)
		return
	}
	n.seq++
	env.Seq = n.seq
	env.Timestamp = n.now()

	// Enqueue under the lock so queue order equals sequence order.
	select {
	case n.queue <- env:
	default:
		n.logger.Warn("event queue full, waiting", "type", env.Type, "seq", env.Seq)
		select {
		case n.queue <- env:
		case <-ctx.Done():
			n.logger.Error("dropped event", "type", env.Type, "seq", env.Seq, "error", ctx.Err())
		}
	}
}

// Run dispatches queued events until Close is called and the queue drains.
// ctx bounds each broadcast, not the loop itself.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for env := range n.queue {
		delivered := n.out.BroadcastToObservers(ctx, env)
		n.logger.Debug("event broadcast", "type", env.Type, "seq", env.Seq, "delivered", delivered)
	}
}

// Close stops accepting events and waits for Run to drain the queue.
// Run must have been started.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}

// Seq returns the last assigned sequence number.
func (n *Notifier) Seq() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
