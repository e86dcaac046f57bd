// ABOUTME: Recording Publisher for tests
// ABOUTME: Keeps every published event in order

package notify

import (
	"context"
	"sync"

	"github.com/2389/coven-relay/internal/wire"
)

// Recorder is a Publisher that stores events instead of broadcasting them.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kind of each published event, in order.
func (r *Recorder) Kinds() []wire.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]wire.Kind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind())
	}
	return kinds
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
