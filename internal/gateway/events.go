// ABOUTME: Observer subscriptions over Server-Sent Events
// ABOUTME: Each observer gets a bounded queue that starts with an init snapshot

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/notify"
	"github.com/2389/coven-relay/internal/wire"
)

const sseKeepAlive = 15 * time.Second

// errObserverBehind is returned when an observer's queue is full; the event
// is dropped for that observer only.
var errObserverBehind = errors.New("observer queue full")

// observerQueue is the agent.Channel behind SSE and WebSocket observers.
// Events arriving before the init snapshot is queued are held back, so the
// observer always sees init first and misses nothing published after attach.
type observerQueue struct {
	mu      sync.Mutex
	ch      chan *wire.Envelope
	started bool
	held    []*wire.Envelope
}

func newObserverQueue(depth int) *observerQueue {
	if depth <= 0 {
		depth = 1
	}
	return &observerQueue{ch: make(chan *wire.Envelope, depth+1)}
}

// Send never blocks.
func (q *observerQueue) Send(_ context.Context, msg *wire.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		if len(q.held) >= cap(q.ch)-1 {
			return errObserverBehind
		}
		q.held = append(q.held, msg)
		return nil
	}

	select {
	case q.ch <- msg:
		return nil
	default:
		return errObserverBehind
	}
}

// start queues init followed by anything held back. The channel is empty
// and sized for it, so none of these sends block.
func (q *observerQueue) start(init *wire.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ch <- init
	for _, msg := range q.held {
		q.ch <- msg
	}
	q.held = nil
	q.started = true
}

// subscribeObserver attaches a new observer and queues its init snapshot.
// The caller must Release the returned connection.
func (g *Gateway) subscribeObserver(ctx context.Context, prefix string) (*agent.Connection, *observerQueue, error) {
	q := newObserverQueue(g.config.Relay.ObserverBuffer)
	conn := g.connections.Attach(prefix+"-"+uuid.New().String(), agent.RoleObserver, q)

	agents, err := g.registry.List(ctx)
	if err != nil {
		g.connections.Release(conn)
		return nil, nil, err
	}
	init := notify.Snapshot(agents)
	init.Timestamp = time.Now().UTC()
	q.start(init)

	return conn, q, nil
}

// handleEvents handles GET /api/events, streaming fan-out events as SSE.
// The SSE event name is the envelope type; the data is the envelope itself.
// The stream ends when the client goes away or the relay shuts down.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := g.sessionContext(r.Context())
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn, q, err := g.subscribeObserver(ctx, "sse")
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	defer g.connections.Release(conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case env := <-q.ch:
			g.writeSSEEvent(w, string(env.Type), env)
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
