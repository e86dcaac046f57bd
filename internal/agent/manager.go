// ABOUTME: Tracks live push channels for agents and observers and routes messages to them.
// ABOUTME: Unicast to one agent, best-effort broadcast to all observers.

package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/wire"
)

const (
	// DefaultSendTimeout bounds a single push write when none is configured.
	DefaultSendTimeout = 5 * time.Second

	// DefaultObserverQueue is how many undelivered events an observer may lag behind.
	DefaultObserverQueue = 64
)

// DeliveryStats counts push outcomes since the manager started.
type DeliveryStats struct {
	AgentDelivered    uint64 `json:"agent_delivered"`
	AgentFailed       uint64 `json:"agent_failed"`
	ObserverDelivered uint64 `json:"observer_delivered"`
	ObserverFailed    uint64 `json:"observer_failed"`
}

// Manager holds at most one channel per agent id and any number of observer
// channels. All map access goes through mu; sends happen outside it. Each
// observer is fed from its own bounded queue by its own goroutine, so a
// stalled observer only loses its own events.
type Manager struct {
	agents    map[string]*Connection
	observers map[string]*Connection
	mu        sync.RWMutex

	sendTimeout   time.Duration
	observerQueue int
	logger        *slog.Logger

	agentDelivered    atomic.Uint64
	agentFailed       atomic.Uint64
	observerDelivered atomic.Uint64
	observerFailed    atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserverQueue sets the per-observer queue depth.
func WithObserverQueue(depth int) Option {
	return func(m *Manager) {
		if depth > 0 {
			m.observerQueue = depth
		}
	}
}

// NewManager creates a new Manager instance. A zero sendTimeout uses DefaultSendTimeout.
func NewManager(sendTimeout time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	m := &Manager{
		agents:        make(map[string]*Connection),
		observers:     make(map[string]*Connection),
		sendTimeout:   sendTimeout,
		observerQueue: DefaultObserverQueue,
		logger:        logger.With("component", "connections"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach registers ch under id. For agents a prior channel with the same id
// is replaced; it is not closed, and sends already in flight to it may be lost.
func (m *Manager) Attach(id string, role Role, ch Channel) *Connection {
	conn := newConnection(id, role, ch, m.sendTimeout, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch role {
	case RoleAgent:
		_, replaced := m.agents[id]
		m.agents[id] = conn
		m.logger.Info("=== AGENT CHANNEL ATTACHED ===",
			"agent_id", id,
			"replaced", replaced,
			"total_agents", len(m.agents),
		)
	default:
		if old, ok := m.observers[id]; ok {
			old.Close()
		}
		conn.queue = make(chan *wire.Envelope, m.observerQueue)
		m.observers[id] = conn
		go m.pump(conn)
		m.logger.Info("observer attached",
			"observer_id", id,
			"total_observers", len(m.observers),
		)
	}
	return conn
}

// Detach removes and closes whatever channel is registered under id, and
// returns it. Unknown ids are ignored and return nil.
func (m *Manager) Detach(id string, role Role) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id, role)
}

// Release removes conn only if it is still the channel registered under its
// id. Returns false when conn was already replaced or detached, so a stale
// handler cannot remove its replacement.
func (m *Manager) Release(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.table(conn.Role)[conn.ID]
	if !ok || current != conn {
		return false
	}
	m.removeLocked(conn.ID, conn.Role)
	return true
}

func (m *Manager) removeLocked(id string, role Role) *Connection {
	table := m.table(role)
	conn, ok := table[id]
	if !ok {
		return nil
	}
	delete(table, id)
	conn.Close()

	if role == RoleAgent {
		m.logger.Info("=== AGENT CHANNEL DETACHED ===",
			"agent_id", id,
			"total_agents", len(m.agents),
		)
		return conn
	}
	m.logger.Info("observer detached",
		"observer_id", id,
		"total_observers", len(m.observers),
	)
	return conn
}

func (m *Manager) table(role Role) map[string]*Connection {
	if role == RoleAgent {
		return m.agents
	}
	return m.observers
}

// SendToAgent pushes msg to the agent's channel. It returns false when no
// channel is attached or the write fails; there is no retry.
func (m *Manager) SendToAgent(ctx context.Context, agentID string, msg *wire.Envelope) bool {
	m.mu.RLock()
	conn, ok := m.agents[agentID]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debug("no push channel for agent", "agent_id", agentID, "type", msg.Type)
		return false
	}

	if err := conn.Send(ctx, msg); err != nil {
		m.agentFailed.Add(1)
		m.logger.Warn("push to agent failed",
			"agent_id", agentID,
			"type", msg.Type,
			"error", err,
		)
		return false
	}
	m.agentDelivered.Add(1)
	return true
}

// BroadcastToObservers queues msg for every observer and returns how many
// accepted it. It never waits on a send: an observer whose queue is full
// misses msg, and the drop is counted as a failure. Observers stay attached.
func (m *Manager) BroadcastToObservers(_ context.Context, msg *wire.Envelope) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queued := 0
	for _, conn := range m.observers {
		select {
		case conn.queue <- msg:
			queued++
		default:
			m.observerFailed.Add(1)
			m.logger.Warn("observer queue full, dropping event",
				"observer_id", conn.ID,
				"type", msg.Type,
				"seq", msg.Seq,
			)
		}
	}
	return queued
}

// pump delivers an observer's queued events in order until it is closed.
func (m *Manager) pump(conn *Connection) {
	for {
		select {
		case <-conn.done:
			return
		case msg := <-conn.queue:
			if err := conn.Send(context.Background(), msg); err != nil {
				m.observerFailed.Add(1)
				m.logger.Warn("observer send failed",
					"observer_id", conn.ID,
					"type", msg.Type,
					"seq", msg.Seq,
					"error", err,
				)
				continue
			}
			m.observerDelivered.Add(1)
		}
	}
}

// IsAgentConnected reports whether agentID has a push channel attached.
func (m *Manager) IsAgentConnected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agentID]
	return ok
}

// Counts returns the number of attached agent and observer channels.
func (m *Manager) Counts() (agents, observers int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents), len(m.observers)
}

// Stats returns delivery counters.
func (m *Manager) Stats() DeliveryStats {
	return DeliveryStats{
		AgentDelivered:    m.agentDelivered.Load(),
		AgentFailed:       m.agentFailed.Load(),
		ObserverDelivered: m.observerDelivered.Load(),
		ObserverFailed:    m.observerFailed.Load(),
	}
}
