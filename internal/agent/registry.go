// ABOUTME: Agent Registry: the relay's view of known agents, presence and last contact.
// ABOUTME: Writes go to the store first; the in-memory cache only tracks what the store accepted.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/notify"
	"github.com/2389/coven-relay/internal/store"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = fmt.Errorf("agent %w", store.ErrNotFound)

// Registry creates agents and tracks their online state. Presence
// transitions raise agent_online / agent_offline events; repeated touches
// of an online agent only move last contact.
type Registry struct {
	store  store.AgentStore
	events notify.Publisher
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*store.Agent

	now func() time.Time
}

// NewRegistry creates a registry over s. Pass nil logger for default.
func NewRegistry(s store.AgentStore, events notify.Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = notify.Discard{}
	}
	return &Registry{
		store:  s,
		events: events,
		logger: logger.With("component", "registry"),
		cache:  make(map[string]*store.Agent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Load re-derives registry state from the store at startup. No push channel
// survives a restart, so every agent starts offline.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.MarkAllAgentsOffline(ctx); err != nil {
		return store.Unavailable(err)
	}
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return store.Unavailable(err)
	}

	r.cache = make(map[string]*store.Agent, len(agents))
	for _, a := range agents {
		r.cache[a.ID] = a
	}
	r.logger.Info("registry loaded", "agents", len(agents))
	return nil
}

// Register creates a new offline agent with a fresh id.
func (r *Registry) Register(ctx context.Context, meta store.AgentMetadata) (*store.Agent, error) {
	now := r.now()
	a := &store.Agent{
		ID:          uuid.New().String(),
		Metadata:    meta,
		Online:      false,
		LastContact: now,
		CreatedAt:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.CreateAgent(ctx, a); err != nil {
		return nil, store.Unavailable(err)
	}
	r.cache[a.ID] = a

	r.logger.Info("agent registered", "agent_id", a.ID, "name", meta.Name, "hostname", meta.Hostname)
	r.events.Publish(ctx, notify.AgentRegistered{Agent: cloneAgent(a)})
	return cloneAgent(a), nil
}

// Touch records contact from agentID and marks it online.
// Returns ErrAgentNotFound for unknown ids; nothing is created.
func (r *Registry) Touch(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if err := r.store.TouchAgent(ctx, agentID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			delete(r.cache, agentID)
			return ErrAgentNotFound
		}
		return store.Unavailable(err)
	}

	a, err := r.cachedLocked(ctx, agentID)
	if err != nil {
		return err
	}
	wasOnline := a.Online
	a.Online = true
	a.LastContact = now

	if !wasOnline {
		r.logger.Info("agent online", "agent_id", agentID)
		r.events.Publish(ctx, notify.AgentOnline{Agent: cloneAgent(a)})
	}
	return nil
}

// MarkOffline sets agentID offline. Idempotent; unknown ids are ignored.
func (r *Registry) MarkOffline(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.SetAgentOffline(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			delete(r.cache, agentID)
			return nil
		}
		return store.Unavailable(err)
	}

	a, err := r.cachedLocked(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil
		}
		return err
	}
	wasOnline := a.Online
	a.Online = false

	if wasOnline {
		r.logger.Info("agent offline", "agent_id", agentID)
		r.events.Publish(ctx, notify.AgentOffline{Agent: cloneAgent(a)})
	}
	return nil
}

// Get returns agentID or ErrAgentNotFound.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.cachedLocked(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return cloneAgent(a), nil
}

// Exists reports whether agentID is known. Store failures are returned as errors.
func (r *Registry) Exists(ctx context.Context, agentID string) (bool, error) {
	_, err := r.Get(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns all agents, most recently contacted first.
func (r *Registry) List(ctx context.Context) ([]*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return agents, nil
}

// Delete removes agentID with its commands and files. Idempotent; an
// agent_deleted event is raised only when something was removed.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.cachedLocked(ctx, agentID)
	existed := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		return store.Unavailable(err)
	}
	delete(r.cache, agentID)

	if existed {
		r.logger.Info("agent deleted", "agent_id", agentID)
		r.events.Publish(ctx, notify.AgentDeleted{AgentID: agentID})
	}
	return nil
}

// cachedLocked returns the cached agent, filling the cache from the store on a miss.
func (r *Registry) cachedLocked(ctx context.Context, agentID string) (*store.Agent, error) {
	if a, ok := r.cache[agentID]; ok {
		return a, nil
	}
	a, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, store.Unavailable(err)
	}
	r.cache[agentID] = a
	return a, nil
}

func cloneAgent(a *store.Agent) *store.Agent {
	c := *a
	if a.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), a.Metadata.Tags...)
	}
	return &c
}
