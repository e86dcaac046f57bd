// ABOUTME: Command Lifecycle Engine: issues commands, delivers them, and accepts each result once.
// ABOUTME: Persistence gates every side effect; push delivery is best-effort with polling as fallback.

package command

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/notify"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

var (
	// ErrCommandNotFound indicates the command does not exist (or belongs to another agent).
	ErrCommandNotFound = fmt.Errorf("command %w", store.ErrNotFound)

	// ErrInvalidTransition is returned when a result arrives for a command that is already resolved.
	ErrInvalidTransition = errors.New("command already resolved")

	// ErrInvalidStatus is returned when a submitted status is not completed or failed.
	ErrInvalidStatus = errors.New("status must be completed or failed")

	// ErrEmptyCommand is returned when issuing a command with blank text.
	ErrEmptyCommand = errors.New("command text is required")
)

const (
	DefaultPollLimit = 10
	lockStripes      = 64
)

// Pusher delivers a message over an agent's push channel.
type Pusher interface {
	SendToAgent(ctx context.Context, agentID string, msg *wire.Envelope) bool
}

// Service owns command state transitions.
type Service struct {
	store     store.CommandStore
	agents    *agent.Registry
	push      Pusher
	events    notify.Publisher
	pollLimit int
	logger    *slog.Logger

	// Per-agent stripes keep an agent's persisted transitions and their
	// events in the same order.
	locks [lockStripes]sync.Mutex

	now func() time.Time
}

// Config holds optional Service settings.
type Config struct {
	PollLimit int
}

// NewService creates a Service. Pass nil logger for default.
func NewService(s store.CommandStore, agents *agent.Registry, push Pusher, events notify.Publisher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = notify.Discard{}
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = DefaultPollLimit
	}
	return &Service{
		store:     s,
		agents:    agents,
		push:      push,
		events:    events,
		pollLimit: cfg.PollLimit,
		logger:    logger.With("component", "commands"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) lockFor(agentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Issue creates a pending command for agentID and tries to push it. The
// returned bool reports push delivery; false is not an error, the command
// stays available to PollPending until resolved.
func (s *Service) Issue(ctx context.Context, agentID, text string) (*store.Command, bool, error) {
	if strings.TrimSpace(text) == "" {
		return nil, false, ErrEmptyCommand
	}

	cmd, err := s.create(ctx, agentID, text)
	if err != nil {
		return nil, false, err
	}

	delivered := s.push.SendToAgent(ctx, agentID, wire.NewCommandMessage(cmd))
	s.logger.Info("command issued",
		"command_id", cmd.ID,
		"agent_id", agentID,
		"delivered", delivered,
	)
	return cmd, delivered, nil
}

func (s *Service) create(ctx context.Context, agentID, text string) (*store.Command, error) {
	mu := s.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}

	cmd := &store.Command{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Text:      text,
		Status:    store.CommandPending,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, agent.ErrAgentNotFound
		}
		return nil, store.Unavailable(err)
	}

	// Published before the push so command_issued always precedes command_result.
	s.events.Publish(ctx, notify.CommandIssued{Command: cmd})
	return cmd, nil
}

// SubmitResult resolves a pending command. Only the first submission for a
// command succeeds; later ones get ErrInvalidTransition and change nothing.
func (s *Service) SubmitResult(ctx context.Context, commandID, result string, status store.CommandStatus) (*store.Command, error) {
	return s.submit(ctx, "", commandID, result, status)
}

// SubmitAgentResult is SubmitResult for a result arriving on agentID's own
// channel; a command owned by another agent is reported as not found.
func (s *Service) SubmitAgentResult(ctx context.Context, agentID, commandID, result string, status store.CommandStatus) (*store.Command, error) {
	return s.submit(ctx, agentID, commandID, result, status)
}

func (s *Service) submit(ctx context.Context, agentID, commandID, result string, status store.CommandStatus) (*store.Command, error) {
	if !status.Terminal() {
		return nil, ErrInvalidStatus
	}

	cmd, err := s.store.GetCommand(ctx, commandID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, store.Unavailable(err)
	}
	if agentID != "" && cmd.AgentID != agentID {
		return nil, ErrCommandNotFound
	}

	mu := s.lockFor(cmd.AgentID)
	mu.Lock()
	defer mu.Unlock()

	done, err := s.store.CompleteCommand(ctx, commandID, status, result, s.now())
	switch {
	case errors.Is(err, store.ErrNotPending):
		s.logger.Warn("duplicate result rejected", "command_id", commandID, "agent_id", cmd.AgentID)
		return nil, ErrInvalidTransition
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrCommandNotFound
	case err != nil:
		return nil, store.Unavailable(err)
	}

	// The result is committed; a failed touch only leaves last contact stale.
	if err := s.agents.Touch(ctx, done.AgentID); err != nil {
		s.logger.Warn("touch after result failed", "agent_id", done.AgentID, "error", err)
	}

	s.events.Publish(ctx, notify.CommandResolved{Command: done})
	s.logger.Info("command resolved",
		"command_id", commandID,
		"agent_id", done.AgentID,
		"status", status,
	)
	return done, nil
}

// PollPending returns the agent's pending commands, newest first, and counts
// as contact from the agent. It never changes command status. A non-positive
// limit uses the configured default.
func (s *Service) PollPending(ctx context.Context, agentID string, limit int) ([]*store.Command, error) {
	if err := s.agents.Touch(ctx, agentID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.pollLimit
	}

	cmds, err := s.store.ListPendingCommands(ctx, agentID, limit)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	s.logger.Debug("poll", "agent_id", agentID, "pending", len(cmds))
	return cmds, nil
}

// History returns the agent's commands in any status, newest first.
func (s *Service) History(ctx context.Context, agentID string, limit int) ([]*store.Command, error) {
	if _, err := s.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}
	cmds, err := s.store.ListCommands(ctx, agentID, limit)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return cmds, nil
}

// Get returns a single command.
func (s *Service) Get(ctx context.Context, commandID string) (*store.Command, error) {
	cmd, err := s.store.GetCommand(ctx, commandID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return cmd, nil
}
