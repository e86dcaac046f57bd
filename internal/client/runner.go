// ABOUTME: Runner is the agent loop: register, hold a push channel, poll, execute, report
// ABOUTME: A dedupe ledger makes each command run once even when push and poll both deliver it

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

// ErrAgentGone is returned by Run when the relay no longer knows the agent.
var ErrAgentGone = errors.New("agent no longer registered")

// RunnerConfig controls a Runner. Zero values take the defaults below.
type RunnerConfig struct {
	// AgentID reuses an existing registration. Empty registers Metadata.
	AgentID  string
	Metadata store.AgentMetadata

	PollInterval      time.Duration
	PollLimit         int
	HeartbeatInterval time.Duration

	// Push holds a WebSocket channel open alongside polling.
	Push         bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	LedgerTTL  time.Duration
	LedgerSize int
}

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultRunnerPollLimit   = 10
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectMin      = time.Second
	DefaultReconnectMax      = time.Minute
	DefaultLedgerTTL         = time.Hour
	DefaultLedgerSize        = 1000
)

func (c *RunnerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollLimit <= 0 {
		c.PollLimit = DefaultRunnerPollLimit
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(DefaultReconnectMax, c.ReconnectMin)
	}
	if c.LedgerTTL <= 0 {
		c.LedgerTTL = DefaultLedgerTTL
	}
	if c.LedgerSize <= 0 {
		c.LedgerSize = DefaultLedgerSize
	}
}

// Runner drives one agent against a relay.
type Runner struct {
	client *Client
	exec   Executor
	cfg    RunnerConfig
	ledger *dedupe.Ledger
	logger *slog.Logger

	mu      sync.Mutex
	agentID string

	pollNow chan struct{}
}

// NewRunner creates a Runner. Pass nil logger for default.
func NewRunner(c *Client, exec Executor, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Runner{
		client:  c,
		exec:    exec,
		cfg:     cfg,
		ledger:  dedupe.New(cfg.LedgerTTL, cfg.LedgerSize),
		logger:  logger.With("component", "runner"),
		agentID: cfg.AgentID,
		pollNow: make(chan struct{}, 1),
	}
}

// AgentID returns the id in use, empty until registration succeeds.
func (r *Runner) AgentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentID
}

// Run blocks until ctx is cancelled or the agent is deleted on the relay.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.ensureRegistered(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if r.cfg.Push {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.pushLoop(ctx)
		}()
	}

	err := r.pollLoop(ctx)
	cancel()
	wg.Wait()
	return err
}

// ensureRegistered registers once, retrying transport and server failures.
func (r *Runner) ensureRegistered(ctx context.Context) error {
	if r.AgentID() != "" {
		return nil
	}

	b := NewBackoff(r.cfg.ReconnectMin, r.cfg.ReconnectMax, 2)
	for {
		view, err := r.client.Register(ctx, r.cfg.Metadata)
		if err == nil {
			r.mu.Lock()
			r.agentID = view.ID
			r.mu.Unlock()
			r.logger.Info("registered", "agent_id", view.ID, "name", view.Name)
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return err
		}

		wait := b.Next()
		r.logger.Warn("registration failed, retrying", "error", err, "retry_in", wait)
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (r *Runner) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.pollOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.pollNow:
		}
	}
}

// pollOnce resubmits unsent results, then runs pending commands oldest first.
// Only a vanished agent is reported; other failures wait for the next tick.
func (r *Runner) pollOnce(ctx context.Context) error {
	r.resubmit(ctx)

	agentID := r.AgentID()
	cmds, err := r.client.Pending(ctx, agentID, r.cfg.PollLimit)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrAgentGone, agentID)
		}
		if ctx.Err() == nil {
			r.logger.Warn("poll failed", "error", err)
		}
		return nil
	}

	for i := len(cmds) - 1; i >= 0; i-- {
		r.execute(ctx, cmds[i].ID, cmds[i].Text, nil)
	}
	return nil
}

func (r *Runner) triggerPoll() {
	select {
	case r.pollNow <- struct{}{}:
	default:
	}
}

func (r *Runner) pushLoop(ctx context.Context) {
	b := NewBackoff(r.cfg.ReconnectMin, r.cfg.ReconnectMax, 2)
	for ctx.Err() == nil {
		p, err := r.client.DialPush(ctx, r.AgentID())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.Next()
			r.logger.Warn("push channel unavailable", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		b.Reset()
		r.logger.Info("push channel open", "server", p.Welcome().Text)
		// Commands issued while disconnected are only reachable by polling.
		r.triggerPoll()

		err = r.servePush(ctx, p)
		p.conn.CloseNow()
		if ctx.Err() == nil {
			r.logger.Warn("push channel closed", "error", err)
		}
	}
}

func (r *Runner) servePush(ctx context.Context, p *Push) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go r.heartbeat(hbCtx, p)

	for {
		env, err := p.Recv(ctx)
		if err != nil {
			return err
		}

		switch env.Type {
		case wire.KindCommand:
			r.execute(ctx, env.CommandID, env.Text, p)
		case wire.KindResultAck:
			if env.OK {
				r.ledger.MarkSubmitted(env.CommandID)
			} else {
				// Left unsubmitted; the next poll resubmits over HTTP.
				r.logger.Debug("inline result refused", "command_id", env.CommandID, "error", env.Error)
			}
		default:
			r.logger.Debug("ignoring message", "type", env.Type)
		}
	}
}

func (r *Runner) heartbeat(ctx context.Context, p *Push) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Heartbeat(ctx); err != nil {
				return
			}
		}
	}
}

// execute runs a command at most once. With a push channel the result goes
// inline and is confirmed by an ack; otherwise it is submitted over HTTP.
func (r *Runner) execute(ctx context.Context, commandID, text string, p *Push) {
	if !r.ledger.Claim(commandID) {
		r.logger.Debug("skipping already executed command", "command_id", commandID)
		return
	}

	status := store.CommandCompleted
	result, err := r.exec.Execute(ctx, text)
	if err != nil {
		status = store.CommandFailed
		result = err.Error()
	}
	r.ledger.Record(commandID, result, string(status))
	r.logger.Info("executed command", "command_id", commandID, "status", status)

	if p != nil {
		err := p.SendResult(ctx, commandID, result, string(status))
		if err == nil {
			return
		}
		r.logger.Warn("inline result failed, falling back to http", "command_id", commandID, "error", err)
	}
	r.submit(ctx, commandID)
}

func (r *Runner) submit(ctx context.Context, commandID string) {
	outcome, ok := r.ledger.Outcome(commandID)
	if !ok || outcome.Submitted {
		return
	}

	_, err := r.client.SubmitResult(ctx, commandID, outcome.Result, store.CommandStatus(outcome.Status))
	switch {
	case err == nil:
		r.ledger.MarkSubmitted(commandID)
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrNotFound):
		r.ledger.MarkSubmitted(commandID)
		r.logger.Debug("relay already settled command", "command_id", commandID, "error", err)
	default:
		if ctx.Err() == nil {
			r.logger.Warn("submit failed, will retry", "command_id", commandID, "error", err)
		}
	}
}

func (r *Runner) resubmit(ctx context.Context) {
	for _, id := range r.ledger.Unsubmitted() {
		r.submit(ctx, id)
	}
}

// sleep waits d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
