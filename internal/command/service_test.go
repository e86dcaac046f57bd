// ABOUTME: Tests for the command lifecycle service
// ABOUTME: Covers issue/poll/submit scenarios, exactly-once results, failures and event ordering

package command

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/notify"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

type fakePusher struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []*wire.Envelope
}

func (p *fakePusher) SendToAgent(_ context.Context, agentID string, msg *wire.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected[agentID] {
		return false
	}
	p.sent = append(p.sent, msg)
	return true
}

type harness struct {
	svc    *Service
	store  *store.MockStore
	reg    *agent.Registry
	push   *fakePusher
	events *notify.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMockStore()
	rec := &notify.Recorder{}
	reg := agent.NewRegistry(s, rec, nil)
	push := &fakePusher{connected: map[string]bool{}}
	return &harness{
		svc:    NewService(s, reg, push, rec, Config{}, nil),
		store:  s,
		reg:    reg,
		push:   push,
		events: rec,
	}
}

func (h *harness) register(t *testing.T) string {
	t.Helper()
	a, err := h.reg.Register(context.Background(), store.AgentMetadata{Name: "box"})
	require.NoError(t, err)
	return a.ID
}

func TestIssue_ThenPoll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)

	cmd, delivered, err := h.svc.Issue(ctx, agentID, "ls")
	require.NoError(t, err)
	assert.False(t, delivered, "no push channel attached")
	assert.Equal(t, store.CommandPending, cmd.Status)

	pending, err := h.svc.PollPending(ctx, agentID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, cmd.ID, pending[0].ID)
	assert.Equal(t, "ls", pending[0].Text)
	assert.Equal(t, store.CommandPending, pending[0].Status)

	again, err := h.svc.PollPending(ctx, agentID, 10)
	require.NoError(t, err)
	assert.Len(t, again, 1, "polling does not consume commands")
}

func TestIssue_PushesWhenConnected(t *testing.T) {
	h := newHarness(t)
	agentID := h.register(t)
	h.push.connected[agentID] = true

	cmd, delivered, err := h.svc.Issue(context.Background(), agentID, "uptime")
	require.NoError(t, err)
	assert.True(t, delivered)

	require.Len(t, h.push.sent, 1)
	assert.Equal(t, wire.KindCommand, h.push.sent[0].Type)
	assert.Equal(t, cmd.ID, h.push.sent[0].CommandID)
	assert.Equal(t, "uptime", h.push.sent[0].Text)

	pending, err := h.svc.PollPending(context.Background(), agentID, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "pushed commands stay pollable until resolved")
}

func TestIssue_UnknownAgent(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.svc.Issue(context.Background(), "ghost", "ls")
	assert.ErrorIs(t, err, store.ErrNotFound)

	st, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalCommands)
	assert.Empty(t, h.events.Kinds())
}

func TestIssue_EmptyText(t *testing.T) {
	h := newHarness(t)
	agentID := h.register(t)

	_, _, err := h.svc.Issue(context.Background(), agentID, "   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestIssue_StoreFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	agentID := h.register(t)
	h.push.connected[agentID] = true
	h.events.Reset()

	h.store.SetFailure(errors.New("disk full"))
	_, _, err := h.svc.Issue(context.Background(), agentID, "ls")
	assert.ErrorIs(t, err, store.ErrUnavailable)

	assert.Empty(t, h.push.sent)
	assert.Empty(t, h.events.Kinds())
}

func TestSubmitResult_Completes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)
	cmd, _, err := h.svc.Issue(ctx, agentID, "ls")
	require.NoError(t, err)

	done, err := h.svc.SubmitResult(ctx, cmd.ID, `{"output":"a.txt"}`, store.CommandCompleted)
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, `{"output":"a.txt"}`, *done.Result)
	assert.NotNil(t, done.CompletedAt)

	pending, err := h.svc.PollPending(ctx, agentID, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err := h.svc.History(ctx, agentID, 20)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.CommandCompleted, history[0].Status)

	a, err := h.reg.Get(ctx, agentID)
	require.NoError(t, err)
	assert.True(t, a.Online, "result submission counts as contact")
}

func TestSubmitResult_Twice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)
	cmd, _, err := h.svc.Issue(ctx, agentID, "ls")
	require.NoError(t, err)

	_, err = h.svc.SubmitResult(ctx, cmd.ID, "first", store.CommandCompleted)
	require.NoError(t, err)
	h.events.Reset()

	_, err = h.svc.SubmitResult(ctx, cmd.ID, "second", store.CommandFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, h.events.Kinds())

	got, err := h.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, got.Status)
	assert.Equal(t, "first", *got.Result)
}

func TestSubmitResult_Concurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)
	cmd, _, err := h.svc.Issue(ctx, agentID, "ls")
	require.NoError(t, err)

	const racers = 10
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.SubmitResult(ctx, cmd.ID, "out", store.CommandCompleted)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestSubmitResult_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)
	cmd, _, err := h.svc.Issue(ctx, agentID, "ls")
	require.NoError(t, err)

	_, err = h.svc.SubmitResult(ctx, cmd.ID, "x", store.CommandPending)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = h.svc.SubmitResult(ctx, cmd.ID, "x", store.CommandStatus("done"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = h.svc.SubmitResult(ctx, "missing", "x", store.CommandCompleted)
	assert.ErrorIs(t, err, ErrCommandNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.SubmitAgentResult(ctx, "someone-else", cmd.ID, "x", store.CommandCompleted)
	assert.ErrorIs(t, err, ErrCommandNotFound)

	_, err = h.svc.SubmitAgentResult(ctx, agentID, cmd.ID, "x", store.CommandFailed)
	assert.NoError(t, err)
}

func TestSubmitResult_StoreFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)
	cmd, _, err := h.svc.Issue(ctx, agentID, "ls")
	require.NoError(t, err)
	h.events.Reset()

	h.store.SetFailure(errors.New("io error"))
	_, err = h.svc.SubmitResult(ctx, cmd.ID, "x", store.CommandCompleted)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Empty(t, h.events.Kinds())

	h.store.SetFailure(nil)
	got, err := h.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, got.Status)
}

func TestPollPending_LimitAndOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		cmd, _, err := h.svc.Issue(ctx, agentID, text)
		require.NoError(t, err)
		ids = append(ids, cmd.ID)
	}

	pending, err := h.svc.PollPending(ctx, agentID, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[2], pending[0].ID)
	assert.Equal(t, ids[1], pending[1].ID)
}

func TestPollPending_AfterDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)
	cmd, _, err := h.svc.Issue(ctx, agentID, "ls")
	require.NoError(t, err)

	require.NoError(t, h.reg.Delete(ctx, agentID))

	_, err = h.svc.PollPending(ctx, agentID, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.svc.Get(ctx, cmd.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.svc.History(ctx, agentID, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)

	agents, err := h.reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestEventOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agentID := h.register(t)
	h.events.Reset()

	cmd, _, err := h.svc.Issue(ctx, agentID, "ls")
	require.NoError(t, err)
	_, err = h.svc.SubmitResult(ctx, cmd.ID, "ok", store.CommandCompleted)
	require.NoError(t, err)

	assert.Equal(t, []wire.Kind{
		wire.KindCommandIssued,
		wire.KindAgentOnline,
		wire.KindCommandResult,
	}, h.events.Kinds())
}
