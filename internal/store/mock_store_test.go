// ABOUTME: Tests for MockStore
// ABOUTME: Runs the shared store behaviour suite and checks failure injection

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_Suite(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMockStore() })
}

func TestMockStore_FailWith(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	seedAgent(t, s, "a1")

	boom := errors.New("boom")
	s.SetFailure(boom)

	_, err := s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Ping(ctx), boom)
	assert.ErrorIs(t, s.CreateCommand(ctx, &Command{ID: "c1", AgentID: "a1"}), boom)

	s.SetFailure(nil)
	_, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	seedAgent(t, s, "a1")

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	got.Metadata.Tags[0] = "mutated"
	got.Online = true

	again, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lab"}, again.Metadata.Tags)
	assert.False(t, again.Online)
}
