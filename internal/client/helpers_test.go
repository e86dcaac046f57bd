// ABOUTME: Shared fixtures for client tests
// ABOUTME: Runs a real gateway on an in-memory store behind httptest

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: store.MemoryPath},
		Uploads: config.UploadsConfig{
			Dir:      t.TempDir(),
			MaxBytes: 1 << 20,
		},
		Relay: config.RelayConfig{
			PollLimit:      config.DefaultPollLimit,
			RecentCommands: config.DefaultRecentCommands,
			ObserverBuffer: config.DefaultObserverBuffer,
			SendTimeout:    time.Second,
		},
	}
	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func testClient(url string) *Client {
	return New(url, Options{RetryMax: 2, RetryWaitMin: time.Millisecond, RetryWaitMax: 5 * time.Millisecond}, testLogger())
}

// issue queues a command through the operator API.
func issue(t *testing.T, srv *httptest.Server, agentID, text string) wire.CommandView {
	t.Helper()

	data, err := json.Marshal(map[string]string{"agent_id": agentID, "command": text})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/commands", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Command wire.CommandView `json:"command"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Command
}

func getCommand(t *testing.T, srv *httptest.Server, id string) wire.CommandView {
	t.Helper()

	resp, err := http.Get(srv.URL + "/api/commands/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cmd wire.CommandView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmd))
	return cmd
}

// agentChannels reports how many agents hold a push channel.
func agentChannels(t *testing.T, srv *httptest.Server) int {
	t.Helper()

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats struct {
		AgentChannels int `json:"agent_channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	return stats.AgentChannels
}
