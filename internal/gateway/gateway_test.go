// ABOUTME: Tests for Gateway construction, lifecycle and shared test helpers
// ABOUTME: Runs the relay against an in-memory SQLite store behind httptest servers

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

// testConfig creates a minimal config for testing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: "127.0.0.1:0",
			GRPCAddr: "127.0.0.1:0",
		},
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
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway and serves its HTTP handler from an httptest server.
func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return gw, srv
}

// doJSON sends body as JSON and decodes the response into out when non-nil.
func doJSON(t *testing.T, method, url string, body, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// registerAgent registers an agent over HTTP and returns its id.
func registerAgent(t *testing.T, srv *httptest.Server, name string) string {
	t.Helper()
	var view wire.AgentView
	status := doJSON(t, http.MethodPost, srv.URL+"/api/register", RegisterRequest{Name: name, OS: "linux", Hostname: name + "-host"}, &view)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, view.ID)
	return view.ID
}

func TestGatewayNew(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.connections)
	assert.NotNil(t, gw.commands)
	assert.NotNil(t, gw.ingestor)
	assert.NotNil(t, gw.grpcServer, "grpc server is created when grpc_addr is set")
	assert.NotEmpty(t, gw.serverID)
}

func TestGatewayNew_NoGRPC(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = ""

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Nil(t, gw.grpcServer)
}

func TestGatewayNew_MarksPersistedAgentsOffline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = t.TempDir() + "/relay.db"

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, &store.Agent{ID: "a1", Metadata: store.AgentMetadata{Name: "old"}}))
	require.NoError(t, s.TouchAgent(ctx, "a1", time.Now()))
	require.NoError(t, s.Close())

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	a, err := gw.registry.Get(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, a.Online)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	// Reserve concrete ports so the health check knows where to go.
	for _, addr := range []*string{&cfg.Server.HTTPAddr, &cfg.Server.GRPCAddr} {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		*addr = ln.Addr().String()
		ln.Close()
	}

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestHealthEndpoints(t *testing.T) {
	gw, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Once the store is closed readiness fails.
	require.NoError(t, gw.store.Close())
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/relay")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, "coven-relay")
}

func TestShutdown_EndsEventStreams(t *testing.T) {
	gw, _ := newTestGateway(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gw.httpServer.Serve(lis) }()

	resp, err := http.Get("http://" + lis.Addr().String() + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "init", readSSEEvent(t, bufio.NewReader(resp.Body)).name)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	assert.NoError(t, gw.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second, "shutdown does not wait on open event streams")
	assert.NoError(t, ctx.Err())
}
