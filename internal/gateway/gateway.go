// ABOUTME: Gateway orchestrator that coordinates the gRPC and HTTP servers
// ABOUTME: Wires store, registry, connection manager, notifier, command engine and file ingestion

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/command"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/files"
	"github.com/2389/coven-relay/internal/notify"
	"github.com/2389/coven-relay/internal/sink"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

// Gateway orchestrates the coven-relay server components.
// It owns the HTTP server (API, SSE, WebSocket) and, when configured, the
// gRPC server carrying agent streams.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *agent.Registry
	connections *agent.Manager
	notifier    *notify.Notifier
	commands    *command.Service
	ingestor    *files.Ingestor
	storage     *files.DiskStorage
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this relay instance in welcome messages
	serverID string

	// sinks are external observers closed on shutdown
	sinks []func() error

	// stopping is closed when Shutdown begins; long-lived streams end on it
	stopping chan struct{}
	stopOnce sync.Once
}

// newGRPCServer creates the gRPC server for agent streams. Keepalives let
// the relay notice dead agents without application heartbeats.
func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a new Gateway instance with the given configuration.
// The store is opened, every persisted agent is marked offline, and the
// notifier starts dispatching before New returns.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	storage, err := files.NewDiskStorage(cfg.Uploads.Dir, cfg.Uploads.MaxBytes, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	connections := agent.NewManager(cfg.Relay.SendTimeout, logger, agent.WithObserverQueue(cfg.Relay.ObserverBuffer))
	notifier := notify.NewNotifier(connections, 0, logger)
	go notifier.Run(context.Background())

	registry := agent.NewRegistry(s, notifier, logger)
	if err := registry.Load(context.Background()); err != nil {
		notifier.Close()
		_ = s.Close()
		return nil, fmt.Errorf("loading agents: %w", err)
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		registry:    registry,
		connections: connections,
		notifier:    notifier,
		commands: command.NewService(s, registry, connections, notifier, command.Config{
			PollLimit: cfg.Relay.PollLimit,
		}, logger),
		ingestor: files.NewIngestor(s, registry, notifier, logger),
		storage:  storage,
		logger:   logger.With("component", "gateway"),
		serverID: generateServerID(),
		stopping: make(chan struct{}),
	}

	if err := gw.attachSinks(context.Background(), logger); err != nil {
		_ = gw.closeCore()
		return nil, err
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer = newGRPCServer()
		wire.RegisterAgentRelayServer(gw.grpcServer, newAgentRelayServer(gw, logger))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// attachSinks dials the enabled external sinks and attaches each as an observer.
func (g *Gateway) attachSinks(ctx context.Context, logger *slog.Logger) error {
	if c := g.config.Sinks.NATS; c.Enabled {
		n, err := sink.DialNATS(c, logger)
		if err != nil {
			return err
		}
		g.connections.Attach("sink:nats", agent.RoleObserver, n)
		g.sinks = append(g.sinks, func() error { n.Close(); return nil })
	}

	if c := g.config.Sinks.Redis; c.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r, err := sink.DialRedis(dialCtx, c, logger)
		if err != nil {
			return err
		}
		g.connections.Attach("sink:redis", agent.RoleObserver, r)
		g.sinks = append(g.sinks, r.Close)
	}
	return nil
}

// Handler returns the HTTP handler, for embedding in tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// shutdownTimeout bounds graceful shutdown once Run's context is done.
const shutdownTimeout = 5 * time.Second

// Tailnet ports used when tailscale replaces the configured addresses.
const (
	tailnetHTTPPort = ":80"
	tailnetGRPCPort = ":50051"
)

// listenerSet holds the sockets the relay serves on. grpc is nil when the
// agent stream is disabled.
type listenerSet struct {
	http net.Listener
	grpc net.Listener
}

func (l listenerSet) close() {
	for _, ln := range []net.Listener{l.http, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// listen opens the configured sockets, on the tailnet when tailscale is enabled.
func (g *Gateway) listen(ctx context.Context) (listenerSet, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
			g.logger.Warn("server addresses are ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
				"grpc_addr", g.config.Server.GRPCAddr,
			)
		}
		return g.listenTailnet(ctx)
	}

	var ls listenerSet
	var err error
	if ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr); err != nil {
		return listenerSet{}, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer != nil {
		if ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
			ls.close()
			return listenerSet{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return ls, nil
}

// serve starts one goroutine per listener. Each reports at most one error.
func (g *Gateway) serve(ls listenerSet) <-chan error {
	type server struct {
		name  string
		ln    net.Listener
		serve func(net.Listener) error
	}
	servers := []server{{"HTTP", ls.http, g.httpServer.Serve}}
	if ls.grpc != nil {
		servers = append(servers, server{"gRPC", ls.grpc, g.grpcServer.Serve})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			g.logger.Info("listening", "server", srv.name, "addr", srv.ln.Addr().String())
			err := srv.serve(srv.ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("%s server: %w", srv.name, err)
			}
		}()
	}
	return errCh
}

// Run serves until ctx is done or a server fails, then shuts everything down.
// Returns nil after a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.listen(ctx)
	if err != nil {
		return err
	}
	errCh := g.serve(ls)

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, shutting down")
	case serveErr = <-errCh:
		g.logger.Error("server failed, shutting down", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, g.Shutdown(shutdownCtx))
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config, else TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// listenTailnet brings up a tsnet node and listens on its fixed ports.
func (g *Gateway) listenTailnet(ctx context.Context) (listenerSet, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listenerSet{}, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return listenerSet{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listenerSet{}, err
	}

	node := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}
	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir)

	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return listenerSet{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ls listenerSet
	if ls.http, err = node.Listen("tcp", tailnetHTTPPort); err != nil {
		_ = node.Close()
		return listenerSet{}, fmt.Errorf("listening on tailnet HTTP port: %w", err)
	}
	if g.grpcServer != nil {
		if ls.grpc, err = node.Listen("tcp", tailnetGRPCPort); err != nil {
			ls.close()
			_ = node.Close()
			return listenerSet{}, fmt.Errorf("listening on tailnet gRPC port: %w", err)
		}
	}

	g.tsnetServer = node
	return ls, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", ip, "dns_name", dnsName)
}

// stopGRPC drains agent streams, cutting them off if ctx ends first.
func (g *Gateway) stopGRPC(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// closeCore drains the notifier, then closes sinks and the store.
func (g *Gateway) closeCore() error {
	g.notifier.Close()

	var errs []error
	for _, closeSink := range g.sinks {
		if err := closeSink(); err != nil {
			errs = append(errs, fmt.Errorf("closing sink: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// Shutdown stops accepting connections, drains in-flight work and releases
// the store. Pending commands stay pending for agents to poll after restart.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")
	g.stopOnce.Do(func() { close(g.stopping) })

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	g.stopGRPC(ctx)
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.closeCore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	agents, observers := g.connections.Counts()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agent channels, %d observers)", agents, observers)
}

// generateServerID creates a unique identifier for this relay instance.
func generateServerID() string {
	return fmt.Sprintf("coven-relay-%d", time.Now().UnixNano()%1000000)
}
