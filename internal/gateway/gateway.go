// ABOUTME: Gateway orchestrator that wires store, registry, hub and dispatcher behind HTTP and gRPC servers
// ABOUTME: Manages listener setup (TCP or Tailscale), runtime bootstrap, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/channel-router/internal/agent"
	"github.com/2389/channel-router/internal/auth"
	"github.com/2389/channel-router/internal/config"
	"github.com/2389/channel-router/internal/dedupe"
	"github.com/2389/channel-router/internal/directory"
	"github.com/2389/channel-router/internal/dispatch"
	"github.com/2389/channel-router/internal/hub"
	"github.com/2389/channel-router/internal/markdown"
	"github.com/2389/channel-router/internal/store"
)

// Gateway orchestrates the channel-router server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *agent.Registry
	supervisor *agent.Supervisor
	directory  *directory.Service
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	// verifier is nil when auth is disabled
	verifier *auth.JWTVerifier

	// relay is nil unless redis.url is configured
	relay hub.Relay

	// dedupe suppresses re-sent client messages
	dedupe *dedupe.Cache

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	startedAt time.Time
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ROUTER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initRelay connects the cross-instance broadcast relay when redis.url is set.
func initRelay(cfg *config.Config, logger *slog.Logger) (*hub.RedisRelay, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay, err := hub.NewRedisRelay(ctx, cfg.Redis.URL, cfg.Redis.Channel, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing relay: %w", err)
	}
	logger.Info("redis relay enabled", "channel", cfg.Redis.Channel)
	return relay, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
		logger.Info("auth enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	relay, err := initRelay(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	registry := agent.NewRegistry(logger)
	supervisor := agent.NewSupervisor(agent.SupervisorParams{
		Registry:    registry,
		Store:       s,
		Definitions: cfg.Agents.Runtimes,
		Logger:      logger,
	})

	dir := directory.NewService(s, logger)
	dir.SetAgentStarter(supervisor)

	hubOpts := hub.Options{
		ServerID:          cfg.Server.ServerID,
		AgentID:           cfg.Server.AgentID,
		DefaultRoom:       cfg.Rooms.DefaultRoom,
		AutoJoin:          cfg.Rooms.AutoJoinEnabled(),
		MessagesPerSecond: cfg.Rooms.RateLimit(),
		Burst:             cfg.Rooms.Burst,
		Logger:            logger,
	}
	var rl hub.Relay
	if relay != nil {
		rl = relay
		hubOpts.Relay = rl
	}
	h := hub.New(hubOpts)

	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)

	dispatcher := dispatch.New(dispatch.Options{
		Directory:       dir,
		Agents:          registry,
		Hub:             h,
		Renderer:        markdown.New(),
		Dedupe:          dedupeCache,
		InvokeTimeout:   cfg.Agents.InvokeTimeout,
		ThinkDelay:      cfg.Agents.ThinkDelay,
		MaxConcurrent:   cfg.Agents.MaxConcurrent,
		EmitDiagnostics: cfg.Agents.EmitDiagnostics,
		Logger:          logger,
	})
	h.SetMessageHandler(dispatcher)

	gw := &Gateway{
		config:     cfg,
		store:      s,
		registry:   registry,
		supervisor: supervisor,
		directory:  dir,
		hub:        h,
		dispatcher: dispatcher,
		logger:     logger.With("component", "gateway"),
		verifier:   verifier,
		relay:      rl,
		dedupe:     dedupeCache,
		startedAt:  time.Now(),
	}

	gw.grpcServer, gw.health = createGRPCServer(logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving health, metrics, sockets and the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Start bootstraps runtimes for stored associations and schedules reconciliation.
func (g *Gateway) Start(ctx context.Context) error {
	started, err := g.supervisor.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping runtimes: %w", err)
	}
	if err := g.supervisor.Schedule(ctx, g.config.Agents.ReconcileSchedule); err != nil {
		return err
	}

	g.logger.Info("=== ROUTER STARTED ===",
		"server_id", g.config.Server.ServerID,
		"runtimes_started", started,
		"runtimes_defined", len(g.config.Agents.Runtimes))
	return nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
// The gRPC listener is nil when no grpc_addr is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startRelay re-delivers broadcasts from other instances until ctx ends.
func (g *Gateway) startRelay(ctx context.Context) {
	if g.relay == nil {
		return
	}
	go func() {
		if err := g.hub.RunRelay(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("relay subscription ended", "error", err)
		}
	}()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts runtimes and servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	g.startRelay(ctx)
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "channel-router", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener()
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, drains in-flight pipelines, and releases resources.
// Safe to call once; later calls report already-closed resources as errors.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.health.Shutdown()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.supervisor.Shutdown()
	g.hub.CloseAll("server shutting down")
	errs = appendCloseError(errs, "dispatcher drain", g.dispatcher.Close(ctx))

	g.shutdownGRPCServer(ctx)
	g.registry.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.relay != nil {
		errs = appendCloseError(errs, "relay close", g.relay.Close())
	}
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
