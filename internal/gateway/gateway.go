// ABOUTME: Gateway orchestrator wiring registry, deploy pipeline, hub and listeners
// ABOUTME: Serves the HTTP API and the WebSocket listener and owns their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/harbor-gateway/internal/agent"
	"github.com/2389/harbor-gateway/internal/auth"
	"github.com/2389/harbor-gateway/internal/config"
	"github.com/2389/harbor-gateway/internal/dedupe"
	"github.com/2389/harbor-gateway/internal/deploy"
	"github.com/2389/harbor-gateway/internal/health"
	"github.com/2389/harbor-gateway/internal/hub"
	"github.com/2389/harbor-gateway/internal/metrics"
	"github.com/2389/harbor-gateway/internal/registry"
)

// Version is reported in /health and in outbound User-Agent headers.
// Overridden at build time by cmd/harbor-gateway.
var Version = "dev"

// Gateway orchestrates the harbor-gateway server components.
type Gateway struct {
	config      *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	hub         *hub.Hub
	registry    *registry.Registry
	forwarder   *agent.Forwarder
	coordinator *deploy.Coordinator
	poller      *health.Poller
	dedupe      *dedupe.Cache
	verifier    auth.TokenVerifier

	httpServer  *http.Server
	wsServer    *http.Server
	tsnetServer *tsnet.Server

	startedAt time.Time

	// ctx outlives individual requests; agent forwards run on it.
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
	mu      sync.Mutex
	closing bool
	stopped bool
}

// openPersister returns the registry backend selected by configuration.
func openPersister(cfg *config.Config) (registry.Persister, error) {
	switch cfg.Registry.Backend {
	case config.RegistryBackendSQLite:
		s, err := registry.NewSQLiteStore(cfg.Registry.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite registry: %w", err)
		}
		return s, nil
	default:
		return registry.NewJSONFile(cfg.Registry.Path), nil
	}
}

// New creates a gateway from cfg. Listeners are not opened until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	persister, err := openPersister(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	g.hub = hub.New(logger.With("component", "hub"))
	g.hub.OnChange(m.SetConnections)

	g.registry = registry.New(persister, logger.With("component", "registry"), registry.WithMetrics(m))

	g.forwarder = agent.NewForwarder(agent.Config{
		URL:       cfg.Agent.URL,
		Timeout:   cfg.Agent.Timeout,
		UserAgent: "harbor-gateway/" + Version,
		Logger:    logger.With("component", "agent"),
		Metrics:   m,
	})

	g.coordinator = deploy.NewCoordinator(deploy.CoordinatorConfig{
		Apps:      g.registry,
		Stream:    deploy.NewStream(logger, m),
		Forwarder: g.forwarder,
		Logger:    logger,
		Metrics:   m,
	})

	g.poller = health.NewPoller(g.registry, health.Config{
		Interval:  cfg.Health.Interval,
		Timeout:   cfg.Health.Timeout,
		UserAgent: "harbor-gateway-health/" + Version,
		Logger:    logger.With("component", "health"),
		Metrics:   m,
	})

	g.dedupe = dedupe.New(cfg.Webhooks.DedupeTTL, cfg.Webhooks.DedupeSize)

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("auth.jwt_secret not set, registry and deploy routes are unauthenticated")
	}

	g.httpServer = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.wsServer = &http.Server{
		Handler:           g.WSHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Registry exposes the app registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Hub exposes the connection registry.
func (g *Gateway) Hub() *hub.Hub { return g.hub }

// Coordinator exposes the deploy coordinator.
func (g *Gateway) Coordinator() *deploy.Coordinator { return g.coordinator }

// setupTCPListeners opens the HTTP and WebSocket listeners.
func (g *Gateway) setupTCPListeners() (httpLn, wsLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"ws_addr", g.config.Server.WSAddr,
		"agent_url", g.forwarder.URL(),
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	wsLn, err = net.Listen("tcp", g.config.Server.WSAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on WebSocket address: %w", err)
	}

	return httpLn, wsLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, wsLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.logger.Warn("server.http_addr and server.ws_addr are ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
			"ws_addr", g.config.Server.WSAddr,
		)
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers serves both listeners in goroutines, returning an error channel.
func (g *Gateway) startServers(httpLn, wsLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("WebSocket server listening", "addr", wsLn.Addr().String())
		if err := g.wsServer.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("WebSocket server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case more := <-errCh:
			g.logger.Error("additional server error", "error", more)
		default:
		}
		return err
	}
}

// Run opens the listeners, starts the health poller and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, wsLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if g.config.Health.Disabled {
		g.logger.Info("health poller disabled")
	} else {
		g.poller.Start(g.ctx)
	}

	errCh := g.startServers(httpLn, wsLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context since Run's is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops listeners, background loops and in-flight work, then closes
// the registry. Deploys still running when ctx expires are settled as failed.
// Calls after the first return nil.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "WebSocket shutdown", g.wsServer.Shutdown(ctx))

	// Hijacked WebSocket sessions are not tracked by http.Server.
	g.hub.Close()
	g.poller.Stop()

	if err := g.coordinator.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		errs = append(errs, fmt.Errorf("deploy shutdown: %w", err))
	}
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	g.cancel()
	g.tasks.Wait()

	g.coordinator.Stream().Close()
	g.dedupe.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "registry close", g.registry.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// goTask runs fn on the gateway's lifetime context and tracks it for Shutdown.
// Tasks submitted after Shutdown began are dropped.
func (g *Gateway) goTask(fn func(ctx context.Context)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		fn(g.ctx)
	}()
	return true
}
