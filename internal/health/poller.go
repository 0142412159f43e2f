// ABOUTME: Background loop probing each registered application's /health endpoint
// ABOUTME: Probes run concurrently per tick; results are applied once all complete

package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/harbor-gateway/internal/metrics"
	"github.com/2389/harbor-gateway/internal/registry"
)

const (
	// DefaultInterval is the time between polls.
	DefaultInterval = 60 * time.Second

	// DefaultTimeout bounds a single probe.
	DefaultTimeout = 10 * time.Second

	// ProbeHeader marks requests as coming from the gateway poller.
	ProbeHeader = "X-Harbor-Probe"
)

// AppSource is the subset of the registry the poller needs.
type AppSource interface {
	List() []*registry.AppEntry
	SetHealth(name string, health registry.Health, checkedAt time.Time) bool
}

// Config configures a Poller.
type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Poller periodically probes application health.
type Poller struct {
	apps      AppSource
	client    *http.Client
	interval  time.Duration
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Probe is the outcome for one application.
type Probe struct {
	App       string
	Health    registry.Health
	CheckedAt time.Time
}

// NewPoller creates a poller over apps.
func NewPoller(apps AppSource, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "harbor-gateway-health"
	}
	return &Poller{
		apps:      apps,
		client:    cfg.Client,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Start launches the polling loop. Calling Start on a running poller is a no-op.
// The first poll happens immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go p.run(ctx, p.stopped)

	p.logger.Info("health poller started", "interval", p.interval, "timeout", p.timeout)
}

// Stop halts the loop and waits for an in-progress poll to finish.
// Safe to call repeatedly and before Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	p.logger.Info("health poller stopped")
}

func (p *Poller) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce probes every app that has a URL and records the results.
// Nothing is recorded when ctx ends before the probes complete.
func (p *Poller) PollOnce(ctx context.Context) []Probe {
	var targets []*registry.AppEntry
	for _, app := range p.apps.List() {
		if strings.TrimSpace(app.URL) != "" {
			targets = append(targets, app)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	results := make([]Probe, len(targets))
	var g errgroup.Group
	for i, app := range targets {
		g.Go(func() error {
			results[i] = Probe{
				App:       app.Name,
				Health:    p.probe(ctx, app.URL),
				CheckedAt: time.Now().UTC(),
			}
			return nil
		})
	}
	_ = g.Wait()

	// Probes cut short by Stop or shutdown say nothing about the apps.
	if ctx.Err() != nil {
		p.logger.Debug("health poll interrupted, discarding results", "apps", len(results))
		return nil
	}

	for _, r := range results {
		// The app may have been removed while the probe was in flight.
		if !p.apps.SetHealth(r.App, r.Health, r.CheckedAt) {
			continue
		}
		p.metrics.HealthProbe(string(r.Health))
		if r.Health != registry.HealthHealthy {
			p.logger.Warn("app health check failed", "app", r.App, "health", r.Health)
		}
	}
	p.logger.Debug("health poll complete", "apps", len(results))
	return results
}

// probe issues GET {url}/health and classifies the outcome.
func (p *Poller) probe(ctx context.Context, baseURL string) registry.Health {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := strings.TrimRight(baseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return registry.HealthUnreachable
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set(ProbeHeader, "1")

	resp, err := p.client.Do(req)
	if err != nil {
		return registry.HealthUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return registry.HealthHealthy
	}
	return registry.HealthUnhealthy
}
