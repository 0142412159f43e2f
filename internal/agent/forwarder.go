// ABOUTME: Relays structured commands to the backend agent over HTTP
// ABOUTME: Every failure degrades to a Result carrying an "error" key; Forward never fails

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/harbor-gateway/internal/metrics"
)

// Error values placed in Result["error"].
const (
	ErrUnreachable     = "Agent unreachable"
	ErrTimeout         = "timeout"
	ErrInvalidResponse = "invalid agent response"
)

// DefaultTimeout bounds a single forward when none is configured.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of an agent reply is read.
const maxResponseBytes = 8 << 20

// Result is the parsed JSON object returned by the agent, or an error sentinel.
type Result map[string]any

// Err returns the error string if the result carries one.
func (r Result) Err() string {
	if r == nil {
		return ""
	}
	s, _ := r["error"].(string)
	return s
}

// Failed reports whether the agent (or the transport) signalled failure.
// A result fails when it carries a non-empty "error" or "success": false.
func (r Result) Failed() bool {
	if r.Err() != "" {
		return true
	}
	if ok, present := r["success"].(bool); present && !ok {
		return true
	}
	return false
}

// Forwarder posts commands to the configured agent URL.
type Forwarder struct {
	url       string
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Config configures a Forwarder.
type Config struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client // optional; a default client is used when nil
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// NewForwarder creates a Forwarder. Zero Timeout means DefaultTimeout.
func NewForwarder(cfg Config) *Forwarder {
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
		cfg.UserAgent = "harbor-gateway"
	}
	return &Forwarder{
		url:       cfg.URL,
		client:    cfg.Client,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// URL returns the agent endpoint.
func (f *Forwarder) URL() string {
	return f.url
}

// Forward serializes message, POSTs it to the agent and returns the parsed reply.
// Network errors yield {"error": "Agent unreachable"}, expiry of the timeout
// yields {"error": "timeout"}. A JSON reply that is not an object is wrapped as {"data": ...}.
func (f *Forwarder) Forward(ctx context.Context, message any) Result {
	start := time.Now()

	body, err := json.Marshal(message)
	if err != nil {
		f.logger.Error("encoding agent command", "error", err)
		f.metrics.AgentForward("invalid")
		return Result{"error": fmt.Sprintf("encoding command: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		f.logger.Error("building agent request", "url", f.url, "error", err)
		f.metrics.AgentForward("unreachable")
		return Result{"error": ErrUnreachable}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			f.logger.Warn("agent forward timed out", "url", f.url, "timeout", f.timeout)
			f.metrics.AgentForward("timeout")
			return Result{"error": ErrTimeout}
		}
		f.logger.Warn("agent unreachable", "url", f.url, "error", err)
		f.metrics.AgentForward("unreachable")
		return Result{"error": ErrUnreachable}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			f.metrics.AgentForward("timeout")
			return Result{"error": ErrTimeout}
		}
		f.metrics.AgentForward("unreachable")
		return Result{"error": ErrUnreachable}
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		f.logger.Warn("agent returned non-JSON body",
			"status", resp.StatusCode,
			"bytes", len(raw),
		)
		f.metrics.AgentForward("invalid")
		return Result{"error": ErrInvalidResponse, "status": resp.StatusCode}
	}

	f.logger.Debug("agent forward complete",
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	f.metrics.AgentForward("ok")

	if obj, ok := decoded.(map[string]any); ok {
		return Result(obj)
	}
	return Result{"data": decoded}
}

// isTimeout reports whether err came from the forward deadline expiring.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
