// ABOUTME: chi router for the HTTP API plus shared JSON response helpers
// ABOUTME: Unknown routes and methods answer 404 with the list of served endpoints

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/harbor-gateway/internal/auth"
)

// endpoints is reported in 404 bodies.
var endpoints = []string{
	"GET /health",
	"GET /status",
	"GET /apps",
	"POST /apps",
	"GET /apps/:name",
	"PATCH /apps/:name",
	"DELETE /apps/:name",
	"GET /apps/:name/status",
	"POST /apps/:name/rollback",
	"POST /deploy/:name",
	"POST /webhook/telegram",
	"POST /webhook/twilio",
	"POST /webhook/:channel",
}

// Handler returns the HTTP API handler.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(g.metrics.Middleware)

	r.NotFound(g.handleNotFound)
	r.MethodNotAllowed(g.handleNotFound)

	r.Get("/health", g.handleHealth)
	r.Get("/status", g.handleStatus)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Get("/apps", g.handleListApps)
	r.Get("/apps/{name}", g.handleGetApp)
	r.Get("/apps/{name}/status", g.handleAppStatus)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireBearer(g.verifier))

		r.With(auth.RequireScope("apps")).Post("/apps", g.handleRegisterApp)
		r.With(auth.RequireScope("apps")).Patch("/apps/{name}", g.handleUpdateApp)
		r.With(auth.RequireScope("apps")).Delete("/apps/{name}", g.handleDeleteApp)

		r.With(auth.RequireScope("deploy")).Post("/deploy/{name}", g.handleDeploy)
		r.With(auth.RequireScope("deploy")).Post("/apps/{name}/rollback", g.handleRollback)
	})

	r.Post("/webhook/telegram", g.handleTelegramWebhook)
	r.Post("/webhook/twilio", g.handleTwilioWebhook)
	r.Post("/webhook/{channel}", g.handleChannelWebhook)

	return r
}

// requestLogger logs each finished request at debug level.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON encodes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) handleNotFound(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusNotFound, map[string]any{
		"error":     "not found",
		"path":      r.URL.Path,
		"method":    r.Method,
		"endpoints": endpoints,
	})
}

// handleHealth reports liveness and headline counts.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           Version,
		"channels":          g.hub.ChannelCount(),
		"connections":       g.hub.Count(),
		"deploySubscribers": g.coordinator.Stream().Count(),
		"apps":              g.registry.Count(),
		"uptime":            int64(time.Since(g.startedAt).Seconds()),
	})
}

// handleStatus reports channel membership, deploy streams and queue state.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"channels":      g.hub.Channels(),
		"connections":   g.hub.Count(),
		"deployStreams": g.coordinator.Stream().Channels(),
		"queue":         g.coordinator.Queue().Status(),
	})
}
