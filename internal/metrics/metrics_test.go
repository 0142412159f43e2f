package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetConnections(3)
	m.AgentForward("ok")
	m.Deploy("deploy", "finished")
	m.HealthProbe("healthy")
	m.Webhook("telegram", "forwarded")
	m.RegistrySaveError()
	m.ObserveHTTP("GET", "/health", "200", 0.1)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()
	m.AgentForward("ok")
	m.AgentForward("ok")
	m.AgentForward("timeout")
	m.Deploy("deploy", "finished")
	m.SetConnections(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.agentForwards.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentForwards.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploys.WithLabelValues("deploy", "finished")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.connections))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/apps/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apps/ghost", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/apps/{name}", "404")))

	exp := httptest.NewRecorder()
	m.Handler().ServeHTTP(exp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(exp.Body.String(), "harbor_http_requests_total"))
}
