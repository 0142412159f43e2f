// ABOUTME: Prometheus collectors for gateway connections, forwards, deploys and probes
// ABOUTME: Collectors live on a private registry so tests can build isolated gateways

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the gateway exports.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	subscribers     prometheus.Gauge
	agentForwards   *prometheus.CounterVec
	deploys         *prometheus.CounterVec
	healthProbes    *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	registrySaveErr prometheus.Counter
}

// New creates collectors registered on a fresh registry, plus Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harbor_ws_connections",
			Help: "Live messaging WebSocket connections",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harbor_deploy_stream_subscribers",
			Help: "Live deploy stream subscribers",
		}),
		agentForwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_agent_forwards_total",
			Help: "Messages forwarded to the backend agent by outcome",
		}, []string{"result"}),
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_deploys_total",
			Help: "Deploy jobs by kind and terminal status",
		}, []string{"kind", "status"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_health_probes_total",
			Help: "Application health probes by outcome",
		}, []string{"health"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_webhooks_total",
			Help: "Inbound webhooks by source and outcome",
		}, []string{"source", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harbor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		registrySaveErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harbor_registry_save_errors_total",
			Help: "Failed app registry persistence attempts",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.subscribers,
		m.agentForwards,
		m.deploys,
		m.healthProbes,
		m.webhooks,
		m.httpRequests,
		m.httpDuration,
		m.registrySaveErr,
	)
	return m
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// AgentForward records one forward outcome ("ok", "timeout", "unreachable", "invalid").
func (m *Metrics) AgentForward(result string) {
	if m == nil {
		return
	}
	m.agentForwards.WithLabelValues(result).Inc()
}

func (m *Metrics) Deploy(kind, status string) {
	if m == nil {
		return
	}
	m.deploys.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) HealthProbe(health string) {
	if m == nil {
		return
	}
	m.healthProbes.WithLabelValues(health).Inc()
}

func (m *Metrics) Webhook(source, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(source, result).Inc()
}

func (m *Metrics) RegistrySaveError() {
	if m == nil {
		return
	}
	m.registrySaveErr.Inc()
}

// ObserveHTTP records a finished request against its route pattern.
func (m *Metrics) ObserveHTTP(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}
