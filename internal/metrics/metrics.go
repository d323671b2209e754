package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DurationBuckets cover sub-millisecond cache hits up to slow upstreams.
var DurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics is the process-wide metric surface. All vectors are registered on
// a private registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal             *prometheus.CounterVec
	RequestDuration           *prometheus.HistogramVec
	ActiveConnections         prometheus.Gauge
	UpstreamRequestsTotal     *prometheus.CounterVec
	UpstreamRequestDuration   *prometheus.HistogramVec
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec
	RateLimitHits             *prometheus.CounterVec
	RateLimitRemaining        *prometheus.GaugeVec
	HealthCheckStatus         *prometheus.GaugeVec
	RetryAttempts             *prometheus.CounterVec
}

// New creates and registers the metric families.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests handled by the gateway.",
		}, []string{"tenant_id", "method", "route", "status_code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: DurationBuckets,
		}, []string{"tenant_id", "method", "route"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Requests currently in flight.",
		}),
		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Total upstream attempts, one increment per attempt.",
		}, []string{"tenant_id", "upstream", "method", "status_code"}),
		UpstreamRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_request_duration_seconds",
			Help:    "Per-attempt upstream latency.",
			Buckets: DurationBuckets,
		}, []string{"tenant_id", "upstream", "method"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"tenant_id", "route_id", "upstream"}),
		CircuitBreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Breaker state transitions.",
		}, []string{"tenant_id", "route_id", "upstream", "from_state", "to_state"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Requests denied by the rate limiter.",
		}, []string{"tenant_id"}),
		RateLimitRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_rate_limit_remaining",
			Help: "Remaining quota observed on the latest allowed request.",
		}, []string{"tenant_id"}),
		HealthCheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_health_check_status",
			Help: "Upstream health: 1 healthy, 0 unhealthy.",
		}, []string{"tenant_id", "route_id", "upstream"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retry_attempts_total",
			Help: "Retry attempts, labelled with the attempt ordinal.",
		}, []string{"tenant_id", "route_id", "attempt"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveConnections,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerTransitions,
		m.RateLimitHits,
		m.RateLimitRemaining,
		m.HealthCheckStatus,
		m.RetryAttempts,
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records the end-to-end outcome of one request.
func (m *Metrics) ObserveRequest(tenantID, method, route string, statusCode int, elapsed time.Duration) {
	code := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(tenantID, method, route, code).Inc()
	m.RequestDuration.WithLabelValues(tenantID, method, route).Observe(elapsed.Seconds())
}

// ObserveUpstream records one upstream attempt.
func (m *Metrics) ObserveUpstream(tenantID, upstreamURL, method string, statusCode int, elapsed time.Duration) {
	upstream := NormalizeUpstream(upstreamURL)
	code := strconv.Itoa(statusCode)
	m.UpstreamRequestsTotal.WithLabelValues(tenantID, upstream, method, code).Inc()
	m.UpstreamRequestDuration.WithLabelValues(tenantID, upstream, method).Observe(elapsed.Seconds())
}

// NormalizeUpstream strips the scheme and trailing slash from an upstream
// URL for use as a label value.
func NormalizeUpstream(url string) string {
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	return strings.TrimSuffix(url, "/")
}
