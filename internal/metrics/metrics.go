// Package metrics exposes the gateway's counters and latency histograms
// in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestLatency    *prometheus.HistogramVec
	attemptsTotal     *prometheus.CounterVec
	attemptLatency    *prometheus.HistogramVec
	tokensTotal       *prometheus.CounterVec
	cacheEvents       *prometheus.CounterVec
	breakerTransition *prometheus.CounterVec
	breakerBackend    *prometheus.CounterVec
	healthStatus      *prometheus.GaugeVec
}

// New creates and registers all gateway metrics.
func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_requests_total",
			Help: "Total inbound requests completed by the gateway.",
		}, []string{"operation", "model", "winner", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_gateway_request_latency_ms",
			Help:    "Inbound request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}, []string{"operation", "outcome"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_upstream_attempts_total",
			Help: "Total wire calls per upstream.",
		}, []string{"upstream", "success", "error_class"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_gateway_upstream_attempt_latency_ms",
			Help:    "Upstream wire-call latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}, []string{"upstream", "success"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_tokens_total",
			Help: "Total tokens reported by upstream usage fields.",
		}, []string{"upstream"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_cache_events_total",
			Help: "Response cache lookups by result.",
		}, []string{"result"}),
		breakerTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_breaker_transitions_total",
			Help: "Circuit breaker state transitions per upstream.",
		}, []string{"upstream", "state"}),
		breakerBackend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_breaker_backend_unavailable_total",
			Help: "Breaker KV backend failures (breaker failed closed).",
		}, []string{"upstream"}),
		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_gateway_upstream_healthy",
			Help: "1 when the upstream is healthy or degraded, else 0.",
		}, []string{"upstream"}),
	}
	r.MustRegister(
		m.requestsTotal, m.requestLatency,
		m.attemptsTotal, m.attemptLatency,
		m.tokensTotal, m.cacheEvents,
		m.breakerTransition, m.breakerBackend,
		m.healthStatus,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one completed inbound request.
func (m *Metrics) RecordRequest(operation, model, winner, outcome string, dur time.Duration) {
	m.requestsTotal.WithLabelValues(operation, model, winner, outcome).Inc()
	m.requestLatency.WithLabelValues(operation, outcome).Observe(float64(dur.Milliseconds()))
}

// RecordAttempt records one wire call (or breaker rejection).
func (m *Metrics) RecordAttempt(upstream string, success bool, errorClass string, dur time.Duration) {
	s := strconv.FormatBool(success)
	m.attemptsTotal.WithLabelValues(upstream, s, errorClass).Inc()
	m.attemptLatency.WithLabelValues(upstream, s).Observe(float64(dur.Milliseconds()))
}

// RecordTokens adds upstream-reported token usage.
func (m *Metrics) RecordTokens(upstream string, total int) {
	if total > 0 {
		m.tokensTotal.WithLabelValues(upstream).Add(float64(total))
	}
}

// RecordCacheHit counts a response cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheEvents.WithLabelValues("hit").Inc()
}

// RecordCacheMiss counts a response cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheEvents.WithLabelValues("miss").Inc()
}

// RecordBreakerState counts a breaker state transition.
func (m *Metrics) RecordBreakerState(upstream, state string) {
	m.breakerTransition.WithLabelValues(upstream, state).Inc()
}

// RecordBreakerBackendUnavailable counts breaker KV backend failures.
func (m *Metrics) RecordBreakerBackendUnavailable(upstream string) {
	m.breakerBackend.WithLabelValues(upstream).Inc()
}

// SetUpstreamHealthy publishes an upstream's availability.
func (m *Metrics) SetUpstreamHealthy(upstream string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.healthStatus.WithLabelValues(upstream).Set(v)
}
