// Package telemetry provides the Prometheus and OpenTelemetry primitives the
// Observer Hub (internal/observe) fans requests out to.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the gateway registers.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	ActiveRequests        prometheus.Gauge
	CacheHits             prometheus.Counter
	CacheMisses           prometheus.Counter
	PolicyDenials         *prometheus.CounterVec // labels: policy_id, mode
	RedactionsTotal       *prometheus.CounterVec // labels: pattern
	SpendUSDTotal         *prometheus.CounterVec // labels: model
	TokensProcessed       *prometheus.CounterVec // labels: model, type
	CircuitBreakerState   *prometheus.GaugeVec   // labels: host (0=closed, 1=open, 2=half_open)
	CircuitBreakerRejects *prometheus.CounterVec // labels: host
	AuditDropped          prometheus.Counter
}

// NewMetrics creates and registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "ailinkgw",
			Name:                            "request_duration_seconds",
			Help:                            "Request duration in seconds, start to final byte.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ailinkgw",
			Name:      "active_requests",
			Help:      "Number of requests currently in flight.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "response_cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "response_cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "policy_denials_total",
			Help:      "Total requests denied by a policy rule.",
		}, []string{"policy_id", "mode"}),

		RedactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "redactions_total",
			Help:      "Total PII pattern matches acted on.",
		}, []string{"pattern"}),

		SpendUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "spend_usd_total",
			Help:      "Cumulative billed spend in USD.",
		}, []string{"model"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ailinkgw",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per upstream host (0=closed, 1=open, 2=half_open).",
		}, []string{"host"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected by the circuit breaker.",
		}, []string{"host"}),

		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ailinkgw",
			Name:      "audit_dropped_total",
			Help:      "Total audit entries dropped because the buffer was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.PolicyDenials,
		m.RedactionsTotal,
		m.SpendUSDTotal,
		m.TokensProcessed,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
		m.AuditDropped,
	)

	return m
}
