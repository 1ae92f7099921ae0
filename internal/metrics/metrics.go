// Package metrics provides Prometheus instrumentation for the inference
// gateway. All metric collectors are registered via the Init function and
// exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts logical gateway calls by capability and final status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total logical gateway calls processed",
		},
		[]string{"capability", "status"},
	)

	// AttemptsTotal counts individual provider attempts by provider and outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_attempts_total",
			Help: "Total outbound provider attempts",
		},
		[]string{"provider", "outcome"},
	)

	// AttemptDuration observes provider attempt latency in seconds.
	// Buckets are tuned for inference workloads, which run far slower
	// than typical HTTP backends.
	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_provider_attempt_duration_seconds",
			Help:    "Provider attempt latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	// InFlight tracks the number of logical calls currently executing.
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Number of logical gateway calls currently in flight",
		},
	)

	// FailoversTotal counts failover events, labelled by the provider
	// that was failed away from.
	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_failovers_total",
			Help: "Total failover events by failed provider",
		},
		[]string{"provider"},
	)

	// BreakerState reports the current circuit breaker state per provider
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	// QuotaDenials counts local quota reservation denials by provider and reason.
	QuotaDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_quota_denials_total",
			Help: "Total local quota reservation denials",
		},
		[]string{"provider", "reason"},
	)

	// RateLimitHits counts inbound caller rate limit rejections.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total inbound rate limit rejections",
		},
		[]string{"capability"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		AttemptsTotal,
		AttemptDuration,
		InFlight,
		FailoversTotal,
		BreakerState,
		BreakerTransitions,
		QuotaDenials,
		RateLimitHits,
		AuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
