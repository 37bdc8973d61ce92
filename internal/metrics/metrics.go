// Package metrics exposes Prometheus instrumentation for the dispatch engine:
// selection outcomes, cooldown transitions, and per-attempt request/latency
// counters. The collectors are registered on the default Prometheus registry
// at package initialisation, and every recorder always records; there is no
// switch that turns them off.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliproxy_dispatch_requests_total",
			Help: "Total number of dispatched requests by provider, model, and outcome.",
		},
		[]string{"provider", "model", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cliproxy_dispatch_request_duration_seconds",
			Help:    "Upstream request latency by provider and model.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	cooldownEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliproxy_cooldown_events_total",
			Help: "Total number of times an (auth, model) pair entered cooldown.",
		},
		[]string{"provider", "model"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliproxy_outer_retries_total",
			Help: "Total number of outer-loop retries performed after an attempt failed.",
		},
		[]string{"provider"},
	)
)

// RecordRequest records one dispatched attempt's terminal status and latency.
func RecordRequest(provider, model, status string, duration time.Duration) {
	requestsTotal.WithLabelValues(provider, model, status).Inc()
	requestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordCooldownEntered records an (auth, model) pair transitioning into cooldown.
func RecordCooldownEntered(provider, model string) {
	cooldownEventsTotal.WithLabelValues(provider, model).Inc()
}

// RecordRetry records one outer-loop retry attempt for a provider.
func RecordRetry(provider string) {
	retriesTotal.WithLabelValues(provider).Inc()
}
