// Package metrics exposes Prometheus collectors for the collection core.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collectorRecordsTotal       *prometheus.CounterVec
	collectorCallsTotal         *prometheus.CounterVec
	credentialAcquiresTotal     *prometheus.CounterVec
	credentialStateChangesTotal *prometheus.CounterVec
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	creditUnitsSpentTotal       *prometheus.CounterVec
	runsTotal                   *prometheus.CounterVec
	activeRuns                  prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		collectorRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_records_total",
				Help: "Total records processed, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		collectorCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_calls_total",
				Help: "Total adapter calls, labeled by platform and result.",
			},
			[]string{"platform", "result"},
		)

		credentialAcquiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_acquires_total",
				Help: "Credential acquisition attempts, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		credentialStateChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credential_state_changes_total",
				Help: "Credential state transitions, labeled by platform and new state.",
			},
			[]string{"platform", "state"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rate_limit_delays_seconds",
				Help:    "Histogram of rate limit slot wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		)

		creditUnitsSpentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_units_spent_total",
				Help: "Committed credit units per provider.",
			},
			[]string{"provider"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collection_runs_total",
				Help: "Total collection runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collection_active_runs",
				Help: "Number of runs currently executing.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRecord counts one processed record by outcome
// (ingested, duplicate, refreshed, near_duplicate, failed).
func ObserveRecord(platform, outcome string) {
	if collectorRecordsTotal == nil {
		return
	}
	collectorRecordsTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveCall counts one adapter call by result (ok, rate_limit, auth,
// transient, permanent, unsupported).
func ObserveCall(platform, result string) {
	if collectorCallsTotal == nil {
		return
	}
	collectorCallsTotal.WithLabelValues(platform, result).Inc()
}

// ObserveCredentialAcquire counts an acquisition attempt outcome.
func ObserveCredentialAcquire(platform, outcome string) {
	if credentialAcquiresTotal == nil {
		return
	}
	credentialAcquiresTotal.WithLabelValues(platform, outcome).Inc()
}

// ObserveCredentialState counts a credential state transition.
func ObserveCredentialState(platform, state string) {
	if credentialStateChangesTotal == nil {
		return
	}
	credentialStateChangesTotal.WithLabelValues(platform, state).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(provider string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveCreditSpend adds committed units for a provider.
func ObserveCreditSpend(provider string, units int64) {
	if creditUnitsSpentTotal == nil || units <= 0 {
		return
	}
	creditUnitsSpentTotal.WithLabelValues(provider).Add(float64(units))
}

// ObserveRun counts a run reaching a terminal status.
func ObserveRun(status string) {
	if runsTotal == nil {
		return
	}
	runsTotal.WithLabelValues(status).Inc()
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	if activeRuns == nil {
		return
	}
	activeRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	if activeRuns == nil {
		return
	}
	activeRuns.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
