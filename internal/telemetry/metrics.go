// Package telemetry defines the Prometheus metrics exported by the engine.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spider_fetches_total",
			Help: "Total fetch attempts, labeled by domain and status class.",
		},
		[]string{"domain", "status"},
	)

	fetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spider_fetch_retries_total",
			Help: "Total transient-failure retries, labeled by domain.",
		},
		[]string{"domain"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spider_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies, labeled by domain.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"domain"},
	)

	activeFetches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spider_active_fetches",
			Help: "Number of fetches currently in flight.",
		},
	)

	limiterWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spider_limiter_wait_seconds",
			Help:    "Histogram of concurrency/rate limiter wait durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spider_runs_total",
			Help: "Total task runs reaching a terminal status.",
		},
		[]string{"status"},
	)

	breakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spider_breaker_open",
			Help: "Whether the per-task circuit breaker is open (1) or closed (0).",
		},
		[]string{"task"},
	)

	credentialLeasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spider_credential_leases_total",
			Help: "Total credential lease grants, labeled by domain.",
		},
		[]string{"domain"},
	)

	credentialsAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spider_credentials_available",
			Help: "Leasable credentials remaining per domain.",
		},
		[]string{"domain"},
	)

	pipelineItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spider_pipeline_items_total",
			Help: "Items leaving the pipeline, labeled by result.",
		},
		[]string{"result"},
	)

	frontierEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spider_frontier_entries",
			Help: "Frontier entries by state, sampled at checkpoint time.",
		},
		[]string{"state"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spider_http_requests_total",
			Help: "API requests, labeled by method, route, and status code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spider_http_request_duration_seconds",
			Help:    "Histogram of API request latencies by route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveFetch records one fetch attempt outcome.
func ObserveFetch(domain string, statusCode int, duration time.Duration) {
	fetchesTotal.WithLabelValues(domain, classOf(statusCode)).Inc()
	fetchDurationSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRetry records a scheduled retry.
func ObserveRetry(domain string) {
	fetchRetriesTotal.WithLabelValues(domain).Inc()
}

// IncActiveFetches increments the in-flight fetch gauge.
func IncActiveFetches() { activeFetches.Inc() }

// DecActiveFetches decrements the in-flight fetch gauge.
func DecActiveFetches() { activeFetches.Dec() }

// ObserveLimiterWait records the delay introduced by the limiter.
func ObserveLimiterWait(domain string, duration time.Duration) {
	limiterWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRun records a terminal run status.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// SetBreakerOpen flips the breaker gauge for a task.
func SetBreakerOpen(task string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	breakerOpen.WithLabelValues(task).Set(v)
}

// ObserveCredentialLease records a lease grant.
func ObserveCredentialLease(domain string) {
	credentialLeasesTotal.WithLabelValues(domain).Inc()
}

// SetCredentialsAvailable publishes the leasable pool size for a domain.
func SetCredentialsAvailable(domain string, n int) {
	credentialsAvailable.WithLabelValues(domain).Set(float64(n))
}

// ObservePipelineItem records one pipeline result: persisted, dropped,
// duplicate, or failed.
func ObservePipelineItem(result string) {
	pipelineItemsTotal.WithLabelValues(result).Inc()
}

// SetFrontierEntries publishes frontier state counts.
func SetFrontierEntries(state string, n int) {
	frontierEntries.WithLabelValues(state).Set(float64(n))
}

func classOf(code int) string {
	switch {
	case code >= 200 && code < 600:
		return strconv.Itoa(code/100) + "xx"
	default:
		return "other"
	}
}
