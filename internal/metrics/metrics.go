// Package metrics exposes Prometheus instruments for the image service.
package metrics

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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ogimage_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ogimage_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ogimage_http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		},
	)

	renderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ogimage_render_duration_seconds",
			Help:    "Render pipeline latency by final state",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"state"},
	)

	fontFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ogimage_font_fallbacks_total",
			Help: "Renders that fell back to the default font",
		},
	)

	quotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ogimage_quota_decisions_total",
			Help: "Quota gate outcomes",
		},
		[]string{"outcome"},
	)

	notModified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ogimage_not_modified_total",
			Help: "Conditional requests answered with 304",
		},
	)

	cacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ogimage_cache_invalidations_total",
			Help: "Responses flagged as invalidating a cached representation",
		},
	)

	rateLimitRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ogimage_rate_limit_rejects_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
	)

	backgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ogimage_background_tasks_total",
			Help: "Background tasks by name and result",
		},
		[]string{"task", "result"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ogimage_db_query_duration_seconds",
			Help:    "Database statement latency by audit marker",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"marker", "op", "result"},
	)

	rasterEngineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ogimage_raster_engine_state",
			Help: "Raster engine state: 0 uninitialized, 1 ready, 2 unavailable",
		},
	)
)

// Quota outcomes.
const (
	QuotaAllowed    = "allowed"
	QuotaRejected   = "rejected"
	QuotaOverage    = "overage"
	QuotaFailedOpen = "failed_open"
	QuotaUnmetered  = "unmetered"
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request rate, errors and duration per chi route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func ObserveRender(state string, took time.Duration, fontFellBack bool) {
	renderDuration.WithLabelValues(state).Observe(took.Seconds())
	if fontFellBack {
		fontFallbacks.Inc()
	}
}

func QuotaDecision(outcome string) { quotaDecisions.WithLabelValues(outcome).Inc() }

func NotModified() { notModified.Inc() }

func CacheInvalidated() { cacheInvalidations.Inc() }

func RateLimitRejected() { rateLimitRejects.Inc() }

// BackgroundTask matches the tasks.Observer signature.
func BackgroundTask(name, result string, _ time.Duration) {
	backgroundTasks.WithLabelValues(name, result).Inc()
}

// ObserveQuery records one database statement. Its signature matches
// infra.QueryObserver.
func ObserveQuery(marker, op string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	dbQueryDuration.WithLabelValues(marker, op, result).Observe(took.Seconds())
}

func SetRasterEngineState(state int) { rasterEngineState.Set(float64(state)) }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
