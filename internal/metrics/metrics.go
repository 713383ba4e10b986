// Package metrics provides Prometheus metrics for the script server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sscript_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sscript_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sscript_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	tokenRefreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sscript_token_refreshes_total",
			Help: "Access tokens renewed alongside a normal response",
		},
	)

	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sscript_registrations_total",
			Help: "Total user registration attempts",
		},
		[]string{"result"},
	)

	// File metrics
	fileOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sscript_file_operations_total",
			Help: "Total file operations by kind and result",
		},
		[]string{"operation", "status"},
	)

	// Interpreter metrics
	interpRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sscript_interp_runs_total",
			Help: "Total interpret requests by result",
		},
		[]string{"result"},
	)

	interpDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sscript_interp_duration_seconds",
			Help:    "Time spent evaluating programs",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sscript_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(result(success)).Inc()
}

// RecordTokenRefresh records a sliding token renewal.
func RecordTokenRefresh() {
	tokenRefreshesTotal.Inc()
}

// RecordRegistration records a registration attempt.
func RecordRegistration(success bool) {
	registrationsTotal.WithLabelValues(result(success)).Inc()
}

// RecordFileOperation records a file create/fetch/list/update/delete.
func RecordFileOperation(operation string, success bool) {
	fileOperationsTotal.WithLabelValues(operation, result(success)).Inc()
}

// RecordInterpRun records a program evaluation. result is "ok", "error",
// or "compile_error".
func RecordInterpRun(res string, duration time.Duration) {
	interpRunsTotal.WithLabelValues(res).Inc()
	interpDuration.Observe(duration.Seconds())
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by the matched mux pattern so file IDs do not create series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
