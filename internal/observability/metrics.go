package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30}
	lockWaitBuckets     = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine. Recording
// helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Runner metrics
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	StepDuration     *prometheus.HistogramVec
	StepOutcomes     *prometheus.CounterVec
	FailuresRecorded *prometheus.CounterVec

	// Lock metrics
	LockWait               *prometheus.HistogramVec
	LockBreakerTransitions *prometheus.CounterVec

	// Scheduler metrics
	SchedulerPassesTotal   prometheus.Counter
	SchedulerResubmissions *prometheus.CounterVec

	// Admin metrics
	AdminOperationsTotal *prometheus.CounterVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Runner
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_runs_total",
			Help: "Total number of runner invocations by outcome.",
		}, []string{"definition_id", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_run_duration_seconds",
			Help:    "Runner invocation duration in seconds, lock wait included.",
			Buckets: stepDurationBuckets,
		}, []string{"definition_id"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_step_duration_seconds",
			Help:    "Step execution duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"definition_id", "step"}),
		StepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_step_outcomes_total",
			Help: "Total number of step results by return code.",
		}, []string{"definition_id", "step", "result"}),
		FailuresRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_failures_recorded_total",
			Help: "Total number of failures written through the error side-channel.",
		}, []string{"definition_id", "code"}),

		// Lock
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_lock_wait_seconds",
			Help:    "Time spent acquiring run locks.",
			Buckets: lockWaitBuckets,
		}, []string{"result"}),
		LockBreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_lock_breaker_transitions_total",
			Help: "Total number of lock backend circuit breaker state changes.",
		}, []string{"to"}),

		// Scheduler
		SchedulerPassesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepflow_scheduler_passes_total",
			Help: "Total number of yield scheduler passes.",
		}),
		SchedulerResubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_scheduler_resubmissions_total",
			Help: "Total number of parked executions resubmitted to the runner.",
		}, []string{"result"}),

		// Admin
		AdminOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_admin_operations_total",
			Help: "Total number of administrative operations by result.",
		}, []string{"operation", "result"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepflow_definitions_loaded",
			Help: "Number of loaded process definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Runner
		m.RunsTotal,
		m.RunDuration,
		m.StepDuration,
		m.StepOutcomes,
		m.FailuresRecorded,
		// Lock
		m.LockWait,
		m.LockBreakerTransitions,
		// Scheduler
		m.SchedulerPassesTotal,
		m.SchedulerResubmissions,
		// Admin
		m.AdminOperationsTotal,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRun records one runner invocation.
func (m *Metrics) RecordRun(definitionID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(definitionID, outcome).Inc()
	m.RunDuration.WithLabelValues(definitionID).Observe(duration.Seconds())
}

// RecordStep records one step execution.
func (m *Metrics) RecordStep(definitionID, step, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepOutcomes.WithLabelValues(definitionID, step, result).Inc()
	m.StepDuration.WithLabelValues(definitionID, step).Observe(duration.Seconds())
}

// RecordFailure records a failure written through the side-channel.
func (m *Metrics) RecordFailure(definitionID, code string) {
	if m == nil {
		return
	}
	m.FailuresRecorded.WithLabelValues(definitionID, code).Inc()
}

// RecordLockWait records how long a lock acquisition took.
func (m *Metrics) RecordLockWait(duration time.Duration, acquired bool) {
	if m == nil {
		return
	}
	result := "acquired"
	if !acquired {
		result = "busy"
	}
	m.LockWait.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordLockBreaker records a lock backend breaker moving to state to.
func (m *Metrics) RecordLockBreaker(to string) {
	if m == nil {
		return
	}
	m.LockBreakerTransitions.WithLabelValues(to).Inc()
}

// RecordSchedulerPass records a scheduler pass and its resubmissions.
func (m *Metrics) RecordSchedulerPass(ok, failed int) {
	if m == nil {
		return
	}
	m.SchedulerPassesTotal.Inc()
	m.SchedulerResubmissions.WithLabelValues("ok").Add(float64(ok))
	m.SchedulerResubmissions.WithLabelValues("error").Add(float64(failed))
}

// RecordAdminOperation records an administrative operation.
func (m *Metrics) RecordAdminOperation(operation, result string) {
	if m == nil {
		return
	}
	m.AdminOperationsTotal.WithLabelValues(operation, result).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
