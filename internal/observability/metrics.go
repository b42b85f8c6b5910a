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

var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus instruments of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowActionsTotal     *prometheus.CounterVec
	WorkflowActionFailures   *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActionDuration   *prometheus.HistogramVec

	// Escalation
	EscalationsTotal      prometheus.Counter
	EscalationSweeps      *prometheus.CounterVec
	EscalationSweepLength prometheus.Histogram

	// Notification
	NotificationsTotal *prometheus.CounterVec

	// Definitions
	DefinitionsRegisteredTotal prometheus.Counter
	DefinitionsLoaded          prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parapheur_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parapheur_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parapheur_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parapheur_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parapheur_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"definition_type"}),
		WorkflowActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parapheur_workflow_actions_total",
			Help: "Total number of processed actions by kind and resulting status.",
		}, []string{"action", "status"}),
		WorkflowActionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parapheur_workflow_action_failures_total",
			Help: "Total number of rejected actions by error code.",
		}, []string{"action", "code"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parapheur_workflow_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"definition_type", "final_status"}),
		WorkflowActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parapheur_workflow_action_duration_seconds",
			Help:    "Action processing duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"action"}),

		EscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parapheur_escalations_total",
			Help: "Total number of instances escalated by the sweeper.",
		}),
		EscalationSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parapheur_escalation_sweeps_total",
			Help: "Total number of sweeper runs by outcome.",
		}, []string{"status"}),
		EscalationSweepLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parapheur_escalation_sweep_duration_seconds",
			Help:    "Sweeper run duration in seconds.",
			Buckets: storeDurationBuckets,
		}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parapheur_notifications_total",
			Help: "Total number of notification deliveries by event and outcome.",
		}, []string{"event", "outcome"}),

		DefinitionsRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parapheur_definitions_registered_total",
			Help: "Total number of definitions registered through the API.",
		}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parapheur_definitions_loaded",
			Help: "Number of definitions in the catalog.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowStartsTotal,
		m.WorkflowActionsTotal,
		m.WorkflowActionFailures,
		m.WorkflowCompletionsTotal,
		m.WorkflowActionDuration,
		m.EscalationsTotal,
		m.EscalationSweeps,
		m.EscalationSweepLength,
		m.NotificationsTotal,
		m.DefinitionsRegisteredTotal,
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
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a started instance.
func (m *Metrics) RecordWorkflowStart(definitionType string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(definitionType).Inc()
}

// RecordWorkflowAction records a successfully processed action.
func (m *Metrics) RecordWorkflowAction(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowActionsTotal.WithLabelValues(action, status).Inc()
	m.WorkflowActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordWorkflowActionFailure records an action rejected with code.
func (m *Metrics) RecordWorkflowActionFailure(action, code string) {
	if m == nil {
		return
	}
	m.WorkflowActionFailures.WithLabelValues(action, code).Inc()
}

// RecordWorkflowCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(definitionType, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(definitionType, finalStatus).Inc()
}

// RecordSweep records one sweeper run.
func (m *Metrics) RecordSweep(escalated int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EscalationSweeps.WithLabelValues(status).Inc()
	m.EscalationSweepLength.Observe(duration.Seconds())
	m.EscalationsTotal.Add(float64(escalated))
}

// NotificationPublished records a delivered notification.
func (m *Metrics) NotificationPublished(event string) { m.recordNotification(event, "published") }

// NotificationFailed records a notification the sink rejected.
func (m *Metrics) NotificationFailed(event string) { m.recordNotification(event, "failed") }

// NotificationDropped records a notification dropped on a full queue.
func (m *Metrics) NotificationDropped(event string) { m.recordNotification(event, "dropped") }

func (m *Metrics) recordNotification(event, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(event, outcome).Inc()
}

// RecordDefinitionRegistered records a definition registered at runtime.
func (m *Metrics) RecordDefinitionRegistered() {
	if m == nil {
		return
	}
	m.DefinitionsRegisteredTotal.Inc()
}

// SetDefinitionsLoaded sets the number of catalog definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to bound label cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

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
