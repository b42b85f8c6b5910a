package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/instances", 200, time.Millisecond, 0, 100)
	m.RecordWorkflowStart("decret")
	m.RecordWorkflowAction("approve", "in_progress", time.Millisecond)
	m.RecordWorkflowActionFailure("approve", "FORBIDDEN")
	m.RecordWorkflowCompletion("decret", "approved")
	m.RecordSweep(2, time.Millisecond, nil)
	m.NotificationPublished("workflow_action")
	m.RecordDefinitionRegistered()
	m.SetDefinitionsLoaded(4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"parapheur_http_requests_total",
		"parapheur_http_request_duration_seconds",
		"parapheur_http_request_size_bytes",
		"parapheur_http_response_size_bytes",
		"parapheur_workflow_starts_total",
		"parapheur_workflow_actions_total",
		"parapheur_workflow_action_failures_total",
		"parapheur_workflow_completions_total",
		"parapheur_workflow_action_duration_seconds",
		"parapheur_escalations_total",
		"parapheur_escalation_sweeps_total",
		"parapheur_escalation_sweep_duration_seconds",
		"parapheur_notifications_total",
		"parapheur_definitions_registered_total",
		"parapheur_definitions_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordWorkflowAction(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordWorkflowAction("approve", "approved", 5*time.Millisecond)
	m.RecordWorkflowAction("approve", "approved", 5*time.Millisecond)

	if got := testutil.ToFloat64(m.WorkflowActionsTotal.WithLabelValues("approve", "approved")); got != 2 {
		t.Errorf("actions_total = %v, want 2", got)
	}
}

func TestRecordSweep(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordSweep(3, time.Millisecond, nil)
	m.RecordSweep(0, time.Millisecond, errors.New("db down"))

	if got := testutil.ToFloat64(m.EscalationsTotal); got != 3 {
		t.Errorf("escalations_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.EscalationSweeps.WithLabelValues("error")); got != 1 {
		t.Errorf("sweeps{error} = %v, want 1", got)
	}
}

func TestNotificationOutcomes(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.NotificationPublished("workflow_started")
	m.NotificationFailed("workflow_started")
	m.NotificationDropped("workflow_started")
	m.NotificationDropped("workflow_started")

	if got := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("workflow_started", "dropped")); got != 2 {
		t.Errorf("notifications{dropped} = %v, want 2", got)
	}
}

func TestNilMetrics_isNoop(t *testing.T) {
	var m *Metrics
	m.RecordWorkflowStart("decret")
	m.RecordSweep(1, time.Second, nil)
	m.NotificationDropped("e")
	m.SetDefinitionsLoaded(1)
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/instances/{instanceId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/instances/abc", nil))

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/instances/{instanceId}", "404"))
	if got != 1 {
		t.Errorf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)
	h := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw", nil))

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw", "200")); got != 1 {
		t.Errorf("http_requests_total = %v, want 1", got)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordWorkflowStart("nomination")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `parapheur_workflow_starts_total{definition_type="nomination"} 1`) {
		t.Error("metrics output missing workflow start counter")
	}
}
