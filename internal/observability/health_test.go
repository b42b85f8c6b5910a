package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.3", "abc1234"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleReady(t *testing.T) {
	loaded := func() bool { return true }
	empty := func() bool { return false }

	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "definitions only",
			checks:     ReadinessChecks{DefinitionsLoaded: loaded},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"definitions": "ok"},
		},
		{
			name:       "nil definitions func",
			checks:     ReadinessChecks{},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "error"},
		},
		{
			name: "all healthy",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded,
				WorkflowStore:     &mockHealthChecker{},
				Notifier:          &mockHealthChecker{},
				Idempotency:       &mockHealthChecker{},
			},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"definitions": "ok", "workflow_store": "ok", "notifier": "ok", "idempotency": "ok"},
		},
		{
			name: "store down",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded,
				WorkflowStore:     &mockHealthChecker{err: errors.New("connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "ok", "workflow_store": "error"},
		},
		{
			name: "redis down",
			checks: ReadinessChecks{
				DefinitionsLoaded: loaded,
				Idempotency:       &mockHealthChecker{err: errors.New("dial tcp: connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "ok", "idempotency": "error"},
		},
		{
			name: "multiple failures",
			checks: ReadinessChecks{
				DefinitionsLoaded: empty,
				Notifier:          &mockHealthChecker{err: errors.New("nats disconnected")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"definitions": "error", "notifier": "error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, tt.checks)
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			if len(resp.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", resp.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := resp.Checks[name].Status; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestHandleReady_errorMessage(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		WorkflowStore:     &mockHealthChecker{err: errors.New("connection refused")},
	})
	if resp.Checks["workflow_store"].Error != "connection refused" {
		t.Errorf("error = %q", resp.Checks["workflow_store"].Error)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
}
