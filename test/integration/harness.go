// Package integration provides a reusable test harness for end-to-end
// integration testing of the parapheur server. It starts a full HTTP server
// with the built-in circuits, in-memory stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/parapheur/internal/config"
	"github.com/pitabwire/parapheur/internal/definition"
	"github.com/pitabwire/parapheur/internal/idempotency"
	"github.com/pitabwire/parapheur/internal/notify"
	"github.com/pitabwire/parapheur/internal/observability"
	"github.com/pitabwire/parapheur/internal/transport"
	"github.com/pitabwire/parapheur/internal/workflow"
	"github.com/pitabwire/parapheur/model"
)

// TestHarness encapsulates a fully wired server for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer
	clock  *clock

	// Internal components exposed for advanced test scenarios.
	Catalog     *definition.Catalog
	Store       *workflow.MemoryStore
	Engine      *workflow.Engine
	Sweeper     *workflow.Sweeper
	Sink        *notify.MemorySink
	Dispatcher  *notify.Dispatcher
	Idempotency *idempotency.MemoryStore
	Registry    *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitions    []model.WorkflowDefinition
	handlerTimeout time.Duration
	sinkErr        error
}

// WithDefinitions loads extra definitions next to the built-in circuits.
func WithDefinitions(defs ...model.WorkflowDefinition) HarnessOption {
	return func(c *harnessConfig) {
		c.definitions = append(c.definitions, defs...)
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithFailingNotifications makes every notification delivery fail with err.
func WithFailingNotifications(err error) HarnessOption {
	return func(c *harnessConfig) {
		c.sinkErr = err
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewTestHarness creates and starts a full server instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:     t,
		clock: &clock{now: time.Now().UTC().Truncate(time.Second)},
	}

	builtins, err := definition.NewLoader().LoadBuiltins()
	if err != nil {
		t.Fatalf("load built-in templates: %v", err)
	}
	h.Catalog = definition.NewCatalog(definition.WithClock(h.clock.Now))
	if err := h.Catalog.Load(append(builtins, hc.definitions...)); err != nil {
		t.Fatalf("load definitions: %v", err)
	}

	h.Registry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Registry)

	h.Sink = &notify.MemorySink{Err: hc.sinkErr}
	h.Dispatcher = notify.NewDispatcher(h.Sink, notify.WithObserver(metrics))
	t.Cleanup(func() { _ = h.Dispatcher.Close(context.Background()) })

	h.Store = workflow.NewMemoryStore()
	h.Engine = workflow.NewEngine(h.Catalog, h.Store,
		workflow.WithEventSink(h.Dispatcher),
		workflow.WithMetrics(metrics),
		workflow.WithClock(h.clock.Now),
	)
	h.Sweeper = workflow.NewSweeper(h.Engine)
	h.Idempotency = idempotency.NewMemoryStore()

	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, nil)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Catalog:      h.Catalog,
		Engine:       h.Engine,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Catalog.Len() > 0 },
		},
		Idempotency: h.Idempotency,
		Metrics:     metrics,
		Gatherer:    h.Registry,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Advance moves the engine clock forward.
func (h *TestHarness) Advance(d time.Duration) {
	h.clock.Advance(d)
}

// Events stops the notification queue, waits for it to drain and returns
// what was delivered. Call it once, after the last request of a test.
func (h *TestHarness) Events() []notify.Published {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Dispatcher.Close(ctx); err != nil {
		h.t.Fatalf("drain notifications: %v", err)
	}
	return h.Sink.Events()
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Workflow helpers ---

// StartDossier starts an instance of definitionID for a dossier and returns it.
func (h *TestHarness) StartDossier(t *testing.T, token, definitionID, dossierID, dossierType string) model.WorkflowInstance {
	t.Helper()
	resp := h.POST("/v1/instances", model.StartInput{
		DefinitionID: definitionID,
		DossierID:    dossierID,
		DossierType:  dossierType,
	}, token)

	var inst model.WorkflowInstance
	h.AssertJSON(t, resp, http.StatusCreated, &inst)
	if inst.ID == "" {
		t.Fatal("expected instance id in start response")
	}
	return inst
}

// Act performs an action on an instance and returns the raw response.
func (h *TestHarness) Act(instanceID, token string, action model.ActionKind, comment string) *http.Response {
	h.t.Helper()
	return h.POST("/v1/instances/"+instanceID+"/actions", model.ActionInput{
		Action:  action,
		Comment: comment,
	}, token)
}

// Detail fetches an instance with its history.
func (h *TestHarness) Detail(t *testing.T, instanceID, token string) model.InstanceDetail {
	t.Helper()
	var detail model.InstanceDetail
	h.AssertJSON(t, h.GET("/v1/instances/"+instanceID, token), http.StatusOK, &detail)
	return detail
}

// --- Default test claims ---

// ClaimsFor returns TestClaims for a user holding role.
func ClaimsFor(subject, role string) TestClaims {
	return TestClaims{
		SubjectID: subject,
		Email:     subject + "@gouv.example",
		Role:      role,
	}
}

// MinistryClaims returns TestClaims for a drafting ministry user.
func MinistryClaims() TestClaims {
	return ClaimsFor("u-ministry", "ministry")
}

// SecretariatClaims returns TestClaims for a general secretariat user.
func SecretariatClaims() TestClaims {
	return ClaimsFor("u-sgg", "general_secretariat")
}
