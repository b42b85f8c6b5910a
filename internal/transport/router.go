package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/parapheur/internal/config"
	"github.com/pitabwire/parapheur/internal/idempotency"
	"github.com/pitabwire/parapheur/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Catalog      DefinitionCatalog
	Engine       WorkflowEngine
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	// Idempotency is optional. When nil, Idempotency-Key headers are ignored.
	Idempotency idempotency.Store

	// Metrics and Gatherer are optional. /metrics is mounted only when
	// Gatherer is set.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1/definitions", func(r chi.Router) {
			r.Post("/", handleDefinitionRegister(deps.Catalog, deps.Metrics))
			r.Get("/", handleDefinitionList(deps.Catalog))
			r.Get("/{definitionId}", handleDefinitionGet(deps.Catalog))
		})

		r.Route("/v1/instances", func(r chi.Router) {
			r.Post("/", handleInstanceStart(deps.Engine))
			r.Get("/", handleInstanceList(deps.Engine))
			r.Get("/{instanceId}", handleInstanceGet(deps.Engine))
			r.Post("/{instanceId}/actions", handleInstanceAction(deps.Engine, deps.Idempotency, deps.Config.Idempotency.TTL))
		})

		r.Post("/v1/escalations/sweep", handleEscalationSweep(deps.Engine))
	})

	return r
}
