package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config      *config.Config
	Engine      *workflow.Engine
	Definitions definition.Store
	// Authenticate verifies the caller. Nil disables authentication and
	// the tenant is read from X-Tenant-Id.
	Authenticate func(http.Handler) http.Handler
	// Permissions gates each route by caller role. Nil allows every
	// authenticated caller.
	Permissions model.PermissionResolver
	// Idempotency replays start requests that repeat an Idempotency-Key.
	// Nil ignores the header.
	Idempotency idempotency.Store
	Readiness   observability.ReadinessChecks
	Metrics     *observability.Metrics
	Logger      *zap.Logger
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

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Auth.ClaimPaths, deps.Authenticate == nil))
		r.Use(AttachLogger(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		can := func(perm string) func(http.Handler) http.Handler {
			return RequirePermission(deps.Permissions, perm)
		}

		r.With(can(model.PermDefinitionsRead)).Get("/definitions", handleDefinitionList(deps.Definitions))
		r.Route("/definitions/{definitionId}", func(r chi.Router) {
			r.With(can(model.PermDefinitionsRead)).Get("/", handleDefinitionGet(deps.Definitions))
			r.With(can(model.PermDefinitionsWrite)).Put("/", handleDefinitionSave(deps.Definitions))
			r.With(can(model.PermDefinitionsWrite)).Put("/mode", handleDefinitionMode(deps.Engine))
			r.With(can(model.PermStepsDryRun)).Post("/steps/{label}/dry-run", handleStepDryRun(deps.Engine))

			r.Route("/targets/{targetRef}", func(r chi.Router) {
				r.With(can(model.PermExecutionsRead)).Get("/", handleExecutionGet(deps.Engine))
				r.With(can(model.PermExecutionsRun)).Post("/start", handleExecutionStart(deps.Engine, deps.Idempotency, deps.Config.Idempotency.TTL))
				r.With(can(model.PermExecutionsRun)).Post("/run", handleExecutionRun(deps.Engine))
				r.With(can(model.PermExecutionsAdmin)).Post("/wake", handleExecutionWake(deps.Engine))
				r.With(can(model.PermExecutionsAdmin)).Post("/error", handleExecutionError(deps.Engine))
			})
		})
		r.With(can(model.PermExecutionsRead)).Get("/executions", handleExecutionList(deps.Engine))
	})

	return r
}
