// Package rest wires the HTTP surface of the saga engine: routing,
// middleware ordering, and the health endpoints load balancers probe.
package rest

import (
	"net/http"

	"provisioner/application/commands/bus"
	cmdhandlers "provisioner/application/commands/handlers"
	querybus "provisioner/application/queries/bus"
	"provisioner/infrastructure/config"
	"provisioner/interfaces/http/rest/handlers"
	"provisioner/interfaces/http/rest/middleware"
	"provisioner/pkg/auth"
	appErrors "provisioner/pkg/errors"
	"provisioner/pkg/observability"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Router creates and configures the HTTP router
type Router struct {
	cfg            *config.Config
	starter        *cmdhandlers.StartSagaHandler
	commandBus     *bus.CommandBus
	queryBus       *querybus.QueryBus
	validator      *auth.JWTValidator
	ipLimiter      auth.RateLimiter
	subjectLimiter auth.RateLimiter
	tracer         *observability.Tracer
	logger         *zap.Logger
}

// NewRouter creates a new router instance. Validator may be nil outside
// production; nil limiters disable rate limiting; a nil tracer disables
// tracing.
func NewRouter(
	cfg *config.Config,
	starter *cmdhandlers.StartSagaHandler,
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	validator *auth.JWTValidator,
	ipLimiter auth.RateLimiter,
	subjectLimiter auth.RateLimiter,
	tracer *observability.Tracer,
	logger *zap.Logger,
) *Router {
	return &Router{
		cfg:            cfg,
		starter:        starter,
		commandBus:     commandBus,
		queryBus:       queryBus,
		validator:      validator,
		ipLimiter:      ipLimiter,
		subjectLimiter: subjectLimiter,
		tracer:         tracer,
		logger:         logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Trace(rt.tracer))
	router.Use(middleware.Logger(rt.logger))

	if rt.cfg.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Health checks
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)

	errorHandler := appErrors.NewErrorHandler(rt.logger, rt.cfg.Environment != "production")
	sagaHandler := handlers.NewSagaHandler(rt.starter, rt.commandBus, rt.queryBus, errorHandler, rt.logger)

	// API v1 routes
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(middleware.AuthConfig{
			Validator:      rt.validator,
			IPLimiter:      rt.ipLimiter,
			SubjectLimiter: rt.subjectLimiter,
			Logger:         rt.logger,
		}))

		r.Route("/sagas", func(r chi.Router) {
			r.Post("/", sagaHandler.StartSaga)
			r.Get("/", sagaHandler.ListOpenSagas)
			r.Get("/{sagaID}", sagaHandler.GetSaga)
			r.Get("/{sagaID}/events", sagaHandler.ReadStream)
			r.Post("/{sagaID}/steps/{stepIndex}/result", sagaHandler.ReportStepResult)
			r.Post("/{sagaID}/cancel", sagaHandler.CancelSaga)
		})

		r.Get("/stats", sagaHandler.GetStats)
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck handles readiness check requests
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
