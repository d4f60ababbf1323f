// Package api exposes build submission and build history over HTTP.
package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/observability"
)

// healthCheckTimeout bounds each dependency probe of /health
const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// ServerDeps wires the server to its collaborators. Store and Submitter are
// required; every other field has a default.
type ServerDeps struct {
	Store     BuildStore
	Submitter BuildSubmitter

	DefaultMethod     buildtypes.Method
	DefaultBuildImage string

	// HealthChecks are reported by name under /health
	HealthChecks map[string]HealthCheck

	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger

	RateLimit      RateLimitConfig
	BuildRateLimit RateLimitConfig

	Version string
}

// Server represents the HTTP API server
type Server struct {
	router       *chi.Mux
	buildHandler *BuildHandler
	healthChecks map[string]HealthCheck
	version      string
	deps         ServerDeps
}

// NewServer creates a new API server
func NewServer(deps ServerDeps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observability.DefaultMetrics
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.GetGlobalTracer()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		router:       chi.NewRouter(),
		buildHandler: NewBuildHandler(deps.Store, deps.Submitter, deps.DefaultMethod, deps.DefaultBuildImage),
		healthChecks: deps.HealthChecks,
		version:      deps.Version,
		deps:         deps,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	logger := s.deps.Logger.With().Str("component", "api").Logger()

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RecoveryMiddleware(logger))
	s.router.Use(RequestLogger(logger))
	s.router.Use(CORSMiddleware())
	s.router.Use(MetricsMiddleware(s.deps.Metrics))
	s.router.Use(TracingMiddleware(s.deps.Tracer))

	s.router.Get("/health", s.healthCheck)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(s.deps.RateLimit))

		r.Route("/builds", func(r chi.Router) {
			r.With(RateLimitMiddleware(s.deps.BuildRateLimit)).Post("/", s.buildHandler.CreateBuild)
			r.Get("/", s.buildHandler.ListBuilds)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.buildHandler.GetBuild)
				r.Get("/logs", s.buildHandler.GetBuildLogs)
			})
		})
	})
}

// healthCheck handles GET /health. Any failing check makes it a 503.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Checks:  make(map[string]string, len(s.healthChecks)),
		Version: s.version,
	}

	names := make([]string, 0, len(s.healthChecks))
	for name := range s.healthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.healthChecks[name](ctx)
		cancel()

		if err != nil {
			s.deps.Logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			response.Checks[name] = "error"
			response.Status = "degraded"
			continue
		}
		response.Checks[name] = "ok"
	}

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// Handler returns the http.Handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}
