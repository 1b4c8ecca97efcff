package api

import (
	"context"
	"net/http"
	"time"

	"example.com/backstage/services/stocksync/config"
	"example.com/backstage/services/stocksync/internal/api/handlers"
	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Dependencies are the services the HTTP server exposes.
// Aggregates, Events and DLQ are optional; their routes are skipped when nil.
type Dependencies struct {
	Stock        handlers.StockService
	Aggregates   handlers.AggregateReader
	Events       handlers.EventSearcher
	DLQ          handlers.DLQAdmin
	Metrics      *metrics.Metrics
	Tracer       tracing.Tracer
	HealthChecks map[string]handlers.HealthCheck
}

// Server represents the HTTP server
type Server struct {
	config     config.Config
	deps       Dependencies
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, deps Dependencies) *Server {
	if deps.Tracer == nil {
		deps.Tracer = tracing.NewNoopTracer()
	}

	server := &Server{
		config: cfg,
		deps:   deps,
	}
	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}
	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(MetricsMiddleware(s.deps.Metrics))
	if app := s.deps.Tracer.Application(); app != nil {
		router.Use(NewRelicMiddleware(app))
	}
	if s.config.Server.CorsEnabled {
		router.Use(CORSMiddleware(s.config.Server.CorsOrigins))
	}

	handlers.NewMetricsHandler(s.deps.Metrics, s.deps.Tracer, s.deps.HealthChecks).RegisterRoutes(router)

	v1 := router.Group("/api/v1")
	if s.deps.Stock != nil {
		handlers.NewStockHandler(s.deps.Stock, s.deps.Tracer).RegisterRoutes(v1)
	}
	if s.deps.Aggregates != nil {
		handlers.NewAggregateHandler(s.deps.Aggregates, s.deps.Events).RegisterRoutes(v1)
	}
	if s.deps.DLQ != nil {
		handlers.NewDLQHandler(s.deps.DLQ).RegisterRoutes(v1)
	}

	return router
}

// Router exposes the configured router
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Server.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
