package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"example.com/backstage/services/stocksync/internal/metrics"
	"example.com/backstage/services/stocksync/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// MetricsHandler handles metrics-related HTTP requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	tracer  tracing.Tracer
	checks  map[string]HealthCheck
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(metrics *metrics.Metrics, tracer tracing.Tracer, checks map[string]HealthCheck) *MetricsHandler {
	return &MetricsHandler{
		metrics: metrics,
		tracer:  tracer,
		checks:  checks,
	}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck probes every dependency and returns the overall status
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	for name, check := range h.checks {
		err := check(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", name).Msg("Health check failed")
		}
		h.metrics.SetHealth(name, err == nil)
	}

	healthChecks := h.metrics.GetHealthChecks()

	healthy := true
	for _, status := range healthChecks {
		if !status {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":  healthy,
		"details": healthChecks,
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
