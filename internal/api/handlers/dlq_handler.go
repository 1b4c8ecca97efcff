package handlers

import (
	"context"
	"net/http"
	"strconv"

	"example.com/backstage/services/stocksync/internal/dlq"
	"example.com/backstage/services/stocksync/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// DLQAdmin is the operator surface of the retry scheduler
type DLQAdmin interface {
	Stats(ctx context.Context) (dlq.Stats, error)
	List(ctx context.Context, status models.PublicationStatus, limit, offset int) ([]models.FailedPublication, error)
	Get(ctx context.Context, eventID string) (*models.FailedPublication, error)
	ForceRetry(ctx context.Context, eventID string) (*models.FailedPublication, error)
	Cancel(ctx context.Context, eventID string) (*models.FailedPublication, error)
	RunOnce(ctx context.Context) (dlq.RunSummary, error)
	Cleanup(ctx context.Context) (int64, error)
}

// DLQHandler exposes failed publications to operators
type DLQHandler struct {
	admin DLQAdmin
}

// NewDLQHandler creates a new DLQ handler
func NewDLQHandler(admin DLQAdmin) *DLQHandler {
	return &DLQHandler{admin: admin}
}

func errInvalidQuery(name string) error {
	return errors.Wrapf(models.ErrInvalidArgument, "invalid %s", name)
}

// HandleStats returns per-status counts
func (h *DLQHandler) HandleStats(c *gin.Context) {
	stats, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleList pages through entries, optionally filtered by status
func (h *DLQHandler) HandleList(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		badRequest(c, errInvalidQuery("limit"))
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil {
		badRequest(c, errInvalidQuery("offset"))
		return
	}

	entries, err := h.admin.List(c.Request.Context(), models.PublicationStatus(c.Query("status")), limit, offset)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if entries == nil {
		entries = []models.FailedPublication{}
	}
	c.JSON(http.StatusOK, entries)
}

// HandleGet returns one entry with its retry history
func (h *DLQHandler) HandleGet(c *gin.Context) {
	entry, err := h.admin.Get(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// HandleForceRetry resends one entry immediately
func (h *DLQHandler) HandleForceRetry(c *gin.Context) {
	entry, err := h.admin.ForceRetry(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// HandleCancel stops further retries of one entry
func (h *DLQHandler) HandleCancel(c *gin.Context) {
	entry, err := h.admin.Cancel(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// HandleRun triggers a retry pass outside the schedule
func (h *DLQHandler) HandleRun(c *gin.Context) {
	summary, err := h.admin.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// HandleCleanup removes expired terminal entries
func (h *DLQHandler) HandleCleanup(c *gin.Context) {
	removed, err := h.admin.Cleanup(c.Request.Context())
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// RegisterRoutes registers the handler's routes
func (h *DLQHandler) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/dlq")
	group.GET("", h.HandleList)
	group.GET("/stats", h.HandleStats)
	group.POST("/run", h.HandleRun)
	group.POST("/cleanup", h.HandleCleanup)
	group.GET("/:eventId", h.HandleGet)
	group.POST("/:eventId/retry", h.HandleForceRetry)
	group.POST("/:eventId/cancel", h.HandleCancel)
}
