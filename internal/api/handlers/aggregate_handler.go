package handlers

import (
	"context"
	"net/http"
	"strconv"

	"example.com/backstage/services/stocksync/internal/models"
	"example.com/backstage/services/stocksync/internal/search"

	"github.com/gin-gonic/gin"
)

// AggregateReader serves the central view built by the consumer
type AggregateReader interface {
	GetAggregate(ctx context.Context, productID string) (*models.CentralAggregate, error)
	ListStores(ctx context.Context, productID string) ([]models.StoreProjection, error)
}

// EventSearcher searches the stock event audit index
type EventSearcher interface {
	SearchStockEvents(ctx context.Context, filter search.EventFilter) ([]map[string]interface{}, error)
}

// AggregateHandler handles central aggregate and event audit requests
type AggregateHandler struct {
	aggregates AggregateReader
	events     EventSearcher
}

// NewAggregateHandler creates a new aggregate handler. events may be nil.
func NewAggregateHandler(aggregates AggregateReader, events EventSearcher) *AggregateHandler {
	return &AggregateHandler{
		aggregates: aggregates,
		events:     events,
	}
}

// HandleGetAggregate returns the central aggregate of a product
func (h *AggregateHandler) HandleGetAggregate(c *gin.Context) {
	aggregate, err := h.aggregates.GetAggregate(c.Request.Context(), c.Param("productId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, aggregate)
}

// HandleListStores returns the per-store projections behind an aggregate
func (h *AggregateHandler) HandleListStores(c *gin.Context) {
	stores, err := h.aggregates.ListStores(c.Request.Context(), c.Param("productId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if stores == nil {
		stores = []models.StoreProjection{}
	}
	c.JSON(http.StatusOK, stores)
}

// HandleSearchEvents searches applied stock events
func (h *AggregateHandler) HandleSearchEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Message: "event search is disabled",
			Code:    "SERVICE_UNAVAILABLE",
		})
		return
	}

	filter := search.EventFilter{
		ProductID: c.Query("productId"),
		StoreID:   c.Query("storeId"),
		Kind:      models.EventKind(c.Query("kind")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		badRequest(c, errInvalidQuery("kind"))
		return
	}
	if size := c.Query("size"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			badRequest(c, errInvalidQuery("size"))
			return
		}
		filter.Size = n
	}

	docs, err := h.events.SearchStockEvents(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": docs, "count": len(docs)})
}

// RegisterRoutes registers the handler's routes
func (h *AggregateHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/aggregates/:productId", h.HandleGetAggregate)
	router.GET("/aggregates/:productId/stores", h.HandleListStores)
	router.GET("/events", h.HandleSearchEvents)
}
