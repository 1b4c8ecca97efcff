package handlers

import (
	"context"
	"net/http"

	"example.com/backstage/services/stocksync/internal/models"
	"example.com/backstage/services/stocksync/internal/services"
	"example.com/backstage/services/stocksync/internal/tracing"

	"github.com/gin-gonic/gin"
)

// StockService is what the stock handler calls into
type StockService interface {
	Reserve(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error)
	Commit(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error)
	Cancel(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error)
	SetOnHand(ctx context.Context, productID, storeID string, newQty int) (*models.OperationResult, error)
	Restock(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error)
	Deactivate(ctx context.Context, productID, storeID string) (*models.OperationResult, error)
	InitializeStock(ctx context.Context, productID, storeID string, onHand int) (*models.OperationResult, error)
	GetStock(ctx context.Context, productID, storeID string) (*models.StockRecord, error)
	ListStock(ctx context.Context, productID string) ([]models.StockRecord, error)
	LocalTotals(ctx context.Context, productID string) (*services.StockSummary, error)
}

// QuantityRequest is the body of reserve, commit, cancel and restock
type QuantityRequest struct {
	Quantity int `json:"quantity"`
}

// OnHandRequest is the body of initialize and set-on-hand
type OnHandRequest struct {
	OnHand *int `json:"onHand" binding:"required"`
}

// ProductStockResponse lists the store records of a product with their local total
type ProductStockResponse struct {
	Totals *services.StockSummary `json:"totals"`
	Stores []models.StockRecord   `json:"stores"`
}

// StockHandler handles stock ledger HTTP requests
type StockHandler struct {
	service StockService
	tracer  tracing.Tracer
}

// NewStockHandler creates a new stock handler
func NewStockHandler(service StockService, tracer tracing.Tracer) *StockHandler {
	return &StockHandler{
		service: service,
		tracer:  tracer,
	}
}

type quantityOp func(ctx context.Context, productID, storeID string, qty int) (*models.OperationResult, error)

func (h *StockHandler) handleQuantity(name string, op quantityOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		txn := h.tracer.StartTransaction("api-stock-" + name)
		defer h.tracer.EndTransaction(txn)

		var req QuantityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			h.tracer.RecordError(txn, err)
			badRequest(c, err)
			return
		}

		productID, storeID := c.Param("productId"), c.Param("storeId")
		h.tracer.AddAttribute(txn, "product_id", productID)
		h.tracer.AddAttribute(txn, "store_id", storeID)
		h.tracer.AddAttribute(txn, "quantity", req.Quantity)

		result, err := op(c.Request.Context(), productID, storeID, req.Quantity)
		if err != nil {
			h.tracer.RecordError(txn, err)
			writeError(c, err, result)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandleSetOnHand overwrites the on-hand count of a record
func (h *StockHandler) HandleSetOnHand(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-stock-set-on-hand")
	defer h.tracer.EndTransaction(txn)

	var req OnHandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.service.SetOnHand(c.Request.Context(), c.Param("productId"), c.Param("storeId"), *req.OnHand)
	if err != nil {
		h.tracer.RecordError(txn, err)
		writeError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleInitialize creates a record, or returns the existing one
func (h *StockHandler) HandleInitialize(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-stock-initialize")
	defer h.tracer.EndTransaction(txn)

	var req OnHandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.service.InitializeStock(c.Request.Context(), c.Param("productId"), c.Param("storeId"), *req.OnHand)
	if err != nil {
		h.tracer.RecordError(txn, err)
		writeError(c, err, nil)
		return
	}

	status := http.StatusOK
	if result.EventID != "" {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// HandleDeactivate retires a record
func (h *StockHandler) HandleDeactivate(c *gin.Context) {
	result, err := h.service.Deactivate(c.Request.Context(), c.Param("productId"), c.Param("storeId"))
	if err != nil {
		writeError(c, err, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleGetStock returns one record
func (h *StockHandler) HandleGetStock(c *gin.Context) {
	record, err := h.service.GetStock(c.Request.Context(), c.Param("productId"), c.Param("storeId"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, record)
}

// HandleListStock returns every store record of a product with the local total
func (h *StockHandler) HandleListStock(c *gin.Context) {
	productID := c.Param("productId")

	records, err := h.service.ListStock(c.Request.Context(), productID)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	totals, err := h.service.LocalTotals(c.Request.Context(), productID)
	if err != nil {
		writeError(c, err, nil)
		return
	}

	if records == nil {
		records = []models.StockRecord{}
	}
	c.JSON(http.StatusOK, ProductStockResponse{Totals: totals, Stores: records})
}

// RegisterRoutes registers the handler's routes
func (h *StockHandler) RegisterRoutes(router gin.IRouter) {
	stock := router.Group("/stock")
	stock.GET("/:productId", h.HandleListStock)
	stock.GET("/:productId/:storeId", h.HandleGetStock)
	stock.POST("/:productId/:storeId", h.HandleInitialize)
	stock.PUT("/:productId/:storeId", h.HandleSetOnHand)
	stock.DELETE("/:productId/:storeId", h.HandleDeactivate)
	stock.POST("/:productId/:storeId/reserve", h.handleQuantity("reserve", h.service.Reserve))
	stock.POST("/:productId/:storeId/commit", h.handleQuantity("commit", h.service.Commit))
	stock.POST("/:productId/:storeId/cancel", h.handleQuantity("cancel", h.service.Cancel))
	stock.POST("/:productId/:storeId/restock", h.handleQuantity("restock", h.service.Restock))
}
