package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/service"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/middleware"
)

type ProductHandler struct {
	productService *service.ProductService
	stockService   *service.StockService
	logger         *zap.Logger
}

func NewProductHandler(productService *service.ProductService, stockService *service.StockService, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		productService: productService,
		stockService:   stockService,
		logger:         logger,
	}
}

func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var req domain.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format",
		})
		return
	}

	product, err := h.productService.CreateProduct(c.Request.Context(), middleware.ActorFrom(c), req)
	if err != nil {
		respondError(c, h.logger, err, "create product")
		return
	}

	c.JSON(http.StatusCreated, domain.NewProductResponse(product))
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	product, err := h.productService.GetProduct(c.Request.Context(), middleware.ActorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "get product")
		return
	}

	c.JSON(http.StatusOK, domain.NewProductResponse(product))
}

func (h *ProductHandler) ListProducts(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	products, err := h.productService.ListProducts(c.Request.Context(), middleware.ActorFrom(c), filter)
	if err != nil {
		respondError(c, h.logger, err, "list products")
		return
	}

	c.JSON(http.StatusOK, gin.H{"products": productResponses(products)})
}

func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	var req domain.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format",
		})
		return
	}

	product, err := h.productService.UpdateProduct(c.Request.Context(), middleware.ActorFrom(c), c.Param("id"), req)
	if err != nil {
		respondError(c, h.logger, err, "update product")
		return
	}

	c.JSON(http.StatusOK, domain.NewProductResponse(product))
}

func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	if err := h.productService.DeleteProduct(c.Request.Context(), middleware.ActorFrom(c), c.Param("id")); err != nil {
		respondError(c, h.logger, err, "delete product")
		return
	}

	c.Status(http.StatusNoContent)
}

// AdjustStock applies {quantity, operation} to one product. Retries carrying the same
// Idempotency-Key header get the first result back.
func (h *ProductHandler) AdjustStock(c *gin.Context) {
	var req domain.AdjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format",
		})
		return
	}

	result, err := h.stockService.AdjustQuantity(c.Request.Context(), middleware.ActorFrom(c), service.AdjustRequest{
		ProductID:      c.Param("id"),
		Quantity:       req.Quantity,
		Operation:      req.Operation,
		Barcode:        req.Barcode,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(middleware.IdempotencyKeyHeader)),
	})
	if err != nil {
		respondError(c, h.logger, err, "adjust stock")
		return
	}

	c.JSON(http.StatusOK, adjustResponse(result))
}

func (h *ProductHandler) Movements(c *gin.Context) {
	movements, err := h.productService.Movements(c.Request.Context(), middleware.ActorFrom(c), c.Param("id"), queryLimit(c))
	if err != nil {
		respondError(c, h.logger, err, "list movements")
		return
	}

	c.JSON(http.StatusOK, gin.H{"movements": movements})
}

func (h *ProductHandler) Stats(c *gin.Context) {
	stats, err := h.productService.Stats(c.Request.Context(), middleware.ActorFrom(c))
	if err != nil {
		respondError(c, h.logger, err, "compute stats")
		return
	}

	c.JSON(http.StatusOK, stats)
}

func adjustResponse(r *service.AdjustResult) gin.H {
	return gin.H{
		"success":          true,
		"newQuantity":      r.NewQuantity,
		"previousQuantity": r.PreviousQuantity,
		"appliedDelta":     r.AppliedDelta,
		"clamped":          r.Clamped,
		"status":           r.Status,
		"movementId":       r.Movement.MovementID,
		"replayed":         r.Replayed,
	}
}

func productResponses(products []*domain.Product) []domain.ProductResponse {
	out := make([]domain.ProductResponse, 0, len(products))
	for _, p := range products {
		out = append(out, domain.NewProductResponse(p))
	}
	return out
}

// filterFromQuery reads search, category, supplier, status and the dashboard's
// lowStock=true shorthand.
func filterFromQuery(c *gin.Context) (domain.ProductFilter, error) {
	status, err := domain.ParseStatusFilter(c.Query("status"))
	if err != nil {
		return domain.ProductFilter{}, err
	}
	if c.Query("lowStock") == "true" {
		status = domain.FilterReorder
	}
	return domain.ProductFilter{
		Search:     c.Query("search"),
		CategoryID: c.Query("category"),
		SupplierID: c.Query("supplier"),
		Status:     status,
	}, nil
}
