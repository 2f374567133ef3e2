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

// InventoryHandler serves the dashboard's combined lookup/list and scan endpoints.
type InventoryHandler struct {
	products *service.ProductService
	stock    *service.StockService
	barcodes *service.BarcodeService
	logger   *zap.Logger
}

func NewInventoryHandler(products *service.ProductService, stock *service.StockService, barcodes *service.BarcodeService, logger *zap.Logger) *InventoryHandler {
	return &InventoryHandler{
		products: products,
		stock:    stock,
		barcodes: barcodes,
		logger:   logger,
	}
}

// ScanRequest is the body of POST /inventory.
type ScanRequest struct {
	Action    string           `json:"action"`
	Barcode   string           `json:"barcode"`
	Format    string           `json:"format"`
	ProductID string           `json:"productId"`
	Quantity  int              `json:"quantity"`
	Operation domain.Operation `json:"operation"`
}

// Get looks a barcode up when ?barcode= is present and lists products otherwise.
func (h *InventoryHandler) Get(c *gin.Context) {
	actor := middleware.ActorFrom(c)
	if barcode, ok := c.GetQuery("barcode"); ok {
		result, err := h.barcodes.ResolveBarcode(c.Request.Context(), actor, barcode, c.Query("format"))
		if err != nil {
			respondError(c, h.logger, err, "look up barcode")
			return
		}
		if result.NotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "Product not found",
				"barcode": strings.TrimSpace(barcode),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"product": domain.NewProductResponse(result.Product)})
		return
	}

	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	products, err := h.products.ListProducts(c.Request.Context(), actor, filter)
	if err != nil {
		respondError(c, h.logger, err, "list products")
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": productResponses(products)})
}

// Post handles action=scan: the scan is recorded, and when a quantity is given the
// resolved (or explicitly named) product is adjusted.
func (h *InventoryHandler) Post(c *gin.Context) {
	actor := middleware.ActorFrom(c)
	switch {
	case !actor.Authenticated():
		respondError(c, h.logger, service.ErrUnauthorized, "record scan")
		return
	case !actor.CanManageInventory():
		respondError(c, h.logger, service.ErrForbidden, "record scan")
		return
	}

	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format",
		})
		return
	}
	if req.Action != "scan" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid action"})
		return
	}

	ctx := c.Request.Context()

	productID := req.ProductID
	response := gin.H{"success": true}
	if strings.TrimSpace(req.Barcode) != "" {
		result, err := h.barcodes.ResolveBarcode(ctx, actor, req.Barcode, req.Format)
		if err != nil {
			respondError(c, h.logger, err, "record scan")
			return
		}
		response["scanId"] = result.Scan.ScanID
		if result.NotFound {
			response["notFound"] = true
		} else {
			response["product"] = domain.NewProductResponse(result.Product)
			if productID == "" {
				productID = result.Product.ProductID
			}
		}
	} else if productID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "barcode or productId is required"})
		return
	}

	if req.Quantity == 0 || productID == "" {
		c.JSON(http.StatusOK, response)
		return
	}

	result, err := h.stock.AdjustQuantity(ctx, actor, service.AdjustRequest{
		ProductID:      productID,
		Quantity:       req.Quantity,
		Operation:      req.Operation,
		Barcode:        strings.TrimSpace(req.Barcode),
		IdempotencyKey: strings.TrimSpace(c.GetHeader(middleware.IdempotencyKeyHeader)),
	})
	if err != nil {
		respondError(c, h.logger, err, "adjust stock after scan")
		return
	}
	for k, v := range adjustResponse(result) {
		response[k] = v
	}
	c.JSON(http.StatusOK, response)
}

func (h *InventoryHandler) RecentScans(c *gin.Context) {
	scans, err := h.barcodes.RecentScans(c.Request.Context(), middleware.ActorFrom(c), queryLimit(c))
	if err != nil {
		respondError(c, h.logger, err, "list scans")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans})
}
