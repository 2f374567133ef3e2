package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/metrics"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/middleware"
)

type RouterConfig struct {
	JWTSecret     []byte
	ScanRateLimit float64
	ScanRateBurst int
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

func NewRouter(products *ProductHandler, inventory *InventoryHandler, views *ViewHandler, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(cfg.Metrics.GinMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Auth(cfg.JWTSecret))
	{
		scan := v1.Group("")
		if cfg.ScanRateLimit > 0 {
			scan.Use(middleware.RateLimit(cfg.ScanRateLimit, cfg.ScanRateBurst, 10*time.Minute))
		}
		scan.GET("/inventory", inventory.Get)
		scan.POST("/inventory", inventory.Post)
		v1.GET("/scans", inventory.RecentScans)

		v1.GET("/products", products.ListProducts)
		v1.POST("/products", products.CreateProduct)
		v1.GET("/products/:id", products.GetProduct)
		v1.PATCH("/products/:id", products.UpdateProduct)
		v1.DELETE("/products/:id", products.DeleteProduct)
		v1.POST("/products/:id/adjust", products.AdjustStock)
		v1.GET("/products/:id/movements", products.Movements)
		v1.GET("/movements", products.Movements)
		v1.GET("/stats", products.Stats)

		v1.GET("/views/stream", views.Stream)
		v1.POST("/views/:id/refetch", views.Refetch)
		v1.GET("/views/:id/notifications", views.Notifications)
		v1.POST("/views/:id/notifications/read-all", views.MarkAllRead)
		v1.POST("/views/:id/notifications/clear", views.Clear)
		v1.POST("/views/:id/notifications/:nid/read", views.MarkRead)

		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		})
	}

	return router
}
