package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/handler"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/repository"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/scanner"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/service"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/view"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/cache"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/middleware"
)

var secret = []byte("client-test")

func newAPI(t *testing.T) (*httptest.Server, *service.ProductService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	broker := feed.NewBroker(logger)
	store := repository.NewMemoryStore(broker, logger)
	products := service.NewProductService(store, 3, logger)
	stock := service.NewStockService(store, logger, service.WithIdempotency(cache.NewMemoryStore(time.Hour)))
	barcodes := service.NewBarcodeService(store, nil, logger)
	views := view.NewManager(broker, products, 10, nil, logger)

	router := handler.NewRouter(
		handler.NewProductHandler(products, stock, logger),
		handler.NewInventoryHandler(products, stock, barcodes, logger),
		handler.NewViewHandler(views, logger),
		handler.RouterConfig{JWTSecret: secret, Logger: logger},
	)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		views.CloseAll()
		broker.Close()
	})
	return srv, products
}

func TestInventoryClient(t *testing.T) {
	srv, products := newAPI(t)
	actor := domain.Actor{ID: "scanner-1", Name: "Dock scanner", TenantID: "t1", Role: domain.RoleStaff}
	_, err := products.CreateProduct(context.Background(), actor, domain.CreateProductRequest{
		Name: "Organic Coffee Beans", SKU: "COF-001", Barcode: "123456789", Quantity: 45, Threshold: 20,
	})
	require.NoError(t, err)

	token, err := middleware.IssueToken(secret, actor, time.Hour)
	require.NoError(t, err)
	api := NewInventoryClient(srv.URL, token)
	ctx := context.Background()

	p, err := api.Resolve(ctx, "123456789", "ean_13")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 45, p.Quantity)

	missing, err := api.Resolve(ctx, "000", "")
	require.NoError(t, err)
	assert.Nil(t, missing)

	qty, err := api.Adjust(ctx, p.ProductID, domain.AdjustStockRequest{Quantity: 30, Operation: domain.OperationRemove, Barcode: "123456789"})
	require.NoError(t, err)
	assert.Equal(t, 15, qty)

	_, err = api.Adjust(ctx, p.ProductID, domain.AdjustStockRequest{Quantity: 0, Operation: domain.OperationRemove})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestInventoryClientUnauthorized(t *testing.T) {
	srv, _ := newAPI(t)
	api := NewInventoryClient(srv.URL, "")

	_, err := api.Resolve(context.Background(), "123456789", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Unauthorized", apiErr.Message)
}

// The scanner bridge drives the API end to end: each accepted scan removes one unit.
func TestScannerSessionAgainstAPI(t *testing.T) {
	srv, products := newAPI(t)
	actor := domain.Actor{ID: "scanner-1", TenantID: "t1", Role: domain.RoleStaff}
	_, err := products.CreateProduct(context.Background(), actor, domain.CreateProductRequest{
		Name: "Beans", SKU: "B-1", Barcode: "42", Quantity: 3, Threshold: 1,
	})
	require.NoError(t, err)
	token, err := middleware.IssueToken(secret, actor, time.Hour)
	require.NoError(t, err)
	api := NewInventoryClient(srv.URL, token)

	session, err := scanner.NewSession(api, api, scanner.SessionConfig{Operation: domain.OperationRemove, Quantity: 1}, zap.NewNop())
	require.NoError(t, err)

	t0 := time.Now()
	captures := make(chan scanner.Capture, 3)
	captures <- scanner.Capture{Symbol: "42", At: t0}
	captures <- scanner.Capture{Symbol: "42", At: t0.Add(time.Second)}
	captures <- scanner.Capture{Symbol: "42", At: t0.Add(3 * time.Second)}
	close(captures)

	var quantities []int
	require.NoError(t, session.Run(context.Background(), captures, func(o scanner.Outcome) {
		require.NoError(t, o.Err)
		quantities = append(quantities, o.NewQuantity)
	}))
	assert.Equal(t, []int{2, 1}, quantities)
}
