package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/repository"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/service"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/view"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/cache"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/middleware"
)

var jwtSecret = []byte("router-test")

var (
	staff  = domain.Actor{ID: "u1", Name: "Kim", TenantID: "t1", Role: domain.RoleStaff}
	viewer = domain.Actor{ID: "u2", Name: "Lee", TenantID: "t1", Role: domain.RoleViewer}
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	views  *view.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	broker := feed.NewBroker(logger)
	store := repository.NewMemoryStore(broker, logger)
	products := service.NewProductService(store, 3, logger)
	stock := service.NewStockService(store, logger, service.WithIdempotency(cache.NewMemoryStore(time.Hour)))
	barcodes := service.NewBarcodeService(store, nil, logger)
	views := view.NewManager(broker, products, 10, nil, logger)
	t.Cleanup(func() {
		views.CloseAll()
		broker.Close()
	})

	router := NewRouter(
		NewProductHandler(products, stock, logger),
		NewInventoryHandler(products, stock, barcodes, logger),
		NewViewHandler(views, logger),
		RouterConfig{JWTSecret: jwtSecret, Logger: logger},
	)
	return &testServer{router: router, views: views}
}

func bearer(t *testing.T, actor domain.Actor) string {
	t.Helper()
	token, err := middleware.IssueToken(jwtSecret, actor, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func (s *testServer) do(t *testing.T, actor *domain.Actor, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", bearer(t, *actor))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (s *testServer) seed(t *testing.T) string {
	t.Helper()
	w, body := s.do(t, &staff, http.MethodPost, "/api/v1/products", map[string]any{
		"name": "Organic Coffee Beans", "sku": "COF-001", "barcode": "123456789",
		"quantity": 45, "threshold": 20, "price": "12.50",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, string(domain.StatusInStock), body["status"])
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, body := s.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestProductEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t)

	w, body := s.do(t, &staff, http.MethodPost, "/api/v1/products", map[string]any{"name": "Dup", "sku": "COF-001"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Product already exists", body["error"])

	w, _ = s.do(t, &staff, http.MethodPost, "/api/v1/products", map[string]any{"name": "No SKU"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, &viewer, http.MethodPost, "/api/v1/products", map[string]any{"name": "X", "sku": "X"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = s.do(t, &viewer, http.MethodGet, "/api/v1/products/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COF-001", body["sku"])

	w, body = s.do(t, &staff, http.MethodPatch, "/api/v1/products/"+id, map[string]any{"quantity": 10})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(domain.StatusLowStock), body["status"])

	w, body = s.do(t, &viewer, http.MethodGet, "/api/v1/products?lowStock=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["products"], 1)

	w, _ = s.do(t, &viewer, http.MethodGet, "/api/v1/products?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, &viewer, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["low_stock_count"])

	w, body = s.do(t, &viewer, http.MethodGet, "/api/v1/products/"+id+"/movements", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["movements"], 2)

	w, _ = s.do(t, &staff, http.MethodDelete, "/api/v1/products/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = s.do(t, &staff, http.MethodGet, "/api/v1/products/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdjustStockEndpoint(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t)
	path := "/api/v1/products/" + id + "/adjust"

	w, body := s.do(t, nil, http.MethodPost, path, map[string]any{"quantity": 1, "operation": "add"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = s.do(t, &viewer, http.MethodPost, path, map[string]any{"quantity": 1, "operation": "add"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = s.do(t, &staff, http.MethodPost, path, map[string]any{"quantity": 0, "operation": "add"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, &staff, http.MethodPost, path, map[string]any{"quantity": 30, "operation": "remove"},
		middleware.IdempotencyKeyHeader, "req-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 15, body["newQuantity"])
	assert.Equal(t, false, body["replayed"])

	w, body = s.do(t, &staff, http.MethodPost, path, map[string]any{"quantity": 30, "operation": "remove"},
		middleware.IdempotencyKeyHeader, "req-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 15, body["newQuantity"])
	assert.Equal(t, true, body["replayed"])

	w, body = s.do(t, &staff, http.MethodPost, path, map[string]any{"quantity": 50, "operation": "remove"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["newQuantity"])
	assert.EqualValues(t, -15, body["appliedDelta"])
	assert.Equal(t, true, body["clamped"])

	w, _ = s.do(t, &staff, http.MethodPost, "/api/v1/products/missing/adjust", map[string]any{"quantity": 1, "operation": "add"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInventoryEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t)

	w, _ := s.do(t, nil, http.MethodGet, "/api/v1/inventory?barcode=123456789", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := s.do(t, &viewer, http.MethodGet, "/api/v1/inventory?barcode=123456789", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, body["product"].(map[string]any)["id"])

	w, body = s.do(t, &viewer, http.MethodGet, "/api/v1/inventory?barcode=000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Product not found", body["error"])
	assert.Equal(t, "000", body["barcode"])

	w, body = s.do(t, &viewer, http.MethodGet, "/api/v1/inventory", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["products"], 1)

	scan := map[string]any{"action": "scan", "barcode": "123456789", "quantity": 30, "operation": "remove"}
	w, _ = s.do(t, nil, http.MethodPost, "/api/v1/inventory", scan)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = s.do(t, &viewer, http.MethodPost, "/api/v1/inventory", scan)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = s.do(t, &staff, http.MethodPost, "/api/v1/inventory", map[string]any{"action": "count"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, &staff, http.MethodPost, "/api/v1/inventory", scan)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 15, body["newQuantity"])
	assert.Equal(t, string(domain.StatusLowStock), body["status"])
	assert.NotEmpty(t, body["scanId"])

	w, body = s.do(t, &staff, http.MethodPost, "/api/v1/inventory", map[string]any{"action": "scan", "barcode": "999"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["notFound"])

	w, body = s.do(t, &viewer, http.MethodGet, "/api/v1/scans?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	// viewer lookups count too
	assert.Len(t, body["scans"], 4)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, r *bufio.Reader, out chan<- sseEvent) {
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			close(out)
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimPrefix(line, "data:")
		case line == "":
			if ev.name != "" {
				out <- ev
			}
			ev = sseEvent{}
		}
	}
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string, cond func(string) bool) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended before %q", name)
			if ev.name == name && (cond == nil || cond(ev.data)) {
				return ev.data
			}
		case <-deadline:
			t.Fatalf("no %q event within 3s", name)
			return ""
		}
	}
}

func TestViewStream(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/views/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", bearer(t, viewer))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan sseEvent, 64)
	go readEvents(t, bufio.NewReader(resp.Body), events)

	var opened struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, events, "view", nil)), &opened))
	nextEvent(t, events, "snapshot", func(data string) bool {
		return strings.Contains(data, `"state":"SUBSCRIBED"`) && strings.Contains(data, `"quantity":45`)
	})

	w, _ := s.do(t, &staff, http.MethodPost, "/api/v1/products/"+id+"/adjust", map[string]any{"quantity": 30, "operation": "remove"})
	require.Equal(t, http.StatusOK, w.Code)

	nextEvent(t, events, "snapshot", func(data string) bool { return strings.Contains(data, `"quantity":15`) })
	nextEvent(t, events, "notifications", func(data string) bool { return strings.Contains(data, `"low-stock"`) })

	// the view belongs to the viewer who opened it
	w, _ = s.do(t, &staff, http.MethodGet, "/api/v1/views/"+opened.ID+"/notifications", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body := s.do(t, &viewer, http.MethodGet, "/api/v1/views/"+opened.ID+"/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["unread"])

	w, body = s.do(t, &viewer, http.MethodPost, "/api/v1/views/"+opened.ID+"/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["unread"])

	w, _ = s.do(t, &viewer, http.MethodPost, "/api/v1/views/"+opened.ID+"/notifications/unknown/read", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = s.do(t, &viewer, http.MethodPost, "/api/v1/views/"+opened.ID+"/refetch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SUBSCRIBED", body["state"])

	w, body = s.do(t, &viewer, http.MethodPost, "/api/v1/views/"+opened.ID+"/notifications/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["items"])

	cancel()
	require.Eventually(t, func() bool { return s.views.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestViewStreamRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, nil, http.MethodGet, "/api/v1/views/stream", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
