// Package client is a small HTTP client for the inventory API, used by the scanner bridge.
package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
)

type InventoryClient struct {
	http *resty.Client
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inventory api: %d %s", e.StatusCode, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

func NewInventoryClient(baseURL, token string) *InventoryClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &InventoryClient{http: c}
}

// Resolve returns nil, nil when the barcode is unknown.
func (c *InventoryClient) Resolve(ctx context.Context, symbol, format string) (*domain.Product, error) {
	var body struct {
		Product *domain.ProductResponse `json:"product"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("barcode", symbol).
		SetQueryParam("format", format).
		SetResult(&body).
		SetError(&errorBody{}).
		Get("/api/v1/inventory")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	if body.Product == nil {
		return nil, nil
	}
	return &body.Product.Product, nil
}

// Adjust applies the change and returns the new quantity. The idempotency key is fixed
// per call, so resty's retries of the same request cannot apply it twice.
func (c *InventoryClient) Adjust(ctx context.Context, productID string, req domain.AdjustStockRequest) (int, error) {
	var body struct {
		Success     bool `json:"success"`
		NewQuantity int  `json:"newQuantity"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", domain.NewID()).
		SetBody(req).
		SetResult(&body).
		SetError(&errorBody{}).
		SetPathParam("id", productID).
		Post("/api/v1/products/{id}/adjust")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, apiError(resp)
	}
	return body.NewQuantity, nil
}

func apiError(resp *resty.Response) error {
	msg := http.StatusText(resp.StatusCode())
	if e, ok := resp.Error().(*errorBody); ok && e.Error != "" {
		msg = e.Error
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: msg}
}
