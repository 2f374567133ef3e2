package events

import (
	"time"
)

// Order Service에서 주문 출고가 확정되면 발행하는 이벤트
type OrderFulfilledEvent struct {
	EventID   string      `json:"event_id"`
	OrderID   string      `json:"order_id"`
	TenantID  string      `json:"tenant_id"`
	Items     []OrderItem `json:"items"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

type OrderItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
}

// 재고 차감 실패 보상 이벤트
type StockAdjustmentFailedEvent struct {
	EventID   string    `json:"event_id"`
	OrderID   string    `json:"order_id"`
	TenantID  string    `json:"tenant_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	ReasonProductNotFound = "product_not_found"
	ReasonInvalidLine     = "invalid_line"
	ReasonConflict        = "conflict"
	ReasonStoreFailure    = "store_failure"
)
