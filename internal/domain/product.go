package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

type StockStatus string

const (
	StatusInStock    StockStatus = "in-stock"
	StatusLowStock   StockStatus = "low-stock"
	StatusOutOfStock StockStatus = "out-of-stock"
)

// DeriveStatus maps (quantity, threshold) to a stock status. The threshold is inclusive.
func DeriveStatus(quantity, threshold int) StockStatus {
	switch {
	case quantity <= 0:
		return StatusOutOfStock
	case quantity <= threshold:
		return StatusLowStock
	default:
		return StatusInStock
	}
}

// Money is a decimal amount stored as a DynamoDB number and a SQL numeric.
type Money struct {
	decimal.Decimal
}

func NewMoney(value string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return Money{Decimal: d}, nil
}

func MustMoney(value string) Money {
	m, err := NewMoney(value)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: m.String()}, nil
}

func (m *Money) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	var raw string
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		raw = v.Value
	case *types.AttributeValueMemberS:
		raw = v.Value
	case *types.AttributeValueMemberNULL:
		m.Decimal = decimal.Zero
		return nil
	default:
		return fmt.Errorf("unsupported attribute type %T for money", av)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	m.Decimal = d
	return nil
}

type Product struct {
	ProductID  string    `dynamodbav:"product_id"            json:"id"                    db:"id"`
	TenantID   string    `dynamodbav:"tenant_id"             json:"tenant_id"             db:"tenant_id"`
	Name       string    `dynamodbav:"name"                  json:"name"                  db:"name"`
	SKU        string    `dynamodbav:"sku"                   json:"sku"                   db:"sku"`
	Barcode    *string   `dynamodbav:"barcode,omitempty"     json:"barcode,omitempty"     db:"barcode"`
	CategoryID string    `dynamodbav:"category_id,omitempty" json:"category_id,omitempty" db:"category_id"`
	SupplierID string    `dynamodbav:"supplier_id,omitempty" json:"supplier_id,omitempty" db:"supplier_id"`
	Price      Money     `dynamodbav:"price"                 json:"price"                 db:"price"`
	Cost       Money     `dynamodbav:"cost"                  json:"cost"                  db:"cost"`
	Quantity   int       `dynamodbav:"quantity"              json:"quantity"              db:"quantity"`
	Threshold  int       `dynamodbav:"threshold"             json:"threshold"             db:"threshold"`
	Unit       string    `dynamodbav:"unit"                  json:"unit"                  db:"unit"`
	Version    int       `dynamodbav:"version"               json:"version"               db:"version"`
	CreatedAt  time.Time `dynamodbav:"created_at"            json:"created_at"            db:"created_at"`
	UpdatedAt  time.Time `dynamodbav:"updated_at"            json:"updated_at"            db:"updated_at"`
}

func (p *Product) Status() StockStatus {
	return DeriveStatus(p.Quantity, p.Threshold)
}

func (p *Product) BarcodeValue() string {
	if p.Barcode == nil {
		return ""
	}
	return *p.Barcode
}

// InventoryValue is price times on-hand quantity.
func (p *Product) InventoryValue() decimal.Decimal {
	return p.Price.Mul(decimal.NewFromInt(int64(p.Quantity)))
}

// StatusFilter selects rows by derived stock status. FilterReorder keeps every row at or
// below its threshold, out of stock included.
type StatusFilter string

const (
	FilterAll        StatusFilter = ""
	FilterInStock    StatusFilter = StatusFilter(StatusInStock)
	FilterLowStock   StatusFilter = StatusFilter(StatusLowStock)
	FilterOutOfStock StatusFilter = StatusFilter(StatusOutOfStock)
	FilterReorder    StatusFilter = "reorder"
)

func ParseStatusFilter(s string) (StatusFilter, error) {
	switch f := StatusFilter(strings.ToLower(strings.TrimSpace(s))); f {
	case FilterAll, FilterInStock, FilterLowStock, FilterOutOfStock, FilterReorder:
		return f, nil
	case "all", "all-items":
		return FilterAll, nil
	default:
		return FilterAll, fmt.Errorf("unknown stock status filter %q", s)
	}
}

// ProductFilter is the view predicate shared by list queries and projection caches.
type ProductFilter struct {
	Search     string       `json:"search,omitempty"`
	CategoryID string       `json:"category_id,omitempty"`
	SupplierID string       `json:"supplier_id,omitempty"`
	Status     StatusFilter `json:"status,omitempty"`
}

// Matches has no side effects and depends only on f and p.
func (f ProductFilter) Matches(p *Product) bool {
	if p == nil {
		return false
	}
	if f.CategoryID != "" && p.CategoryID != f.CategoryID {
		return false
	}
	if f.SupplierID != "" && p.SupplierID != f.SupplierID {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(p.Name), q) &&
			!strings.Contains(strings.ToLower(p.SKU), q) &&
			!strings.Contains(strings.ToLower(p.BarcodeValue()), q) {
			return false
		}
	}
	switch f.Status {
	case FilterAll:
		return true
	case FilterReorder:
		return p.Quantity <= p.Threshold
	default:
		return StockStatus(f.Status) == p.Status()
	}
}

type CreateProductRequest struct {
	Name       string `json:"name"        binding:"required"`
	SKU        string `json:"sku"         binding:"required"`
	Barcode    string `json:"barcode"`
	CategoryID string `json:"category_id"`
	SupplierID string `json:"supplier_id"`
	Price      Money  `json:"price"`
	Cost       Money  `json:"cost"`
	Quantity   int    `json:"quantity"    binding:"min=0"`
	Threshold  int    `json:"threshold"   binding:"min=0"`
	Unit       string `json:"unit"`
}

// UpdateProductRequest carries a partial edit; nil fields are left unchanged.
type UpdateProductRequest struct {
	Name       *string `json:"name"`
	SKU        *string `json:"sku"`
	Barcode    *string `json:"barcode"`
	CategoryID *string `json:"category_id"`
	SupplierID *string `json:"supplier_id"`
	Price      *Money  `json:"price"`
	Cost       *Money  `json:"cost"`
	Quantity   *int    `json:"quantity"`
	Threshold  *int    `json:"threshold"`
	Unit       *string `json:"unit"`
}

type AdjustStockRequest struct {
	Quantity  int       `json:"quantity"`
	Operation Operation `json:"operation"`
	Barcode   string    `json:"barcode"`
}

type ProductResponse struct {
	Product
	Status StockStatus `json:"status"`
}

func NewProductResponse(p *Product) ProductResponse {
	return ProductResponse{Product: *p, Status: p.Status()}
}

type InventoryStats struct {
	TotalProducts       int             `json:"total_products"`
	LowStockCount       int             `json:"low_stock_count"`
	OutOfStockCount     int             `json:"out_of_stock_count"`
	TotalInventoryValue decimal.Decimal `json:"total_inventory_value"`
}
