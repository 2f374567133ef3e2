package repository

import (
	"context"
	"errors"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
)

var (
	ErrProductNotFound = errors.New("product not found")
	// ErrVersionConflict means the product changed after it was read.
	ErrVersionConflict = errors.New("product version conflict")
	// ErrDuplicate means the SKU or barcode is already taken within the tenant.
	ErrDuplicate = errors.New("duplicate sku or barcode")
)

// ProductStore writes a product and its activity record in one transaction. Updates and
// deletes only apply while the stored version still equals expectedVersion.
type ProductStore interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, tenantID, barcode string) (*domain.Product, error)
	ListProducts(ctx context.Context, tenantID string, filter domain.ProductFilter) ([]*domain.Product, error)
	CreateProduct(ctx context.Context, p *domain.Product, m *domain.StockMovement) error
	UpdateProduct(ctx context.Context, p *domain.Product, expectedVersion int, m *domain.StockMovement) error
	DeleteProduct(ctx context.Context, p *domain.Product, expectedVersion int, m *domain.StockMovement) error
}

type MovementStore interface {
	// ListMovements returns the newest movements first. An empty productID lists the tenant.
	ListMovements(ctx context.Context, tenantID, productID string, limit int) ([]*domain.StockMovement, error)
}

type ScanStore interface {
	RecordScan(ctx context.Context, s *domain.ScanEvent) error
	RecentScans(ctx context.Context, tenantID string, limit int) ([]*domain.ScanEvent, error)
}

type Store interface {
	ProductStore
	MovementStore
	ScanStore
}
