package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/repository"
)

const (
	defaultMovementLimit = 50
	maxMovementLimit     = 500
)

// ProductService covers direct product edits. Quantity edits made here follow the same
// clamp, audit and compare-and-swap path as StockService.
type ProductService struct {
	store      repository.Store
	maxRetries int
	now        func() time.Time
	logger     *zap.Logger
}

func NewProductService(store repository.Store, maxRetries int, logger *zap.Logger) *ProductService {
	return &ProductService{
		store:      store,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

func authorizeRead(actor domain.Actor) error {
	if !actor.Authenticated() {
		return ErrUnauthorized
	}
	return nil
}

func authorizeWrite(actor domain.Actor) error {
	if !actor.Authenticated() {
		return ErrUnauthorized
	}
	if !actor.CanManageInventory() {
		return ErrForbidden
	}
	return nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (s *ProductService) CreateProduct(ctx context.Context, actor domain.Actor, req domain.CreateProductRequest) (*domain.Product, error) {
	if err := authorizeWrite(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.SKU) == "" {
		return nil, invalidArgument("name and sku are required")
	}
	if req.Quantity < 0 || req.Threshold < 0 {
		return nil, invalidArgument("quantity and threshold must not be negative")
	}

	now := s.now()
	product := &domain.Product{
		ProductID:  domain.NewID(),
		TenantID:   actor.TenantID,
		Name:       strings.TrimSpace(req.Name),
		SKU:        strings.TrimSpace(req.SKU),
		Barcode:    optionalString(req.Barcode),
		CategoryID: req.CategoryID,
		SupplierID: req.SupplierID,
		Price:      req.Price,
		Cost:       req.Cost,
		Quantity:   req.Quantity,
		Threshold:  req.Threshold,
		Unit:       req.Unit,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	movement := domain.NewMovement(product, actor, domain.ActionCreate, domain.OperationManual, product.Quantity, "", now)

	if err := s.store.CreateProduct(ctx, product, movement); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrAlreadyExists
		}
		s.logger.Error("Failed to save product",
			zap.String("product_id", product.ProductID),
			zap.Error(err))
		return nil, storeFailure("create product", err)
	}

	s.logger.Info("Product created successfully",
		zap.String("product_id", product.ProductID),
		zap.String("sku", product.SKU),
		zap.Int("initial_quantity", product.Quantity))

	return product, nil
}

func (s *ProductService) GetProduct(ctx context.Context, actor domain.Actor, productID string) (*domain.Product, error) {
	if err := authorizeRead(actor); err != nil {
		return nil, err
	}
	product, err := s.store.GetProduct(ctx, productID)
	if errors.Is(err, repository.ErrProductNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeFailure("get product", err)
	}
	if product.TenantID != actor.TenantID {
		return nil, ErrNotFound
	}
	return product, nil
}

func (s *ProductService) ListProducts(ctx context.Context, actor domain.Actor, filter domain.ProductFilter) ([]*domain.Product, error) {
	if err := authorizeRead(actor); err != nil {
		return nil, err
	}
	products, err := s.store.ListProducts(ctx, actor.TenantID, filter)
	if err != nil {
		return nil, storeFailure("list products", err)
	}
	return products, nil
}

// UpdateProduct applies a partial edit. A quantity in the edit is an absolute value and
// is recorded as a manual movement with the resulting delta.
func (s *ProductService) UpdateProduct(ctx context.Context, actor domain.Actor, productID string, req domain.UpdateProductRequest) (*domain.Product, error) {
	if err := authorizeWrite(actor); err != nil {
		return nil, err
	}
	if err := validateUpdate(req); err != nil {
		return nil, err
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		current, err := s.GetProduct(ctx, actor, productID)
		if err != nil {
			return nil, err
		}

		next := applyUpdate(*current, req)
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()
		movement := domain.NewMovement(&next, actor, domain.ActionUpdate, domain.OperationManual,
			next.Quantity-current.Quantity, "", next.UpdatedAt)

		err = s.store.UpdateProduct(ctx, &next, current.Version, movement)
		switch {
		case err == nil:
			s.logger.Info("Product updated",
				zap.String("product_id", next.ProductID),
				zap.Int("version", next.Version))
			return &next, nil
		case errors.Is(err, repository.ErrVersionConflict):
			continue
		case errors.Is(err, repository.ErrDuplicate):
			return nil, ErrAlreadyExists
		case errors.Is(err, repository.ErrProductNotFound):
			return nil, ErrNotFound
		default:
			s.logger.Error("Failed to update product", zap.String("product_id", productID), zap.Error(err))
			return nil, storeFailure("update product", err)
		}
	}
	return nil, ErrConflict
}

func validateUpdate(req domain.UpdateProductRequest) error {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return invalidArgument("name must not be empty")
	}
	if req.SKU != nil && strings.TrimSpace(*req.SKU) == "" {
		return invalidArgument("sku must not be empty")
	}
	if req.Quantity != nil && *req.Quantity < 0 {
		return invalidArgument("quantity must not be negative")
	}
	if req.Threshold != nil && *req.Threshold < 0 {
		return invalidArgument("threshold must not be negative")
	}
	return nil
}

func applyUpdate(p domain.Product, req domain.UpdateProductRequest) domain.Product {
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.SKU != nil {
		p.SKU = strings.TrimSpace(*req.SKU)
	}
	if req.Barcode != nil {
		p.Barcode = optionalString(*req.Barcode)
	}
	if req.CategoryID != nil {
		p.CategoryID = *req.CategoryID
	}
	if req.SupplierID != nil {
		p.SupplierID = *req.SupplierID
	}
	if req.Price != nil {
		p.Price = *req.Price
	}
	if req.Cost != nil {
		p.Cost = *req.Cost
	}
	if req.Quantity != nil {
		p.Quantity = *req.Quantity
	}
	if req.Threshold != nil {
		p.Threshold = *req.Threshold
	}
	if req.Unit != nil {
		p.Unit = *req.Unit
	}
	return p
}

func (s *ProductService) DeleteProduct(ctx context.Context, actor domain.Actor, productID string) error {
	if err := authorizeWrite(actor); err != nil {
		return err
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		current, err := s.GetProduct(ctx, actor, productID)
		if err != nil {
			return err
		}
		movement := domain.NewMovement(current, actor, domain.ActionDelete, domain.OperationManual, 0, "", s.now())

		err = s.store.DeleteProduct(ctx, current, current.Version, movement)
		switch {
		case err == nil:
			s.logger.Info("Product deleted", zap.String("product_id", productID))
			return nil
		case errors.Is(err, repository.ErrVersionConflict):
			continue
		case errors.Is(err, repository.ErrProductNotFound):
			return ErrNotFound
		default:
			s.logger.Error("Failed to delete product", zap.String("product_id", productID), zap.Error(err))
			return storeFailure("delete product", err)
		}
	}
	return ErrConflict
}

// Movements returns the audit trail newest first. An empty productID lists the tenant.
func (s *ProductService) Movements(ctx context.Context, actor domain.Actor, productID string, limit int) ([]*domain.StockMovement, error) {
	if err := authorizeRead(actor); err != nil {
		return nil, err
	}
	if productID != "" {
		if _, err := s.GetProduct(ctx, actor, productID); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = defaultMovementLimit
	}
	limit = min(limit, maxMovementLimit)

	movements, err := s.store.ListMovements(ctx, actor.TenantID, productID, limit)
	if err != nil {
		return nil, storeFailure("list movements", err)
	}
	return movements, nil
}

func (s *ProductService) Stats(ctx context.Context, actor domain.Actor) (*domain.InventoryStats, error) {
	products, err := s.ListProducts(ctx, actor, domain.ProductFilter{})
	if err != nil {
		return nil, err
	}

	stats := &domain.InventoryStats{TotalInventoryValue: decimal.Zero}
	for _, p := range products {
		stats.TotalProducts++
		switch p.Status() {
		case domain.StatusOutOfStock:
			stats.OutOfStockCount++
			stats.LowStockCount++
		case domain.StatusLowStock:
			stats.LowStockCount++
		}
		stats.TotalInventoryValue = stats.TotalInventoryValue.Add(p.InventoryValue())
	}
	return stats, nil
}
