package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
)

// MemoryStore keeps everything in process and publishes each commit to the change feed
// while still holding the write lock, so subscribers see per-row commit order.
type MemoryStore struct {
	mu        sync.RWMutex
	products  map[string]*domain.Product
	skus      map[string]string // tenant/sku -> product id
	barcodes  map[string]string // tenant/barcode -> product id
	movements []*domain.StockMovement
	scans     []*domain.ScanEvent

	publisher feed.Publisher
	logger    *zap.Logger

	// failNext, when set, makes the next call of the named operation fail.
	failNext map[string]error
}

func NewMemoryStore(publisher feed.Publisher, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		products:  make(map[string]*domain.Product),
		skus:      make(map[string]string),
		barcodes:  make(map[string]string),
		publisher: publisher,
		logger:    logger,
		failNext:  make(map[string]error),
	}
}

// FailNext injects err into the next call of op (e.g. "GetProduct"). Test helper.
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

func (s *MemoryStore) injected(op string) error {
	if err, ok := s.failNext[op]; ok {
		delete(s.failNext, op)
		return err
	}
	return nil
}

func tenantKey(tenantID, value string) string {
	return tenantID + "/" + value
}

func clone(p *domain.Product) *domain.Product {
	c := *p
	if p.Barcode != nil {
		b := *p.Barcode
		c.Barcode = &b
	}
	return &c
}

func (s *MemoryStore) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	err := s.injected("GetProduct")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) GetProductByBarcode(_ context.Context, tenantID, barcode string) (*domain.Product, error) {
	s.mu.Lock()
	err := s.injected("GetProductByBarcode")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.barcodes[tenantKey(tenantID, barcode)]
	if !ok {
		return nil, ErrProductNotFound
	}
	return clone(s.products[id]), nil
}

func (s *MemoryStore) ListProducts(_ context.Context, tenantID string, filter domain.ProductFilter) ([]*domain.Product, error) {
	s.mu.Lock()
	err := s.injected("ListProducts")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Product
	for _, p := range s.products {
		if p.TenantID == tenantID && filter.Matches(p) {
			out = append(out, clone(p))
		}
	}
	sortProducts(out)
	return out, nil
}

// sortProducts orders by most recently updated, matching the dashboard table.
func sortProducts(ps []*domain.Product) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].UpdatedAt.Equal(ps[j].UpdatedAt) {
			return ps[i].UpdatedAt.After(ps[j].UpdatedAt)
		}
		return ps[i].ProductID < ps[j].ProductID
	})
}

func (s *MemoryStore) checkUnique(p *domain.Product) error {
	if id, ok := s.skus[tenantKey(p.TenantID, p.SKU)]; ok && id != p.ProductID {
		return ErrDuplicate
	}
	if b := p.BarcodeValue(); b != "" {
		if id, ok := s.barcodes[tenantKey(p.TenantID, b)]; ok && id != p.ProductID {
			return ErrDuplicate
		}
	}
	return nil
}

func (s *MemoryStore) index(p *domain.Product) {
	s.skus[tenantKey(p.TenantID, p.SKU)] = p.ProductID
	if b := p.BarcodeValue(); b != "" {
		s.barcodes[tenantKey(p.TenantID, b)] = p.ProductID
	}
}

func (s *MemoryStore) unindex(p *domain.Product) {
	delete(s.skus, tenantKey(p.TenantID, p.SKU))
	if b := p.BarcodeValue(); b != "" {
		delete(s.barcodes, tenantKey(p.TenantID, b))
	}
}

func (s *MemoryStore) CreateProduct(_ context.Context, p *domain.Product, m *domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateProduct"); err != nil {
		return err
	}
	if _, ok := s.products[p.ProductID]; ok {
		return ErrDuplicate
	}
	if err := s.checkUnique(p); err != nil {
		return err
	}

	stored := clone(p)
	s.products[p.ProductID] = stored
	s.index(stored)
	s.appendMovement(m)

	s.publishProduct(feed.EventInsert, nil, stored, stored.UpdatedAt)
	s.publishMovement(m)
	return nil
}

func (s *MemoryStore) UpdateProduct(_ context.Context, p *domain.Product, expectedVersion int, m *domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateProduct"); err != nil {
		return err
	}
	current, ok := s.products[p.ProductID]
	if !ok {
		return ErrProductNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	if err := s.checkUnique(p); err != nil {
		return err
	}

	stored := clone(p)
	s.unindex(current)
	s.products[p.ProductID] = stored
	s.index(stored)
	s.appendMovement(m)

	s.publishProduct(feed.EventUpdate, current, stored, stored.UpdatedAt)
	s.publishMovement(m)
	return nil
}

func (s *MemoryStore) DeleteProduct(_ context.Context, p *domain.Product, expectedVersion int, m *domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteProduct"); err != nil {
		return err
	}
	current, ok := s.products[p.ProductID]
	if !ok {
		return ErrProductNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	delete(s.products, p.ProductID)
	s.unindex(current)
	s.appendMovement(m)

	at := time.Now().UTC()
	if m != nil {
		at = m.CreatedAt
	}
	s.publishProduct(feed.EventDelete, current, nil, at)
	s.publishMovement(m)
	return nil
}

func (s *MemoryStore) appendMovement(m *domain.StockMovement) {
	if m == nil {
		return
	}
	c := *m
	s.movements = append(s.movements, &c)
}

func (s *MemoryStore) ListMovements(_ context.Context, tenantID, productID string, limit int) ([]*domain.StockMovement, error) {
	s.mu.Lock()
	err := s.injected("ListMovements")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.StockMovement
	for i := len(s.movements) - 1; i >= 0; i-- {
		m := s.movements[i]
		if m.TenantID != tenantID || (productID != "" && m.SubjectID != productID) {
			continue
		}
		c := *m
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordScan(_ context.Context, scan *domain.ScanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("RecordScan"); err != nil {
		return err
	}
	c := *scan
	s.scans = append(s.scans, &c)

	if s.publisher != nil {
		if ev, err := feed.ScanEvent(&c); err == nil {
			s.publisher.Publish(ev)
		}
	}
	return nil
}

func (s *MemoryStore) RecentScans(_ context.Context, tenantID string, limit int) ([]*domain.ScanEvent, error) {
	s.mu.Lock()
	err := s.injected("RecentScans")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ScanEvent
	for i := len(s.scans) - 1; i >= 0; i-- {
		if s.scans[i].TenantID != tenantID {
			continue
		}
		c := *s.scans[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) publishProduct(typ feed.EventType, before, after *domain.Product, at time.Time) {
	if s.publisher == nil {
		return
	}
	ev, err := feed.ProductEvent(typ, before, after, at)
	if err != nil {
		s.logger.Error("Failed to build product change", zap.String("key", ev.Key), zap.Error(err))
		return
	}
	s.publisher.Publish(ev)
}

func (s *MemoryStore) publishMovement(m *domain.StockMovement) {
	if s.publisher == nil || m == nil {
		return
	}
	ev, err := feed.MovementEvent(m)
	if err != nil {
		s.logger.Error("Failed to build movement change", zap.String("movement_id", m.MovementID), zap.Error(err))
		return
	}
	s.publisher.Publish(ev)
}
