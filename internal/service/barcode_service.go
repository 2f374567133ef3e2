package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/repository"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/metrics"
)

const (
	DefaultRecentScans = 5
	maxRecentScans     = 50
)

// ResolveResult is either a product or NotFound; a missing product is not an error.
type ResolveResult struct {
	Product  *domain.Product `json:"product,omitempty"`
	NotFound bool            `json:"not_found,omitempty"`
	Scan     domain.ScanEvent `json:"scan"`
}

type barcodeStore interface {
	GetProductByBarcode(ctx context.Context, tenantID, barcode string) (*domain.Product, error)
	repository.ScanStore
}

// BarcodeService maps decoded symbols to products and records every attempt. It does
// not deduplicate; rate limiting repeated reads belongs to the capture side.
type BarcodeService struct {
	store   barcodeStore
	now     func() time.Time
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewBarcodeService(store barcodeStore, m *metrics.Metrics, logger *zap.Logger) *BarcodeService {
	return &BarcodeService{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: m,
		tracer:  otel.Tracer("inventory-sync/barcode"),
		logger:  logger,
	}
}

func (s *BarcodeService) ResolveBarcode(ctx context.Context, actor domain.Actor, symbol, format string) (*ResolveResult, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthorized
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, invalidArgument("barcode is required")
	}

	ctx, span := s.tracer.Start(ctx, "barcode.resolve",
		trace.WithAttributes(attribute.String("barcode", symbol)))
	defer span.End()

	product, lookupErr := s.store.GetProductByBarcode(ctx, actor.TenantID, symbol)
	notFound := errors.Is(lookupErr, repository.ErrProductNotFound)

	scan := domain.ScanEvent{
		ScanID:    domain.NewID(),
		TenantID:  actor.TenantID,
		Barcode:   symbol,
		Format:    format,
		ActorID:   actor.ID,
		CreatedAt: s.now(),
	}
	if lookupErr == nil {
		id := product.ProductID
		scan.ProductID = &id
	}

	// The attempt is recorded whatever the lookup outcome.
	if err := s.store.RecordScan(ctx, &scan); err != nil {
		s.logger.Warn("Failed to record scan event",
			zap.String("barcode", symbol),
			zap.String("actor_id", actor.ID),
			zap.Error(err))
	}

	switch {
	case lookupErr == nil:
		s.metrics.ObserveScan("found")
		span.SetAttributes(attribute.String("product.id", product.ProductID))
		s.logger.Info("Barcode resolved",
			zap.String("barcode", symbol),
			zap.String("product_id", product.ProductID))
		return &ResolveResult{Product: product, Scan: scan}, nil
	case notFound:
		s.metrics.ObserveScan("not_found")
		s.logger.Debug("Barcode not found", zap.String("barcode", symbol))
		return &ResolveResult{NotFound: true, Scan: scan}, nil
	default:
		s.metrics.ObserveScan("error")
		span.RecordError(lookupErr)
		s.logger.Error("Barcode lookup failed",
			zap.String("barcode", symbol),
			zap.Error(lookupErr))
		return nil, storeFailure("lookup barcode", lookupErr)
	}
}

func (s *BarcodeService) RecentScans(ctx context.Context, actor domain.Actor, limit int) ([]*domain.ScanEvent, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthorized
	}
	if limit <= 0 {
		limit = DefaultRecentScans
	}
	limit = min(limit, maxRecentScans)

	scans, err := s.store.RecentScans(ctx, actor.TenantID, limit)
	if err != nil {
		return nil, storeFailure("list scans", err)
	}
	return scans, nil
}
