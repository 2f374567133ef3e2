package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/repository"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/cache"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/metrics"
)

const defaultMaxRetries = 5

type AdjustRequest struct {
	ProductID string
	Quantity  int
	Operation domain.Operation
	Barcode   string
	// IdempotencyKey makes retries of the same request return the first result.
	IdempotencyKey string
}

type AdjustResult struct {
	ProductID        string               `json:"product_id"`
	PreviousQuantity int                  `json:"previous_quantity"`
	NewQuantity      int                  `json:"new_quantity"`
	RequestedDelta   int                  `json:"requested_delta"`
	AppliedDelta     int                  `json:"applied_delta"`
	Clamped          bool                 `json:"clamped"`
	Status           domain.StockStatus   `json:"status"`
	Movement         domain.StockMovement `json:"movement"`
	Replayed         bool                 `json:"replayed,omitempty"`
}

// idempotentRecord is what an idempotency key resolves to once its request has completed.
type idempotentRecord struct {
	Request string       `json:"request"`
	Result  AdjustResult `json:"result"`
}

func (r AdjustRequest) fingerprint() string {
	return fmt.Sprintf("%s|%s|%d", r.ProductID, r.Operation, r.Quantity)
}

// StockService is the only writer of product quantities. Each adjustment is a
// compare-and-swap on the product version that commits the quantity and its movement
// together, retried on conflict.
type StockService struct {
	store       repository.ProductStore
	idempotency cache.IdempotencyStore
	maxRetries  int
	now         func() time.Time
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
}

type StockOption func(*StockService)

func WithIdempotency(store cache.IdempotencyStore) StockOption {
	return func(s *StockService) { s.idempotency = store }
}

func WithMaxRetries(n int) StockOption {
	return func(s *StockService) { s.maxRetries = n }
}

func WithClock(now func() time.Time) StockOption {
	return func(s *StockService) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) StockOption {
	return func(s *StockService) { s.metrics = m }
}

func NewStockService(store repository.ProductStore, logger *zap.Logger, opts ...StockOption) *StockService {
	s := &StockService{
		store:      store,
		maxRetries: defaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		tracer:     otel.Tracer("inventory-sync/stock"),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *StockService) AdjustQuantity(ctx context.Context, actor domain.Actor, req AdjustRequest) (*AdjustResult, error) {
	ctx, span := s.tracer.Start(ctx, "stock.adjust",
		trace.WithAttributes(
			attribute.String("product.id", req.ProductID),
			attribute.String("operation", string(req.Operation)),
			attribute.Int("quantity", req.Quantity),
		),
	)
	defer span.End()

	result, err := s.adjust(ctx, actor, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveAdjustment(string(req.Operation), resultLabel(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("new_quantity", result.NewQuantity),
		attribute.Bool("clamped", result.Clamped),
		attribute.Bool("replayed", result.Replayed),
	)
	s.metrics.ObserveAdjustment(string(req.Operation), "ok")
	return result, nil
}

func (s *StockService) adjust(ctx context.Context, actor domain.Actor, req AdjustRequest) (*AdjustResult, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthorized
	}
	if !actor.CanManageInventory() {
		return nil, ErrForbidden
	}
	if req.ProductID == "" {
		return nil, invalidArgument("product id is required")
	}
	if req.Quantity <= 0 {
		return nil, invalidArgument("quantity must be a positive integer, got %d", req.Quantity)
	}
	delta, ok := req.Operation.Signed(req.Quantity)
	if !ok {
		return nil, invalidArgument("operation must be add or remove, got %q", req.Operation)
	}

	if req.IdempotencyKey == "" || s.idempotency == nil {
		return s.apply(ctx, actor, req, delta)
	}

	key := actor.TenantID + ":" + req.IdempotencyKey
	stored, err := s.idempotency.Reserve(ctx, key)
	if errors.Is(err, cache.ErrInFlight) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, storeFailure("reserve idempotency key", err)
	}
	if stored != nil {
		var rec idempotentRecord
		if err := json.Unmarshal(stored, &rec); err != nil {
			return nil, storeFailure("decode idempotent result", err)
		}
		if rec.Request != req.fingerprint() {
			return nil, fmt.Errorf("%w: idempotency key %q was used for a different adjustment", ErrConflict, req.IdempotencyKey)
		}
		prev := rec.Result
		prev.Replayed = true
		s.logger.Info("Replayed adjustment for idempotency key",
			zap.String("product_id", prev.ProductID),
			zap.String("idempotency_key", req.IdempotencyKey))
		return &prev, nil
	}

	result, err := s.apply(ctx, actor, req, delta)
	if err != nil {
		if relErr := s.idempotency.Release(ctx, key); relErr != nil {
			s.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(relErr))
		}
		return nil, err
	}
	if raw, err := json.Marshal(idempotentRecord{Request: req.fingerprint(), Result: *result}); err == nil {
		if err := s.idempotency.Complete(ctx, key, raw); err != nil {
			s.logger.Warn("Failed to store idempotent result", zap.String("key", key), zap.Error(err))
		}
	}
	return result, nil
}

// apply reads, clamps and writes until the conditional write lands or retries run out.
func (s *StockService) apply(ctx context.Context, actor domain.Actor, req AdjustRequest, delta int) (*AdjustResult, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		current, err := s.store.GetProduct(ctx, req.ProductID)
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			s.logger.Error("Failed to read product",
				zap.String("product_id", req.ProductID),
				zap.Error(err))
			return nil, storeFailure("read product", err)
		}
		if current.TenantID != actor.TenantID {
			return nil, ErrNotFound
		}

		next := *current
		next.Quantity = max(0, current.Quantity+delta)
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()
		applied := next.Quantity - current.Quantity

		movement := domain.NewMovement(&next, actor, domain.ActionUpdate, req.Operation, applied, req.Barcode, next.UpdatedAt)

		err = s.store.UpdateProduct(ctx, &next, current.Version, movement)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.metrics.ObserveConflict()
			s.logger.Debug("Product changed during adjustment, retrying",
				zap.String("product_id", req.ProductID),
				zap.Int("attempt", attempt+1))
			continue
		}
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			s.logger.Error("Failed to write adjustment",
				zap.String("product_id", req.ProductID),
				zap.Error(err))
			return nil, storeFailure("write adjustment", err)
		}

		s.logger.Info("Stock adjusted",
			zap.String("product_id", next.ProductID),
			zap.String("actor_id", actor.ID),
			zap.String("operation", string(req.Operation)),
			zap.Int("previous_quantity", current.Quantity),
			zap.Int("requested_delta", delta),
			zap.Int("applied_delta", applied),
			zap.Int("new_quantity", next.Quantity))

		return &AdjustResult{
			ProductID:        next.ProductID,
			PreviousQuantity: current.Quantity,
			NewQuantity:      next.Quantity,
			RequestedDelta:   delta,
			AppliedDelta:     applied,
			Clamped:          applied != delta,
			Status:           next.Status(),
			Movement:         *movement,
		}, nil
	}

	s.logger.Warn("Adjustment gave up after repeated version conflicts",
		zap.String("product_id", req.ProductID),
		zap.Int("retries", s.maxRetries))
	return nil, ErrConflict
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "store_failure"
	}
}
