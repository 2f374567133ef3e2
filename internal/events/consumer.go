package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/service"
)

const systemActorName = "order-service"

// 재고 조정 인터페이스 (StockService)
type StockAdjuster interface {
	AdjustQuantity(ctx context.Context, actor domain.Actor, req service.AdjustRequest) (*service.AdjustResult, error)
}

// 보상(컴펜세이션) 이벤트 발행용 인터페이스
type CompensationPublisher interface {
	PublishStockAdjustmentFailed(ctx context.Context, event StockAdjustmentFailedEvent) error
}

// OrderProcessor removes stock for each line of a fulfilled order. Every line carries a
// derived idempotency key, so a redelivered event never removes stock twice.
type OrderProcessor struct {
	stock        StockAdjuster
	compensation CompensationPublisher
	attempts     int
	backoff      time.Duration
	logger       *zap.Logger
}

func NewOrderProcessor(stock StockAdjuster, compensation CompensationPublisher, logger *zap.Logger) *OrderProcessor {
	return &OrderProcessor{
		stock:        stock,
		compensation: compensation,
		attempts:     3,
		backoff:      500 * time.Millisecond,
		logger:       logger,
	}
}

// LineKey identifies one order line. The index keeps repeated lines for the same product apart.
func LineKey(orderID string, line int, productID string) string {
	return fmt.Sprintf("order:%s:%d:%s", orderID, line, productID)
}

func (p *OrderProcessor) HandleOrderFulfilled(ctx context.Context, event OrderFulfilledEvent) error {
	if event.TenantID == "" || event.OrderID == "" {
		return fmt.Errorf("order event %s is missing tenant or order id", event.EventID)
	}

	p.logger.Info("Processing order fulfilled event",
		zap.String("order_id", event.OrderID),
		zap.String("tenant_id", event.TenantID),
		zap.Int("items_count", len(event.Items)))

	actor := domain.SystemActor(event.TenantID, systemActorName)
	for i, item := range event.Items {
		result, err := p.adjustLine(ctx, actor, LineKey(event.OrderID, i, item.ProductID), item)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("Failed to remove stock for order line",
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.String("order_id", event.OrderID),
				zap.Error(err))
			p.compensate(ctx, event, item, err)
			continue
		}

		p.logger.Info("Stock removed for order line",
			zap.String("product_id", item.ProductID),
			zap.Int("previous_quantity", result.PreviousQuantity),
			zap.Int("new_quantity", result.NewQuantity),
			zap.Int("applied_delta", result.AppliedDelta),
			zap.Bool("replayed", result.Replayed),
			zap.String("order_id", event.OrderID))
	}

	p.logger.Info("Order processing completed",
		zap.String("order_id", event.OrderID),
		zap.String("request_id", event.RequestID))
	return nil
}

// adjustLine retries conflicts and store failures; other errors are final.
func (p *OrderProcessor) adjustLine(ctx context.Context, actor domain.Actor, key string, item OrderItem) (*service.AdjustResult, error) {
	req := service.AdjustRequest{
		ProductID:      item.ProductID,
		Quantity:       item.Quantity,
		Operation:      domain.OperationRemove,
		IdempotencyKey: key,
	}
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		result, err := p.stock.AdjustQuantity(ctx, actor, req)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, service.ErrConflict) && !errors.Is(err, service.ErrStoreFailure) {
			return nil, err
		}
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.backoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

func (p *OrderProcessor) compensate(ctx context.Context, event OrderFulfilledEvent, item OrderItem, cause error) {
	if p.compensation == nil {
		return
	}
	failed := StockAdjustmentFailedEvent{
		EventID:   domain.NewID(),
		OrderID:   event.OrderID,
		TenantID:  event.TenantID,
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
		Reason:    failureReason(cause),
		Timestamp: time.Now().UTC(),
	}
	if err := p.compensation.PublishStockAdjustmentFailed(ctx, failed); err != nil {
		p.logger.Error("Failed to publish compensation event", zap.Error(err))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return ReasonProductNotFound
	case errors.Is(err, service.ErrInvalidArgument):
		return ReasonInvalidLine
	case errors.Is(err, service.ErrConflict):
		return ReasonConflict
	default:
		return ReasonStoreFailure
	}
}

// OrderConsumer reads order events and commits each message after it is processed.
type OrderConsumer struct {
	reader    *kafka.Reader
	processor *OrderProcessor
	logger    *zap.Logger
}

func NewOrderConsumer(brokers []string, topic, groupID string, processor *OrderProcessor, logger *zap.Logger) *OrderConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
	return &OrderConsumer{reader: reader, processor: processor, logger: logger}
}

// Run blocks until ctx is cancelled.
func (kc *OrderConsumer) Run(ctx context.Context) error {
	defer kc.reader.Close()
	kc.logger.Info("Kafka consumer started", zap.String("topic", kc.reader.Config().Topic))

	for {
		msg, err := kc.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				kc.logger.Info("Kafka consumer stopped")
				return nil
			}
			kc.logger.Error("Error reading message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := kc.processMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			kc.logger.Error("Error processing message",
				zap.Error(err),
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset))
		}

		// 메시지 처리 후 커밋
		if err := kc.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			kc.logger.Error("Error committing message", zap.Error(err))
		}
	}
}

func (kc *OrderConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	kc.logger.Debug("Processing message",
		zap.String("topic", msg.Topic),
		zap.String("key", string(msg.Key)),
		zap.Int64("offset", msg.Offset))

	var event OrderFulfilledEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return kc.processor.HandleOrderFulfilled(ctx, event)
}
