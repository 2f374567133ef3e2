package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CompensationProducer publishes StockAdjustmentFailed events for the order service.
type CompensationProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewCompensationProducer(brokers []string, topic string, logger *zap.Logger) *CompensationProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}

	return &CompensationProducer{
		writer: writer,
		logger: logger,
	}
}

func (p *CompensationProducer) PublishStockAdjustmentFailed(ctx context.Context, event StockAdjustmentFailedEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", zap.Error(err))
		return err
	}

	// 같은 주문의 보상 이벤트는 같은 파티션으로 보낸다
	msg := kafka.Message{
		Key:   []byte(event.OrderID),
		Value: eventBytes,
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish message",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return err
	}

	p.logger.Info("Compensation event published",
		zap.String("event_id", event.EventID),
		zap.String("order_id", event.OrderID),
		zap.String("product_id", event.ProductID),
		zap.String("reason", event.Reason))

	return nil
}

func (p *CompensationProducer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
