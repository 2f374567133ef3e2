package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var (
	ErrLagged = errors.New("subscriber fell behind the change feed")
)

// Source drives a Broker from an upstream change stream until ctx is done.
type Source interface {
	Run(ctx context.Context, b *Broker) error
}

// Sender forwards a change to a durable transport.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// KafkaPublisher writes change events keyed by row id, so every change to one row lands
// on the same partition and keeps its commit order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Send(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.RowKey()),
		Value: value,
		Time:  ev.CommitTime,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish change",
			zap.String("table", ev.Table),
			zap.String("key", ev.RowKey()),
			zap.Error(err))
		return err
	}

	p.logger.Debug("Change published",
		zap.String("table", ev.Table),
		zap.String("type", string(ev.Type)),
		zap.String("key", ev.RowKey()))
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

// KafkaSource feeds a Broker from the change topic. Each service instance needs every
// change, so the group id must be unique per instance.
type KafkaSource struct {
	reader  *kafka.Reader
	backoff time.Duration
	logger  *zap.Logger
}

func NewKafkaSource(brokers []string, topic, groupID string, logger *zap.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
	})
	return &KafkaSource{reader: reader, backoff: time.Second, logger: logger}
}

func (s *KafkaSource) Run(ctx context.Context, b *Broker) error {
	defer s.reader.Close()

	s.logger.Info("Change feed consumer started", zap.String("topic", s.reader.Config().Topic))
	healthy := true
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Change feed consumer stopped")
				return nil
			}
			if healthy {
				b.SetStatus(StatusChannelError, err)
				healthy = false
			}
			s.logger.Error("Failed to read change", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.backoff):
			}
			continue
		}
		if !healthy {
			b.SetStatus(StatusSubscribed, nil)
			healthy = true
		}

		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			s.logger.Error("Failed to decode change",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		b.Publish(ev)
	}
}
