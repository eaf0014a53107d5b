package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/quantfabric/fixgate/internal/orders"
)

// KafkaConfig contains configuration for the order event stream.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" json:"brokers"`
	Topic        string        `mapstructure:"topic" json:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	BatchSize    int           `mapstructure:"batch_size" json:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" json:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks" json:"required_acks"`
}

// DefaultKafkaConfig returns defaults tuned for low publish latency.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "fixgate.order-events",
		WriteTimeout: 1 * time.Second,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: 1,
	}
}

// KafkaEventSink publishes order events to Kafka, keyed by ClOrdID so every
// order's lifecycle lands on one partition in order. Implements orders.Sink.
// Publish failures are logged and dropped; the event stream is an observer of
// order state, never an authority over it.
type KafkaEventSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaEventSink creates a sink for the given topic.
func NewKafkaEventSink(cfg KafkaConfig, logger *zap.Logger) *KafkaEventSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        true,
		Compression:  kafka.Snappy,
	}
	return &KafkaEventSink{writer: writer, logger: logger}
}

// Publish serializes and enqueues one event. The writer is async; this does
// not wait for broker acknowledgement.
func (s *KafkaEventSink) Publish(ctx context.Context, event orders.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to serialize order event",
			zap.String("type", string(event.Type)),
			zap.String("cl_ord_id", event.ClOrdID),
			zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(event.ClOrdID),
		Value: payload,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error("failed to publish order event",
			zap.String("type", string(event.Type)),
			zap.String("cl_ord_id", event.ClOrdID),
			zap.Error(err))
	}
}

// Close flushes buffered messages and releases the writer.
func (s *KafkaEventSink) Close() error {
	return s.writer.Close()
}
