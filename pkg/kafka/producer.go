// Package kafka wraps segmentio/kafka-go for the engine's optional mutation
// event log, adapted from the teacher repository's pkg/kafka/producer.go.
// The teacher's consumer.go has no counterpart here: this module is an
// embeddable library with a single writer goroutine, not a distributed
// sharded-consumer ingestion pipeline, so nothing in the new spec reads the
// topic back.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrel-db/kestrel/pkg/config"
	"github.com/kestrel-db/kestrel/pkg/resilience"
	"github.com/segmentio/kafka-go"
)

// Event is the unit of data published to Kafka. Key is used for partition
// hashing and Value is JSON-serialised.
type Event struct {
	Key   string
	Value any
}

// Producer publishes JSON-encoded mutation events to a Kafka topic. Writes
// run through a CircuitBreaker, but the writer is Async: WriteMessages
// returns without waiting for delivery and does not report broker
// failures, so the breaker only counts errors WriteMessages returns
// synchronously and a broker outage does not trip it. The kafka-go
// writer's own MaxAttempts covers retries of each batch.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
	cb     *resilience.CircuitBreaker
}

// NewProducer creates a Producer for the given config. Writes are
// fire-and-forget (Async) since the event log is observability, not a
// ground truth the engine depends on for correctness.
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", cfg.Topic),
		cb:     resilience.NewCircuitBreaker("kafka-producer", resilience.CircuitBreakerConfig{}),
	}
}

// Publish serialises a single event and writes it to Kafka.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
	}
	err = p.cb.Execute(func() error {
		return p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		p.logger.Warn("failed to publish mutation event", "key", event.Key, "error", err)
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
