// Package eventlog is the engine's optional, best-effort mutation event
// log, grounded on the teacher repository's internal/analytics.Collector:
// a buffered channel feeding a single background publish goroutine,
// dropping events with a logged warning under backpressure rather than
// blocking the caller. The engine's own consistency never depends on
// whether an event was actually published.
package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrel-db/kestrel/pkg/kafka"
)

// EventType names the kind of mutation an Event records.
type EventType string

const (
	EventPut      EventType = "put"
	EventDelete   EventType = "delete"
	EventSetSchema EventType = "set_schema"
	EventOptimize EventType = "optimize"
	EventReset    EventType = "reset"
)

// PutEvent records a successful Put.
type PutEvent struct {
	Type       EventType `json:"type"`
	Namespace  string    `json:"namespace"`
	Uri        string    `json:"uri"`
	SchemaType string    `json:"schema_type"`
	LatencyMs  int64     `json:"latency_ms"`
	Timestamp  int64     `json:"timestamp_ms"`
}

// DeleteEvent records a successful Delete/DeleteByNamespace/
// DeleteBySchemaType/DeleteByQuery; Reason distinguishes which.
type DeleteEvent struct {
	Type      EventType `json:"type"`
	Reason    string    `json:"reason"`
	Namespace string    `json:"namespace,omitempty"`
	Uri       string    `json:"uri,omitempty"`
	Count     int       `json:"count"`
	Timestamp int64     `json:"timestamp_ms"`
}

// SetSchemaEvent records a successful SetSchema.
type SetSchemaEvent struct {
	Type            EventType `json:"type"`
	DeletedTypes    int       `json:"deleted_types"`
	Incompatible    int       `json:"incompatible_types"`
	IndexIncompat   int       `json:"index_incompatible_types"`
	Timestamp       int64     `json:"timestamp_ms"`
}

// OptimizeEvent records a successful Optimize.
type OptimizeEvent struct {
	Type           EventType `json:"type"`
	ReclaimedBytes int64     `json:"reclaimed_bytes"`
	LatencyMs      int64     `json:"latency_ms"`
	Timestamp      int64     `json:"timestamp_ms"`
}

// ResetEvent records a successful Reset.
type ResetEvent struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp_ms"`
}

// Collector buffers mutation events and publishes them to Kafka on a
// background goroutine.
type Collector struct {
	producer *kafka.Producer
	eventCh  chan any
	logger   *slog.Logger
	done     chan struct{}
}

// NewCollector wraps producer with an event buffer of the given size
// (defaulting to 10000 when bufferSize <= 0). A nil producer yields a
// Collector whose Track calls are no-ops, so the engine can construct
// one unconditionally and skip a nil-check at every call site.
func NewCollector(producer *kafka.Producer, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Collector{
		producer: producer,
		eventCh:  make(chan any, bufferSize),
		logger:   slog.Default().With("component", "event-log"),
		done:     make(chan struct{}),
	}
}

// Start launches the background publish goroutine. It is a no-op when
// the Collector has no producer.
func (c *Collector) Start(ctx context.Context) {
	if c.producer == nil {
		close(c.done)
		return
	}
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("event log collector started", "buffer_size", cap(c.eventCh))
}

// Track enqueues event for publication. If the buffer is full, the
// event is dropped with a logged warning rather than blocking the
// caller's mutating operation.
func (c *Collector) Track(event any) {
	if c.producer == nil {
		return
	}
	select {
	case c.eventCh <- event:
	default:
		c.logger.Warn("mutation event dropped (buffer full)")
	}
}

// Close stops accepting new events and waits for the publish goroutine
// to drain the buffer.
func (c *Collector) Close() {
	if c.producer == nil {
		return
	}
	close(c.eventCh)
	<-c.done
}

func (c *Collector) publish(ctx context.Context, event any) {
	if err := c.producer.Publish(ctx, kafka.Event{Key: "mutation", Value: event}); err != nil {
		c.logger.Error("failed to publish mutation event", "error", err)
	}
}

func (c *Collector) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(ctx, event)
		default:
			return
		}
	}
}
