// Package tracing provides a lightweight span tree, adapted from the
// teacher repository's pkg/tracing. There it logged a request's trace as
// JSON; here the same parent/child span shape is repurposed to produce the
// per-stage latency breakdowns the engine's InitializeResult and PutResult
// report (spec §4.6, §6).
package tracing

import (
	"sync"
	"time"
)

// Span represents a timed stage of a coordinator operation.
type Span struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Children  []*Span
	mu        sync.Mutex
}

// NewRoot starts a new root span for a coordinator operation (e.g. "put",
// "initialize").
func NewRoot(name string) *Span {
	return &Span{
		Name:      name,
		StartTime: time.Now(),
		Children:  make([]*Span, 0),
	}
}

// Stage starts and immediately returns a child span representing one stage
// of the parent operation (e.g. "schema_validate", "document_store_append",
// "tokenize", "index_insert"). Call End on the returned span when the stage
// completes.
func (s *Span) Stage(name string) *Span {
	child := &Span{
		Name:      name,
		StartTime: time.Now(),
		Children:  make([]*Span, 0),
	}
	s.mu.Lock()
	s.Children = append(s.Children, child)
	s.mu.Unlock()
	return child
}

// End records the span's end time and duration.
func (s *Span) End() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// StageLatencies returns the duration of each direct child stage, keyed
// by stage name. A stage name used more than once (e.g. a retried
// append) has a single entry holding the duration of the last such stage.
func (s *Span) StageLatencies() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.Children))
	for _, c := range s.Children {
		out[c.Name] = c.Duration
	}
	return out
}
