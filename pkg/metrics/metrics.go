// Package metrics defines the Prometheus collectors the engine coordinator
// updates on every operation, adapted from the teacher repository's
// pkg/metrics (HTTP/search-service metrics swapped for engine-operation
// metrics: per-operation status counts and latencies, recovery causes,
// quarantine state, term-index merges, and cache hit ratio).
// TermIndexMergesTotal and EventLogDroppedTotal are registered, but the
// engine never updates them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	OperationsTotal     *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	RecoveryCauseTotal   *prometheus.CounterVec
	QuarantineState      prometheus.Gauge
	TermIndexMergesTotal prometheus.Counter
	TermIndexLiteBytes   prometheus.Gauge
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	DocumentsLive        prometheus.Gauge
	EventLogDroppedTotal prometheus.Counter
}

// New creates and registers all Prometheus metrics against the default
// registry. Use NewWithRegistry in tests to avoid duplicate-registration
// panics across test cases.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates and registers all Prometheus metrics against reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_operations_total",
				Help: "Total engine operations by name and status code.",
			},
			[]string{"operation", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_operation_duration_seconds",
				Help:    "Engine operation latency in seconds.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		RecoveryCauseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_recovery_cause_total",
				Help: "Initialize() recovery causes observed, by store and cause.",
			},
			[]string{"store", "cause"},
		),
		QuarantineState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_quarantined",
				Help: "1 if the engine is currently quarantined, 0 otherwise.",
			},
		),
		TermIndexMergesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_term_index_merges_total",
				Help: "Total Lite-to-Main term index merges performed.",
			},
		),
		TermIndexLiteBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_term_index_lite_bytes",
				Help: "Current estimated size of the Lite tier in bytes.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_query_cache_hits_total",
				Help: "Total secondary query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_query_cache_misses_total",
				Help: "Total secondary query cache misses.",
			},
		),
		DocumentsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_documents_live",
				Help: "Number of live, unexpired, non-tombstoned documents.",
			},
		),
		EventLogDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_event_log_dropped_total",
				Help: "Mutation events dropped because the event log buffer was full.",
			},
		),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.RecoveryCauseTotal,
		m.QuarantineState,
		m.TermIndexMergesTotal,
		m.TermIndexLiteBytes,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DocumentsLive,
		m.EventLogDroppedTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler, used only by the demo
// CLI's optional metrics server -- never by the engine library itself.
func Handler() http.Handler {
	return promhttp.Handler()
}
