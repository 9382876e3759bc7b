package engine

import (
	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/docstore/filelog"
	"github.com/kestrel-db/kestrel/internal/eventlog"
	"github.com/kestrel-db/kestrel/internal/resultcache"
	"github.com/kestrel-db/kestrel/pkg/clock"
	"github.com/kestrel-db/kestrel/pkg/metrics"
	"github.com/kestrel-db/kestrel/pkg/vfs"
)

// DocumentBackendOpener opens the Document Store's ground-truth log.
// Defaults to filelog.Open; a caller embedding the engine alongside an
// existing Postgres connection can supply one backed by
// internal/docstore/pgbackend instead.
type DocumentBackendOpener func(dir string, fs vfs.FS) (docstore.Backend, error)

// Options configures a Coordinator. Only BaseDir is required; every
// other field has a production-sane default filled in by New.
type Options struct {
	BaseDir string

	IndexMergeSize  int64
	MaxTokenLength  int
	MaxTokensPerDoc int

	Clock clock.Clock
	FS    vfs.FS

	// Metrics is optional; nil disables Prometheus instrumentation.
	Metrics *metrics.Metrics
	// EventLog is optional; a nil-producer Collector (the zero-cost
	// default) can always be passed so call sites never nil-check it.
	EventLog *eventlog.Collector
	// QueryCache is optional; a QueryCache with a nil Redis client
	// always recomputes, so it too can be passed unconditionally.
	QueryCache *resultcache.QueryCache

	DocumentBackendOpener DocumentBackendOpener
}

func defaultDocumentBackendOpener(dir string, fs vfs.FS) (docstore.Backend, error) {
	return filelog.Open(dir, fs)
}

func (o Options) withDefaults() Options {
	if o.IndexMergeSize <= 0 {
		o.IndexMergeSize = 1 << 20
	}
	if o.MaxTokenLength <= 0 {
		o.MaxTokenLength = 30
	}
	if o.MaxTokensPerDoc <= 0 {
		o.MaxTokensPerDoc = 10000
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.FS == nil {
		o.FS = vfs.OS{}
	}
	if o.EventLog == nil {
		o.EventLog = eventlog.NewCollector(nil, 0)
	}
	if o.QueryCache == nil {
		o.QueryCache = resultcache.NewQueryCache(nil, 0, nil)
	}
	if o.DocumentBackendOpener == nil {
		o.DocumentBackendOpener = defaultDocumentBackendOpener
	}
	return o
}
