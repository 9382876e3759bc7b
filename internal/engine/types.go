// Package engine implements the engine coordinator: the component that
// binds the Schema Store, Document Store, Term Index, Scoring, and
// Result Cache into one consistent, crash-resilient store, grounded in
// structure (lifecycle state machine, single exclusive mutex, per-stage
// tracing, metrics-on-every-operation) on the teacher repository's
// service-layer coordinators (internal/ingestion, internal/searcher),
// generalized from an HTTP request/response shape to the spec's direct
// method-call operation surface.
package engine

import (
	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/scoring"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateQuarantined
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateQuarantined:
		return "QUARANTINED"
	default:
		return "UNKNOWN"
	}
}

// RecoveryCause names why a store's derived state needed to be rebuilt
// during Initialize.
type RecoveryCause int

const (
	RecoveryNone RecoveryCause = iota
	RecoveryDataLoss
	RecoveryInconsistentWithGroundTruth
	RecoveryTotalChecksumMismatch
	RecoveryIoError
	RecoverySchemaChangesOutOfSync
)

func (c RecoveryCause) String() string {
	switch c {
	case RecoveryNone:
		return "NONE"
	case RecoveryDataLoss:
		return "DATA_LOSS"
	case RecoveryInconsistentWithGroundTruth:
		return "INCONSISTENT_WITH_GROUND_TRUTH"
	case RecoveryTotalChecksumMismatch:
		return "TOTAL_CHECKSUM_MISMATCH"
	case RecoveryIoError:
		return "IO_ERROR"
	case RecoverySchemaChangesOutOfSync:
		return "SCHEMA_CHANGES_OUT_OF_SYNC"
	default:
		return "UNKNOWN"
	}
}

// InitializeResult reports what Initialize observed and did.
type InitializeResult struct {
	Status          kerrors.Status
	DocumentCount   int
	SchemaTypeCount int
	RecoveryCauses  map[string]RecoveryCause
	StageLatenciesMs map[string]int64
	TotalLatencyMs  int64
}

// SetSchemaResult reports the outcome of SetSchema.
type SetSchemaResult struct {
	Status                 kerrors.Status
	DeletedTypes           []string
	IncompatibleTypes      []string
	IndexIncompatibleTypes []string
}

// PutResult reports the outcome of Put.
type PutResult struct {
	Status           kerrors.Status
	DocumentId       docstore.DocumentId
	StageLatenciesMs map[string]int64
}

// GetResult reports the outcome of Get.
type GetResult struct {
	Status   kerrors.Status
	Document docstore.Document
}

// TermMatchMode is the query-wide default matching mode, distinct from a
// property's own indexing TermMatchType: it is the mode GetIterator uses
// for every clause of one Search call, not a per-property setting.
type TermMatchMode int

const (
	ExactOnly TermMatchMode = iota
	Prefix
)

// SnippetSpec carries the caller's snippet request inside ResultSpec.
// Search does not read it: no snippet window is extracted, and a
// ResultHit holds no snippet.
type SnippetSpec struct {
	MaxWindowBytes        int
	NumMatchesPerProperty int
	NumToSnippet          int
}

// SearchSpec describes a query.
type SearchSpec struct {
	Query             string
	TermMatchType     TermMatchMode
	NamespaceFilters  []string
	SchemaTypeFilters []string
}

// ScoringSpec selects a ranking strategy and order.
type ScoringSpec struct {
	RankingStrategy scoring.RankingStrategy
	Order           scoring.Order
}

// ResultSpec controls pagination and snippeting.
type ResultSpec struct {
	NumPerPage  int
	SnippetSpec SnippetSpec
}

// ResultHit is one scored, materialized search result.
type ResultHit struct {
	Document docstore.Document
	Score    float64
}

// SearchResult is the outcome of Search or GetNextPage.
type SearchResult struct {
	Status        kerrors.Status
	Results       []ResultHit
	NextPageToken uint64
}

// UsageReport identifies the document and usage type a ReportUsage call
// applies to.
type UsageReport struct {
	Namespace   string
	Uri         string
	UsageType   int
	TimestampMs int64
}

// OptimizeInfo reports what Optimize would reclaim if run now.
type OptimizeInfo struct {
	OptimizableDocs         int
	EstimatedBytesReclaimed int64
}

// OptimizeResult reports the outcome of Optimize.
type OptimizeResult struct {
	Status         kerrors.Status
	ReclaimedBytes int64
}
