package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/docstore/filelog"
	"github.com/kestrel-db/kestrel/internal/resultcache"
	"github.com/kestrel-db/kestrel/internal/schema"
	"github.com/kestrel-db/kestrel/internal/termindex"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
	"github.com/kestrel-db/kestrel/pkg/tracing"
	"github.com/kestrel-db/kestrel/pkg/vfs"
)

// Coordinator is the engine: a single mutex-guarded state machine
// binding the Schema Store, Document Store, Term Index, scoring, and
// result cache into one crash-resilient whole. Grounded in shape on the
// teacher repository's service coordinators (internal/ingestion,
// internal/searcher), which likewise hold one exclusive lock per
// request rather than fine-grained per-resource locks -- correctness
// here matters far more than intra-process concurrency, since every
// operation is already cheap relative to disk I/O.
type Coordinator struct {
	mu    sync.Mutex
	opts  Options
	state State

	schemaStore *schema.Store
	docStore    *docstore.Store
	index       *termindex.Index
	pages       *resultcache.PageCache
}

// New constructs an uninitialized Coordinator. Call Initialize before
// any other method.
func New(opts Options) *Coordinator {
	return &Coordinator{
		opts:  opts.withDefaults(),
		state: StateUninitialized,
		pages: resultcache.New(),
	}
}

// State reports the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func schemaDirOf(base string) string { return vfs.JoinDataFile(base, "schema") }
func documentsDirOf(base string) string { return vfs.JoinDataFile(base, "documents") }
func indexDirOf(base string) string { return vfs.JoinDataFile(base, "index") }

// Initialize opens (or creates) every store under BaseDir, detects and
// recovers from any inconsistency between them, and transitions the
// coordinator to READY (or QUARANTINED if recovery itself is
// impossible). It may be called again from QUARANTINED to retry.
func (c *Coordinator) Initialize(ctx context.Context) InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateReady {
		return InitializeResult{Status: kerrors.New(kerrors.FailedPrecondition, "engine is already initialized")}
	}
	c.state = StateInitializing

	root := tracing.NewRoot("initialize")
	causes := map[string]RecoveryCause{
		"schema":         RecoveryNone,
		"document_store": RecoveryNone,
		"term_index":     RecoveryNone,
		"header":         RecoveryNone,
	}

	fail := func(code kerrors.Code, format string, args ...any) InitializeResult {
		c.state = StateQuarantined
		root.End()
		c.recordOperation("initialize", kerrors.New(code, format, args...), root.StartTime)
		return InitializeResult{
			Status:           kerrors.New(code, format, args...),
			RecoveryCauses:   causes,
			StageLatenciesMs: msMap(root.StageLatencies()),
			TotalLatencyMs:   root.Duration.Milliseconds(),
		}
	}

	fs := c.opts.FS
	base := c.opts.BaseDir

	cleanupStage := root.Stage("cleanup_stale_staging")
	c.cleanupStaleStaging(base, fs)
	cleanupStage.End()

	schemaStage := root.Stage("schema_load")
	schemaStore, err := schema.Load(schemaDirOf(base), fs)
	schemaStage.End()
	if err != nil {
		if strings.Contains(err.Error(), "checksum mismatch") {
			causes["schema"] = RecoveryTotalChecksumMismatch
		} else {
			causes["schema"] = RecoveryIoError
		}
		return fail(kerrors.Internal, "schema store unreadable: %v", err)
	}

	docStage := root.Stage("document_store_load")
	backend, err := c.opts.DocumentBackendOpener(documentsDirOf(base), fs)
	if err != nil {
		docStage.End()
		return fail(kerrors.Internal, "opening document backend: %v", err)
	}
	docStore, err := docstore.Open(backend, c.opts.Clock)
	docStage.End()
	if err != nil {
		if errors.Is(err, filelog.ErrCorruptTail) {
			causes["document_store"] = RecoveryDataLoss
			// docStore still holds every record read before the
			// failure; proceed with it rather than quarantining, since
			// the log format guarantees every earlier record was fully
			// durable when written.
		} else {
			return fail(kerrors.Internal, "document store unreadable: %v", err)
		}
	}

	index := termindex.New(c.opts.IndexMergeSize)
	idxStage := root.Stage("term_index_load")
	idxErr := index.Load(indexDirOf(base), fs)
	idxStage.End()

	rebuildIndex := false
	if idxErr != nil {
		causes["term_index"] = RecoveryIoError
		rebuildIndex = true
	} else if index.LastAddedDocumentId() != docStore.LastDocumentId() {
		causes["term_index"] = RecoveryInconsistentWithGroundTruth
		rebuildIndex = true
	}
	if rebuildIndex {
		rebuildStage := root.Stage("term_index_rebuild")
		index.Reset()
		for _, id := range docStore.AllLiveIds() {
			doc, err := docStore.GetById(id)
			if err != nil {
				continue
			}
			indexDocument(index, schemaStore, id, doc, c.opts.MaxTokensPerDoc, c.opts.MaxTokenLength)
		}
		rebuildStage.End()
	}

	headerStage := root.Stage("header_verify")
	wantHeader, existed, herr := readHeader(base, fs)
	gotHeader, cherr := computeHeader(schemaStore, docStore, index)
	headerStage.End()
	if cherr != nil {
		return fail(kerrors.Internal, "computing header checksum: %v", cherr)
	}
	if herr != nil {
		causes["header"] = RecoveryIoError
	} else if existed && wantHeader.Combined != gotHeader.Combined {
		causes["header"] = RecoveryTotalChecksumMismatch
	}
	if err := writeHeader(base, fs, gotHeader); err != nil {
		return fail(kerrors.Internal, "persisting header: %v", err)
	}

	c.schemaStore = schemaStore
	c.docStore = docStore
	c.index = index
	c.state = StateReady

	root.End()

	status := kerrors.OKStatus
	for _, cause := range causes {
		if cause != RecoveryNone {
			status = kerrors.New(kerrors.WarningDataLoss, "recovered from an inconsistent store directory")
			break
		}
	}
	c.recordOperation("initialize", status, root.StartTime)
	if c.opts.Metrics != nil {
		for store, cause := range causes {
			if cause != RecoveryNone {
				c.opts.Metrics.RecoveryCauseTotal.WithLabelValues(store, cause.String()).Inc()
			}
		}
		c.opts.Metrics.QuarantineState.Set(0)
		c.opts.Metrics.DocumentsLive.Set(float64(len(c.docStore.AllLiveIds())))
	}

	return InitializeResult{
		Status:           status,
		DocumentCount:    len(c.docStore.AllLiveIds()),
		SchemaTypeCount:  len(c.schemaStore.Schema().Types),
		RecoveryCauses:   causes,
		StageLatenciesMs: msMap(root.StageLatencies()),
		TotalLatencyMs:   root.Duration.Milliseconds(),
	}
}

// cleanupStaleStaging removes any `*_optimize_tmp` / `*.rewrite_tmp`
// directory left behind by a crashed Optimize, so a retried Initialize
// does not trip over a half-written staging area. Best effort: failures
// are swallowed since a leftover staging directory is inert, not
// corrupting, until the next Optimize overwrites it anyway.
func (c *Coordinator) cleanupStaleStaging(base string, fs vfs.FS) {
	for _, suffix := range []string{"_optimize_tmp", ".rewrite_tmp", ".swap_bak"} {
		_ = fs.RemoveAll(base + suffix)
		_ = fs.RemoveAll(documentsDirOf(base) + suffix)
		_ = fs.RemoveAll(indexDirOf(base) + suffix)
	}
}

// requireReady returns FAILED_PRECONDITION unless the coordinator is
// READY, the gate every operation besides Initialize and Reset must
// pass before touching the stores.
func (c *Coordinator) requireReady() error {
	switch c.state {
	case StateReady:
		return nil
	case StateQuarantined:
		return kerrors.New(kerrors.FailedPrecondition, "engine is quarantined; call Initialize to attempt recovery")
	default:
		return kerrors.New(kerrors.FailedPrecondition, "engine is not initialized")
	}
}

func (c *Coordinator) recordOperation(op string, status kerrors.Status, start time.Time) {
	if c.opts.Metrics == nil {
		return
	}
	c.opts.Metrics.OperationsTotal.WithLabelValues(op, status.Code.String()).Inc()
	c.opts.Metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func msMap(in map[string]time.Duration) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v.Milliseconds()
	}
	return out
}

// Close releases the document backend's resources. It does not flush
// any in-memory derived state; call PersistToDisk first if that is
// needed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.EventLog.Close()
	if c.docStore == nil {
		return nil
	}
	return c.docStore.Close()
}
