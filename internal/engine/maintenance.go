package engine

import (
	"errors"
	"time"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/docstore/filelog"
	"github.com/kestrel-db/kestrel/internal/eventlog"
	"github.com/kestrel-db/kestrel/internal/termindex"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
	"github.com/kestrel-db/kestrel/pkg/tracing"
	"github.com/kestrel-db/kestrel/pkg/vfs"
)

// PersistToDisk merges the Term Index's Lite tier into Main, writes the
// Main tier to disk, and refreshes the combined header checksum. The
// Schema Store persists itself on every SetSchema and the Document
// Store's filelog backend fsyncs on every Append, so neither needs an
// explicit flush here; the Term Index is the only store whose state
// reaches disk only when asked.
func (c *Coordinator) PersistToDisk() kerrors.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady(); err != nil {
		return kerrors.StatusOf(err)
	}
	return c.persistToDiskLocked()
}

func (c *Coordinator) persistToDiskLocked() kerrors.Status {
	base := c.opts.BaseDir
	fs := c.opts.FS

	if err := c.index.PersistToDisk(indexDirOf(base), fs); err != nil {
		return kerrors.New(kerrors.Internal, "persisting term index: %v", err)
	}
	h, err := computeHeader(c.schemaStore, c.docStore, c.index)
	if err != nil {
		return kerrors.New(kerrors.Internal, "computing header checksum: %v", err)
	}
	if err := writeHeader(base, fs, h); err != nil {
		return kerrors.New(kerrors.Internal, "persisting header: %v", err)
	}
	return kerrors.OKStatus
}

// Optimize compacts the Document Store, discarding tombstoned and
// superseded entries and renumbering DocumentIds densely from zero,
// then rebuilds the Term Index against the new ids and swaps both
// directories into place. Any live page token is invalidated by the
// renumbering, so the page cache is cleared unconditionally.
//
// A failed directory swap does not automatically quarantine the engine.
// The Document Store swap is the only genuinely destructive step, since
// it is ground truth: if it fails but the original directory survived,
// the operation is ABORTED with the pre-Optimize state left intact; if
// the original directory is gone too, the coordinator falls back to an
// empty Document Store and Term Index and reports WARNING_DATA_LOSS. A
// failure persisting or swapping in the Term Index after the Document
// Store swap already succeeded never needs to quarantine or lose data,
// since the Term Index can always be rebuilt by replaying the (already
// safe) Document Store -- see recoverIndexFailureAfterDocumentSwap.
// Quarantine is reserved for the case where even falling back to an
// empty Document Store fails.
func (c *Coordinator) Optimize() OptimizeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	if err := c.requireReady(); err != nil {
		return OptimizeResult{Status: kerrors.StatusOf(err)}
	}

	root := tracing.NewRoot("optimize")
	defer root.End()

	base := c.opts.BaseDir
	fs := c.opts.FS

	_, reclaimedBytes := c.docStore.OptimizableStats()

	compactStage := root.Stage("document_store_compact")
	stagingDocsDir := documentsDirOf(base) + "_optimize_tmp"
	_ = fs.RemoveAll(stagingDocsDir)
	stagingBackend, err := c.opts.DocumentBackendOpener(stagingDocsDir, fs)
	if err != nil {
		compactStage.End()
		return OptimizeResult{Status: kerrors.New(kerrors.Aborted, "opening optimize staging backend: %v", err)}
	}
	compacted, _, err := c.docStore.CompactInto(stagingBackend)
	compactStage.End()
	if err != nil {
		_ = fs.RemoveAll(stagingDocsDir)
		return OptimizeResult{Status: kerrors.New(kerrors.Aborted, "compacting document store: %v", err)}
	}

	rebuildStage := root.Stage("term_index_rebuild")
	newIndex := termindex.New(c.opts.IndexMergeSize)
	for _, id := range compacted.AllLiveIds() {
		doc, err := compacted.GetById(id)
		if err != nil {
			continue
		}
		indexDocument(newIndex, c.schemaStore, id, doc, c.opts.MaxTokensPerDoc, c.opts.MaxTokenLength)
	}
	rebuildStage.End()

	swapStage := root.Stage("swap_directories")
	if err := fs.SwapDirectories(documentsDirOf(base), stagingDocsDir); err != nil {
		swapStage.End()
		return c.recoverFailedDocumentSwap(base, fs, stagingDocsDir, stagingBackend, err, start)
	}
	stagingIndexDir := indexDirOf(base) + "_optimize_tmp"
	_ = fs.RemoveAll(stagingIndexDir)
	if err := newIndex.PersistToDisk(stagingIndexDir, fs); err != nil {
		swapStage.End()
		return c.recoverIndexFailureAfterDocumentSwap(compacted, newIndex, "persisting compacted term index", err, start)
	}
	if err := fs.SwapDirectories(indexDirOf(base), stagingIndexDir); err != nil {
		swapStage.End()
		return c.recoverIndexFailureAfterDocumentSwap(compacted, newIndex, "swapping compacted term index into place", err, start)
	}
	swapStage.End()

	c.docStore = compacted
	c.index = newIndex
	c.pages.Clear()
	c.opts.QueryCache.Invalidate(noopContext())

	if status := c.persistToDiskLocked(); !status.Ok() {
		c.state = StateQuarantined
		return OptimizeResult{Status: status}
	}

	c.opts.EventLog.Track(eventlog.OptimizeEvent{
		Type:           eventlog.EventOptimize,
		ReclaimedBytes: reclaimedBytes,
		LatencyMs:      time.Since(start).Milliseconds(),
		Timestamp:      c.opts.Clock.NowMs(),
	})
	if c.opts.Metrics != nil {
		c.opts.Metrics.DocumentsLive.Set(float64(len(c.docStore.AllLiveIds())))
	}
	c.recordOperation("optimize", kerrors.OKStatus, start)
	return OptimizeResult{Status: kerrors.OKStatus, ReclaimedBytes: reclaimedBytes}
}

// recoverFailedDocumentSwap handles a failure promoting the compacted
// Document Store into place. Whether the original directory survived the
// failed swap decides the outcome: still present means the rename never
// took effect, so the coordinator's pre-Optimize in-memory state (never
// reassigned at this point) is unaffected and the call is simply ABORTED.
// Missing means the ground-truth log itself may be gone; rather than
// quarantine, the coordinator opens a fresh, empty Document Store and
// Term Index at the base directory and reports WARNING_DATA_LOSS, since
// an empty but internally consistent engine is still usable.
func (c *Coordinator) recoverFailedDocumentSwap(base string, fs vfs.FS, stagingDocsDir string, staging docstore.Backend, swapErr error, start time.Time) OptimizeResult {
	_ = staging.Close()
	_ = fs.RemoveAll(stagingDocsDir)

	if _, err := fs.Stat(documentsDirOf(base)); err == nil {
		status := kerrors.New(kerrors.Aborted, "swapping compacted document store into place: %v", swapErr)
		c.recordOperation("optimize", status, start)
		return OptimizeResult{Status: status}
	}

	backend, err := c.opts.DocumentBackendOpener(documentsDirOf(base), fs)
	if err != nil {
		c.state = StateQuarantined
		status := kerrors.New(kerrors.Internal, "recovering document store after failed swap: %v", err)
		c.recordOperation("optimize", status, start)
		return OptimizeResult{Status: status}
	}
	recovered, err := docstore.Open(backend, c.opts.Clock)
	if err != nil && !errors.Is(err, filelog.ErrCorruptTail) {
		c.state = StateQuarantined
		status := kerrors.New(kerrors.Internal, "recovering document store after failed swap: %v", err)
		c.recordOperation("optimize", status, start)
		return OptimizeResult{Status: status}
	}

	c.docStore = recovered
	c.index = termindex.New(c.opts.IndexMergeSize)
	c.pages.Clear()
	c.opts.QueryCache.Invalidate(noopContext())
	_ = c.persistToDiskLocked()

	status := kerrors.New(kerrors.WarningDataLoss, "document store lost during failed optimize swap: %v", swapErr)
	c.recordOperation("optimize", status, start)
	if c.opts.Metrics != nil {
		c.opts.Metrics.DocumentsLive.Set(float64(len(c.docStore.AllLiveIds())))
	}
	return OptimizeResult{Status: status}
}

// recoverIndexFailureAfterDocumentSwap handles a failure persisting or
// swapping in the compacted Term Index once the Document Store swap has
// already committed new DocumentIds to disk. Quarantining here would
// discard a perfectly good recovery path: compacted and newIndex are
// adopted regardless of what made it to disk, and persistToDiskLocked is
// retried once to make the recovery durable immediately. Even if that
// retry also fails, a stale or missing on-disk Term Index is not data
// loss -- the next Initialize detects the LastAddedDocumentId watermark
// disagreement and rebuilds the index by replaying the Document Store,
// exactly as it does for any other stale term index.
func (c *Coordinator) recoverIndexFailureAfterDocumentSwap(compacted *docstore.Store, newIndex *termindex.Index, step string, swapErr error, start time.Time) OptimizeResult {
	c.docStore = compacted
	c.index = newIndex
	c.pages.Clear()
	c.opts.QueryCache.Invalidate(noopContext())

	status := kerrors.New(kerrors.Aborted, "%s: %v", step, swapErr)
	if persistStatus := c.persistToDiskLocked(); persistStatus.Ok() {
		status = kerrors.OKStatus
	}
	c.recordOperation("optimize", status, start)
	if c.opts.Metrics != nil {
		c.opts.Metrics.DocumentsLive.Set(float64(len(c.docStore.AllLiveIds())))
	}
	return OptimizeResult{Status: status}
}

// Reset discards the entire base directory and returns the coordinator
// to an empty, uninitialized state; call Initialize again to resume
// operation. A non-destructive failure (e.g. the directory removal
// itself failing) leaves the engine ABORTED with its prior state
// intact; anything else quarantines it, since partial deletion leaves
// an unknown mix of old and absent files behind.
func (c *Coordinator) Reset() kerrors.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady && c.state != StateQuarantined {
		return kerrors.New(kerrors.FailedPrecondition, "engine is not initialized")
	}

	base := c.opts.BaseDir
	fs := c.opts.FS

	if c.docStore != nil {
		_ = c.docStore.Close()
	}
	if err := fs.RemoveAll(base); err != nil {
		return kerrors.New(kerrors.Aborted, "removing base directory: %v", err)
	}

	c.schemaStore = nil
	c.docStore = nil
	c.index = nil
	c.pages.Clear()
	c.opts.QueryCache.Invalidate(noopContext())
	c.state = StateUninitialized

	c.opts.EventLog.Track(eventlog.ResetEvent{Type: eventlog.EventReset, Timestamp: c.opts.Clock.NowMs()})
	return kerrors.OKStatus
}
