package engine

import (
	"time"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/eventlog"
	"github.com/kestrel-db/kestrel/internal/schema"
	"github.com/kestrel-db/kestrel/internal/termindex"
	"github.com/kestrel-db/kestrel/internal/tokenize"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
	"github.com/kestrel-db/kestrel/pkg/tracing"
)

// indexDocument tokenizes every indexed string property of doc and
// stages the resulting hits into index, under a per-document token
// budget: once maxTokensPerDoc tokens have been added across every
// property, every further token is dropped, so the property being
// tokenized when the budget runs out is indexed only up to that token
// and later properties are not indexed at all. maxTokenLength
// must match the value passed to queryparser.Parse on the query side,
// so an overlong indexed term and its truncated query counterpart
// still compare equal.
func indexDocument(index *termindex.Index, schemaStore *schema.Store, id docstore.DocumentId, doc docstore.Document, maxTokensPerDoc, maxTokenLength int) {
	sections := schemaStore.SectionsOf(doc.SchemaType)
	budget := maxTokensPerDoc
	for _, prop := range sections {
		if budget <= 0 {
			break
		}
		value, ok := doc.Properties[prop.Name]
		if !ok {
			continue
		}
		secID, ok := schemaStore.SectionId(doc.SchemaType, prop.Name)
		if !ok {
			continue
		}
		editor := index.Edit(id, secID)
		match := matchScoreFor(prop)
		for _, s := range value.Strings {
			if budget <= 0 {
				break
			}
			for _, tok := range tokenize.Tokenize(s, maxTokenLength) {
				if budget <= 0 {
					break
				}
				_ = editor.AddHit(tok.Term, match)
				budget--
			}
		}
	}
}

// matchScoreFor is the per-hit score recorded alongside a term, fixed
// at 1 for every indexed property: the spec's scoring model ranks by
// RankingStrategy signals read from the Document Store (document
// score, usage, recency), not by a term-frequency-derived relevance
// score the way the teacher's BM25 ranker does.
func matchScoreFor(schema.PropertyConfig) float32 { return 1 }

// Put validates doc against the active schema, appends it to the
// Document Store, and indexes its indexed string properties.
func (c *Coordinator) Put(doc docstore.Document) PutResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	root := tracing.NewRoot("put")
	defer root.End()

	if err := c.requireReady(); err != nil {
		c.recordOperation("put", kerrors.StatusOf(err), root.StartTime)
		return PutResult{Status: kerrors.StatusOf(err)}
	}

	validateStage := root.Stage("schema_validate")
	typeConfig, ok := c.schemaStore.GetType(doc.SchemaType)
	validateStage.End()
	if !ok {
		status := kerrors.New(kerrors.NotFound, "unknown schema type %q", doc.SchemaType)
		c.recordOperation("put", status, root.StartTime)
		return PutResult{Status: status}
	}
	if err := validateDocumentAgainstType(doc, typeConfig); err != nil {
		status := kerrors.StatusOf(err)
		c.recordOperation("put", status, root.StartTime)
		return PutResult{Status: status}
	}

	appendStage := root.Stage("document_store_append")
	id, err := c.docStore.Put(doc)
	appendStage.End()
	if err != nil {
		status := kerrors.StatusOf(err)
		c.recordOperation("put", status, root.StartTime)
		return PutResult{Status: status}
	}

	indexStage := root.Stage("index_insert")
	indexDocument(c.index, c.schemaStore, id, doc, c.opts.MaxTokensPerDoc, c.opts.MaxTokenLength)
	indexStage.End()

	c.pages.Clear()
	c.opts.QueryCache.Invalidate(noopContext())
	c.opts.EventLog.Track(eventlog.PutEvent{
		Type:       eventlog.EventPut,
		Namespace:  doc.Namespace,
		Uri:        doc.Uri,
		SchemaType: doc.SchemaType,
		LatencyMs:  time.Since(root.StartTime).Milliseconds(),
		Timestamp:  c.opts.Clock.NowMs(),
	})
	if c.opts.Metrics != nil {
		c.opts.Metrics.DocumentsLive.Set(float64(len(c.docStore.AllLiveIds())))
		c.opts.Metrics.TermIndexLiteBytes.Set(float64(c.index.LiteSizeHint()))
	}

	c.recordOperation("put", kerrors.OKStatus, root.StartTime)
	return PutResult{
		Status:           kerrors.OKStatus,
		DocumentId:       id,
		StageLatenciesMs: msMap(root.StageLatencies()),
	}
}

// validateDocumentAgainstType checks every required property is present
// and every present property's values match the property's DataType.
func validateDocumentAgainstType(doc docstore.Document, t schema.TypeConfig) error {
	for _, prop := range t.Properties {
		value, present := doc.Properties[prop.Name]
		count := valueCount(value)
		if prop.Cardinality == schema.CardinalityRequired && count == 0 {
			return kerrors.New(kerrors.InvalidArgument, "property %q is required but missing", prop.Name)
		}
		if !present {
			continue
		}
		if prop.Cardinality != schema.CardinalityRepeated && count > 1 {
			return kerrors.New(kerrors.InvalidArgument, "property %q is not repeated but has %d values", prop.Name, count)
		}
		if !valueMatchesType(value, prop.DataType) {
			return kerrors.New(kerrors.InvalidArgument, "property %q does not match its declared type", prop.Name)
		}
	}
	return nil
}

func valueCount(v docstore.PropertyValue) int {
	return len(v.Strings) + len(v.Int64s) + len(v.Doubles) + len(v.Booleans) + len(v.Bytes) + len(v.Documents)
}

func valueMatchesType(v docstore.PropertyValue, dt schema.DataType) bool {
	switch dt {
	case schema.DataTypeString:
		return len(v.Int64s) == 0 && len(v.Doubles) == 0 && len(v.Booleans) == 0 && len(v.Bytes) == 0 && len(v.Documents) == 0
	case schema.DataTypeInt64:
		return len(v.Strings) == 0 && len(v.Doubles) == 0 && len(v.Booleans) == 0 && len(v.Bytes) == 0 && len(v.Documents) == 0
	case schema.DataTypeDouble:
		return len(v.Strings) == 0 && len(v.Int64s) == 0 && len(v.Booleans) == 0 && len(v.Bytes) == 0 && len(v.Documents) == 0
	case schema.DataTypeBoolean:
		return len(v.Strings) == 0 && len(v.Int64s) == 0 && len(v.Doubles) == 0 && len(v.Bytes) == 0 && len(v.Documents) == 0
	case schema.DataTypeBytes:
		return len(v.Strings) == 0 && len(v.Int64s) == 0 && len(v.Doubles) == 0 && len(v.Booleans) == 0 && len(v.Documents) == 0
	case schema.DataTypeDocument:
		return len(v.Strings) == 0 && len(v.Int64s) == 0 && len(v.Doubles) == 0 && len(v.Booleans) == 0 && len(v.Bytes) == 0
	default:
		return false
	}
}

// Get returns the live document at (namespace, uri).
func (c *Coordinator) Get(namespace, uri string) GetResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReady(); err != nil {
		return GetResult{Status: kerrors.StatusOf(err)}
	}
	doc, err := c.docStore.Get(namespace, uri)
	if err != nil {
		return GetResult{Status: kerrors.StatusOf(err)}
	}
	return GetResult{Status: kerrors.OKStatus, Document: doc}
}

// Delete tombstones the live document at (namespace, uri).
func (c *Coordinator) Delete(namespace, uri string) kerrors.Status {
	return c.deleteWith("single", func() error { return c.docStore.Delete(namespace, uri) })
}

// DeleteByNamespace tombstones every live document in ns.
func (c *Coordinator) DeleteByNamespace(ns string) kerrors.Status {
	return c.deleteWith("namespace", func() error { return c.docStore.DeleteByNamespace(ns) })
}

// DeleteBySchemaType tombstones every live document of schema type t.
func (c *Coordinator) DeleteBySchemaType(t string) kerrors.Status {
	return c.deleteWith("schema_type", func() error { return c.docStore.DeleteBySchemaType(t) })
}

func (c *Coordinator) deleteWith(reason string, fn func() error) kerrors.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	if err := c.requireReady(); err != nil {
		return kerrors.StatusOf(err)
	}
	if err := fn(); err != nil {
		status := kerrors.StatusOf(err)
		c.recordOperation("delete", status, start)
		return status
	}

	c.pages.Clear()
	c.opts.QueryCache.Invalidate(noopContext())
	c.opts.EventLog.Track(eventlog.DeleteEvent{
		Type:      eventlog.EventDelete,
		Reason:    reason,
		Timestamp: c.opts.Clock.NowMs(),
	})
	if c.opts.Metrics != nil {
		c.opts.Metrics.DocumentsLive.Set(float64(len(c.docStore.AllLiveIds())))
	}
	c.recordOperation("delete", kerrors.OKStatus, start)
	return kerrors.OKStatus
}

// ReportUsage records a usage event for the document at
// (report.Namespace, report.Uri).
func (c *Coordinator) ReportUsage(report UsageReport) kerrors.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReady(); err != nil {
		return kerrors.StatusOf(err)
	}
	id, ok := c.docStore.IdFor(report.Namespace, report.Uri)
	if !ok {
		return kerrors.New(kerrors.NotFound, "no document for %s/%s", report.Namespace, report.Uri)
	}
	if err := c.docStore.ReportUsage(id, report.UsageType, report.TimestampMs); err != nil {
		return kerrors.StatusOf(err)
	}
	c.opts.QueryCache.Invalidate(noopContext())
	return kerrors.OKStatus
}

// GetAllNamespaces returns every namespace holding at least one live
// document.
func (c *Coordinator) GetAllNamespaces() ([]string, kerrors.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady(); err != nil {
		return nil, kerrors.StatusOf(err)
	}
	return c.docStore.ActiveNamespaces(), kerrors.OKStatus
}

// GetOptimizeInfo reports how much Optimize would reclaim if run now.
func (c *Coordinator) GetOptimizeInfo() (OptimizeInfo, kerrors.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady(); err != nil {
		return OptimizeInfo{}, kerrors.StatusOf(err)
	}
	count, bytes := c.docStore.OptimizableStats()
	return OptimizeInfo{OptimizableDocs: count, EstimatedBytesReclaimed: bytes}, kerrors.OKStatus
}
