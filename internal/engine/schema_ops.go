package engine

import (
	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/eventlog"
	"github.com/kestrel-db/kestrel/internal/schema"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
)

// SetSchema validates newSchema, installs it, and acts on the resulting
// Delta: a content-incompatible type only has its documents deleted
// when ignoreErrorsAndDeleteDocuments is true, otherwise the whole call
// fails FAILED_PRECONDITION and the previous schema is left in place.
// An index-incompatible type always triggers a term index rebuild for
// documents of that type, since a stale section assignment would
// silently miscompute future GetIterator calls.
func (c *Coordinator) SetSchema(newSchema schema.Schema, ignoreErrorsAndDeleteDocuments bool) SetSchemaResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReady(); err != nil {
		return SetSchemaResult{Status: kerrors.StatusOf(err)}
	}

	delta := schema.Diff(c.schemaStore.Schema(), newSchema)
	incompatibleTypes := append([]string{}, delta.ContentIncompatibleTypeNames...)
	incompatibleTypes = append(incompatibleTypes, c.tightenedTypesLackingValues(delta.TightenedProperties)...)

	if !ignoreErrorsAndDeleteDocuments {
		for _, name := range incompatibleTypes {
			if c.docStore.HasLiveDocumentsOfType(name) {
				return SetSchemaResult{
					Status:            kerrors.New(kerrors.FailedPrecondition, "type %q has incompatible live documents; retry with ignore_errors_and_delete_documents", name),
					IncompatibleTypes: incompatibleTypes,
				}
			}
		}
		for _, name := range delta.DeletedTypeNames {
			if c.docStore.HasLiveDocumentsOfType(name) {
				return SetSchemaResult{
					Status:       kerrors.New(kerrors.FailedPrecondition, "type %q was removed but has live documents; retry with ignore_errors_and_delete_documents", name),
					DeletedTypes: delta.DeletedTypeNames,
				}
			}
		}
	}

	newDelta, err := c.schemaStore.Set(newSchema)
	if err != nil {
		return SetSchemaResult{Status: kerrors.New(kerrors.InvalidArgument, "%v", err)}
	}
	delta = newDelta

	for _, name := range delta.DeletedTypeNames {
		_ = c.docStore.DeleteBySchemaType(name)
	}
	if ignoreErrorsAndDeleteDocuments {
		for _, name := range incompatibleTypes {
			_ = c.docStore.DeleteBySchemaType(name)
		}
	}

	if len(delta.IndexIncompatibleTypeNames) > 0 || len(delta.DeletedTypeNames) > 0 {
		c.rebuildIndexLocked()
	}

	c.pages.Clear()
	c.opts.QueryCache.Invalidate(noopContext())
	c.opts.EventLog.Track(eventlog.SetSchemaEvent{
		Type:          eventlog.EventSetSchema,
		DeletedTypes:  len(delta.DeletedTypeNames),
		Incompatible:  len(incompatibleTypes),
		IndexIncompat: len(delta.IndexIncompatibleTypeNames),
		Timestamp:     c.opts.Clock.NowMs(),
	})

	return SetSchemaResult{
		Status:                 kerrors.OKStatus,
		DeletedTypes:           delta.DeletedTypeNames,
		IncompatibleTypes:      incompatibleTypes,
		IndexIncompatibleTypes: delta.IndexIncompatibleTypeNames,
	}
}

// tightenedTypesLackingValues resolves schema.Delta's tightened-property
// candidates against live document content: a type is only reported here
// if at least one of its live documents actually lacks a value for one of
// the properties tightened from optional to required, per spec.md's
// content-aware definition of backward-incompatible.
func (c *Coordinator) tightenedTypesLackingValues(tightened map[string][]string) []string {
	if len(tightened) == 0 {
		return nil
	}
	pending := make(map[string][]string, len(tightened))
	for typeName, props := range tightened {
		pending[typeName] = props
	}
	var affected []string
	for _, id := range c.docStore.AllLiveIds() {
		if len(pending) == 0 {
			break
		}
		doc, err := c.docStore.GetById(id)
		if err != nil {
			continue
		}
		props, ok := pending[doc.SchemaType]
		if !ok {
			continue
		}
		if docLacksAnyProperty(doc, props) {
			affected = append(affected, doc.SchemaType)
			delete(pending, doc.SchemaType)
		}
	}
	return affected
}

func docLacksAnyProperty(doc docstore.Document, props []string) bool {
	for _, prop := range props {
		if valueCount(doc.Properties[prop]) == 0 {
			return true
		}
	}
	return false
}

// rebuildIndexLocked discards the term index and replays every live
// document against the now-current schema. Callers must hold c.mu.
func (c *Coordinator) rebuildIndexLocked() {
	c.index.Reset()
	for _, id := range c.docStore.AllLiveIds() {
		doc, err := c.docStore.GetById(id)
		if err != nil {
			continue
		}
		indexDocument(c.index, c.schemaStore, id, doc, c.opts.MaxTokensPerDoc, c.opts.MaxTokenLength)
	}
}

// GetSchema returns the currently active schema.
func (c *Coordinator) GetSchema() (schema.Schema, kerrors.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady(); err != nil {
		return schema.Schema{}, kerrors.StatusOf(err)
	}
	return c.schemaStore.Schema(), kerrors.OKStatus
}

// GetSchemaType returns the named TypeConfig from the active schema.
func (c *Coordinator) GetSchemaType(name string) (schema.TypeConfig, kerrors.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireReady(); err != nil {
		return schema.TypeConfig{}, kerrors.StatusOf(err)
	}
	t, ok := c.schemaStore.GetType(name)
	if !ok {
		return schema.TypeConfig{}, kerrors.New(kerrors.NotFound, "unknown schema type %q", name)
	}
	return t, kerrors.OKStatus
}
