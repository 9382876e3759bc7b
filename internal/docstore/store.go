package docstore

import (
	"encoding/json"
	"hash/crc32"
	"sort"

	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
)

// RecordKind discriminates the three kinds of entries appended to a
// Backend's ground-truth log.
type RecordKind int

const (
	RecordKindPut RecordKind = iota
	RecordKindTombstone
	RecordKindUsage
	// RecordKindUsageSnapshot carries a complete UsageRecord rather than
	// a single usage event, applied by taking the element-wise maximum
	// with any existing record. Only CompactInto emits these, to carry
	// a document's accumulated usage across a DocumentId renumbering
	// without replaying one event per original counter increment.
	RecordKindUsageSnapshot
)

// Record is one entry in the ground-truth log. Only the fields relevant
// to Kind are meaningful; the rest are zero.
type Record struct {
	Kind     RecordKind
	Id       DocumentId
	Document Document // valid when Kind == RecordKindPut

	UsageType int   // valid when Kind == RecordKindUsage
	UsageAtMs int64 // valid when Kind == RecordKindUsage

	UsageSnapshot UsageRecord // valid when Kind == RecordKindUsageSnapshot
}

// Backend is the ground-truth log a Store replays on open and appends to
// on every mutation. filelog.Backend is the default, checksummed
// file-backed implementation; pgbackend.Backend stores the same records
// as rows in Postgres. Both are append-only except for Rewrite, which
// Optimize uses to publish a compacted log.
type Backend interface {
	Append(rec Record) error
	// Scan replays every record in append order. A Backend that cannot
	// distinguish a truncated tail from a clean end of file should
	// surface that as an error from Scan so the caller can report
	// PARTIAL_LOSS.
	Scan(fn func(Record) error) error
	// Rewrite atomically replaces the entire log with records, used by
	// Optimize to publish a compacted store.
	Rewrite(records []Record) error
	Close() error
}

// Clock is the minimal time source the Store needs; satisfied by
// pkg/clock.Clock.
type Clock interface {
	NowMs() int64
}

// Store is the Document Store: the in-memory derived state (current-key
// map, usage records) rebuilt from Backend on Open, kept in sync on every
// mutation, and re-appended to Backend for durability.
type Store struct {
	backend Backend
	clock   Clock

	keyToId    map[string]DocumentId
	entries    map[DocumentId]Document
	tombstoned map[DocumentId]bool
	usage      map[DocumentId]*UsageRecord
	lastId     DocumentId
	hasAny     bool
}

// Open replays backend's log to rebuild derived state and returns a ready
// Store. An empty backend yields an empty Store. If Scan fails partway
// through (e.g. a filelog.ErrCorruptTail from a crash mid-write), Open
// still returns the Store built from every record read before the
// failure, alongside the error: the caller (the engine coordinator)
// decides whether the failure is tolerable data loss or must quarantine
// the engine, and either way needs the partial derived state to act on.
func Open(backend Backend, clock Clock) (*Store, error) {
	s := &Store{
		backend:    backend,
		clock:      clock,
		keyToId:    make(map[string]DocumentId),
		entries:    make(map[DocumentId]Document),
		tombstoned: make(map[DocumentId]bool),
		usage:      make(map[DocumentId]*UsageRecord),
		lastId:     -1,
	}
	err := backend.Scan(func(rec Record) error {
		s.apply(rec)
		return nil
	})
	if err != nil {
		return s, kerrors.Wrap(kerrors.Internal, err, "replaying document store log")
	}
	return s, nil
}

func (s *Store) apply(rec Record) {
	switch rec.Kind {
	case RecordKindPut:
		s.entries[rec.Id] = rec.Document
		s.keyToId[rec.Document.Key()] = rec.Id
		if !s.hasAny || rec.Id > s.lastId {
			s.lastId = rec.Id
			s.hasAny = true
		}
	case RecordKindTombstone:
		s.tombstoned[rec.Id] = true
	case RecordKindUsage:
		u := s.usage[rec.Id]
		if u == nil {
			u = &UsageRecord{}
			s.usage[rec.Id] = u
		}
		u.Apply(rec.UsageType, rec.UsageAtMs)
	case RecordKindUsageSnapshot:
		u := s.usage[rec.Id]
		if u == nil {
			u = &UsageRecord{}
			s.usage[rec.Id] = u
		}
		u.mergeMax(rec.UsageSnapshot)
	}
}

// LastDocumentId returns the highest DocumentId ever appended, or -1 if
// the store is empty. Used by the coordinator to detect drift against the
// term index's own watermark.
func (s *Store) LastDocumentId() DocumentId {
	return s.lastId
}

func (s *Store) nextId() DocumentId {
	if !s.hasAny {
		return 0
	}
	return s.lastId + 1
}

// isLive implements the liveness rule: a document is live iff it has a
// current (namespace,uri) entry, is not tombstoned, and has not expired.
func (s *Store) isLive(id DocumentId) bool {
	doc, ok := s.entries[id]
	if !ok {
		return false
	}
	if s.tombstoned[id] {
		return false
	}
	if s.keyToId[doc.Key()] != id {
		return false
	}
	if doc.TtlMs != 0 && doc.CreationTimestampMs+doc.TtlMs <= s.clock.NowMs() {
		return false
	}
	return true
}

// Put appends a new version of a document, superseding any prior live
// document sharing its (namespace,uri) key, and returns its DocumentId.
func (s *Store) Put(doc Document) (DocumentId, error) {
	if doc.Namespace == "" || doc.Uri == "" {
		return 0, kerrors.New(kerrors.InvalidArgument, "namespace and uri must be non-empty")
	}
	id := s.nextId()
	rec := Record{Kind: RecordKindPut, Id: id, Document: doc}
	if err := s.backend.Append(rec); err != nil {
		return 0, kerrors.Wrap(kerrors.OutOfSpace, err, "appending document %s/%s", doc.Namespace, doc.Uri)
	}
	s.apply(rec)
	return id, nil
}

// Get returns the live document for (namespace, uri).
func (s *Store) Get(namespace, uri string) (Document, error) {
	id, ok := s.keyToId[namespace+"\x00"+uri]
	if !ok || !s.isLive(id) {
		return Document{}, kerrors.New(kerrors.NotFound, "no live document for %s/%s", namespace, uri)
	}
	return s.entries[id], nil
}

// GetById returns the live document with the given DocumentId.
func (s *Store) GetById(id DocumentId) (Document, error) {
	if !s.isLive(id) {
		return Document{}, kerrors.New(kerrors.NotFound, "no live document with id %d", id)
	}
	return s.entries[id], nil
}

// IdFor returns the current DocumentId for (namespace, uri), live or not,
// used by the engine to look up a document for deletion/usage reporting
// without re-deriving the key map.
func (s *Store) IdFor(namespace, uri string) (DocumentId, bool) {
	id, ok := s.keyToId[namespace+"\x00"+uri]
	return id, ok
}

func (s *Store) tombstone(id DocumentId) error {
	rec := Record{Kind: RecordKindTombstone, Id: id}
	if err := s.backend.Append(rec); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "appending tombstone for id %d", id)
	}
	s.apply(rec)
	return nil
}

// Delete tombstones the live document at (namespace, uri).
func (s *Store) Delete(namespace, uri string) error {
	id, ok := s.keyToId[namespace+"\x00"+uri]
	if !ok || !s.isLive(id) {
		return kerrors.New(kerrors.NotFound, "no live document for %s/%s", namespace, uri)
	}
	return s.tombstone(id)
}

// DeleteByNamespace tombstones every live document in ns.
func (s *Store) DeleteByNamespace(ns string) error {
	ids := s.liveIdsWhere(func(d Document) bool { return d.Namespace == ns })
	if len(ids) == 0 {
		return kerrors.New(kerrors.NotFound, "no live documents in namespace %q", ns)
	}
	for _, id := range ids {
		if err := s.tombstone(id); err != nil {
			return err
		}
	}
	return nil
}

// HasLiveDocumentsOfType reports whether any live document currently has
// the given schema type, used by the engine coordinator to decide
// whether a schema change actually requires ignoreErrorsAndDeleteDocuments
// rather than just being a structurally-incompatible edit with no
// documents yet affected by it.
func (s *Store) HasLiveDocumentsOfType(t string) bool {
	for id, doc := range s.entries {
		if doc.SchemaType == t && s.isLive(id) {
			return true
		}
	}
	return false
}

// DeleteBySchemaType tombstones every live document of schema type t.
func (s *Store) DeleteBySchemaType(t string) error {
	ids := s.liveIdsWhere(func(d Document) bool { return d.SchemaType == t })
	if len(ids) == 0 {
		return kerrors.New(kerrors.NotFound, "no live documents of schema type %q", t)
	}
	for _, id := range ids {
		if err := s.tombstone(id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteById tombstones a single live document by id, used by
// DeleteByQuery once the engine has resolved matches to ids.
func (s *Store) DeleteById(id DocumentId) error {
	if !s.isLive(id) {
		return kerrors.New(kerrors.NotFound, "no live document with id %d", id)
	}
	return s.tombstone(id)
}

func (s *Store) liveIdsWhere(pred func(Document) bool) []DocumentId {
	var ids []DocumentId
	for id, doc := range s.entries {
		if s.isLive(id) && pred(doc) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReportUsage merges a usage report into the DocumentId's UsageRecord.
func (s *Store) ReportUsage(id DocumentId, usageType int, atMs int64) error {
	if _, ok := s.entries[id]; !ok {
		return kerrors.New(kerrors.NotFound, "no document with id %d", id)
	}
	rec := Record{Kind: RecordKindUsage, Id: id, UsageType: usageType, UsageAtMs: atMs}
	if err := s.backend.Append(rec); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "appending usage report for id %d", id)
	}
	s.apply(rec)
	return nil
}

// Usage returns the UsageRecord for id, or a zero-value record if none
// has been reported yet.
func (s *Store) Usage(id DocumentId) UsageRecord {
	if u := s.usage[id]; u != nil {
		return *u
	}
	return UsageRecord{}
}

// ActiveNamespaces returns, in sorted order, every namespace holding at
// least one live document.
func (s *Store) ActiveNamespaces() []string {
	set := make(map[string]struct{})
	for id, doc := range s.entries {
		if s.isLive(id) {
			set[doc.Namespace] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for ns := range set {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// OptimizableStats reports how many entries are not live (tombstoned or
// superseded or expired) and their approximate serialized size, the
// amount Optimize would reclaim.
func (s *Store) OptimizableStats() (count int, bytes int64) {
	for id, doc := range s.entries {
		if s.isLive(id) {
			continue
		}
		count++
		bytes += approxSize(doc)
	}
	return count, bytes
}

func approxSize(doc Document) int64 {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// AllLiveIds returns every live DocumentId in ascending order, used by
// the coordinator to rebuild the term index and by Optimize to compact.
func (s *Store) AllLiveIds() []DocumentId {
	return s.liveIdsWhere(func(Document) bool { return true })
}

// ComputeChecksum returns a checksum over every live document (ordered by
// DocumentId) and its usage record, independent of whether the backend
// has been fsynced. Folded into the engine's combined header checksum
// alongside the Schema Store and Term Index checksums.
func (s *Store) ComputeChecksum() (uint32, error) {
	type entry struct {
		Id    DocumentId
		Doc   Document
		Usage UsageRecord
	}
	ids := s.AllLiveIds()
	entries := make([]entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, entry{Id: id, Doc: s.entries[id], Usage: s.Usage(id)})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "marshaling document store for checksum")
	}
	return crc32.ChecksumIEEE(data), nil
}

// Close releases the backend's resources.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Backend exposes the underlying Backend, used by PersistToDisk and
// ComputeChecksum-style coordinator operations that need to reach past
// the derived in-memory state.
func (s *Store) Backend() Backend {
	return s.backend
}

// CompactInto rewrites every live document into newBackend with freshly
// assigned, densely-packed DocumentIds starting at 0, preserving
// ascending order, and returns the old-id -> new-id mapping the
// coordinator uses to rebuild the term index. Usage records travel with
// their document under the new id. The original Store is left untouched;
// the caller is expected to discard it in favor of the Store wrapping
// newBackend once the directory swap (if any) has completed.
func (s *Store) CompactInto(newBackend Backend) (*Store, map[DocumentId]DocumentId, error) {
	liveIds := s.AllLiveIds()
	mapping := make(map[DocumentId]DocumentId, len(liveIds))
	records := make([]Record, 0, len(liveIds)*2)

	for i, oldId := range liveIds {
		newId := DocumentId(i)
		mapping[oldId] = newId
		doc := s.entries[oldId]
		records = append(records, Record{Kind: RecordKindPut, Id: newId, Document: doc})
		if u, ok := s.usage[oldId]; ok {
			records = append(records, Record{Kind: RecordKindUsageSnapshot, Id: newId, UsageSnapshot: *u})
		}
	}

	if err := newBackend.Rewrite(records); err != nil {
		return nil, nil, kerrors.Wrap(kerrors.Internal, err, "rewriting compacted document store")
	}
	compacted, err := Open(newBackend, s.clock)
	if err != nil {
		return nil, nil, err
	}
	return compacted, mapping, nil
}
