// Package termindex implements the two-tier inverted index: a
// memory-resident Lite tier for cheap inserts and an on-disk Main tier
// for compact, read-optimized storage, grounded on the teacher
// repository's internal/indexer/index.MemoryIndex (append/search shape)
// and internal/indexer/segment (on-disk header/dictionary/postings/
// footer layout, see persist.go). Unlike the teacher's per-document
// term-frequency postings, a Hit here carries a section bitmask and a
// caller-supplied term score, matching the spec's simpler scoring model.
package termindex

import (
	"sort"
	"strings"
	"sync"

	"github.com/kestrel-db/kestrel/internal/docstore"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
)

// TermMatchType mirrors schema.TermMatchType without importing the
// schema package, since the index only needs to distinguish exact from
// prefix matching at query time.
type TermMatchType int

const (
	TermMatchExact TermMatchType = iota
	TermMatchPrefix
)

// Hit is one (document, section-set, score) entry in a posting list.
// SectionMask has one bit set per SectionId the term was found in for
// this document; a term appearing in more than one section of the same
// document coalesces into a single Hit rather than one Hit per section.
type Hit struct {
	DocId       docstore.DocumentId
	SectionMask uint32
	Score       float32
}

// maxLexiconEntries bounds the number of distinct terms the index will
// hold across both tiers; an insert that would exceed it fails
// OUT_OF_SPACE rather than growing the lexicon without limit.
const maxLexiconEntries = 1 << 24

type liteEntry struct {
	docId     docstore.DocumentId
	sectionID int32
	score     float32
}

// Index is the two-tier term index.
type Index struct {
	mu sync.Mutex

	mergeSize int64

	liteHits     map[string][]liteEntry
	liteSizeHint int64

	mainPostings map[string][]Hit // already coalesced by DocId

	lastAddedDocId docstore.DocumentId
	hasAdded       bool

	mergeCount int64
}

// New creates an empty Index that merges Lite into Main once Lite's
// estimated size exceeds mergeSizeBytes.
func New(mergeSizeBytes int64) *Index {
	return &Index{
		mergeSize:    mergeSizeBytes,
		liteHits:     make(map[string][]liteEntry),
		mainPostings: make(map[string][]Hit),
	}
}

// Editor stages hits for a single (document, section) pair and dedupes
// repeated terms before they reach the Lite tier, grounded on the
// reference Icing Index::Editor's unordered_set<TermId> dedupe.
type Editor struct {
	idx       *Index
	docId     docstore.DocumentId
	sectionID int32
	seen      map[string]struct{}
}

// Edit returns an Editor scoped to docId's sectionID.
func (idx *Index) Edit(docId docstore.DocumentId, sectionID int32) *Editor {
	return &Editor{idx: idx, docId: docId, sectionID: sectionID, seen: make(map[string]struct{})}
}

// AddHit stages term into the Lite tier with the given score. A term
// already added through this Editor is ignored; the dedupe is scoped to
// one Editor (one document/section pair), not the whole index.
func (e *Editor) AddHit(term string, score float32) error {
	if _, dup := e.seen[term]; dup {
		return nil
	}
	e.seen[term] = struct{}{}
	return e.idx.insertLite(term, e.docId, e.sectionID, score)
}

func (idx *Index) insertLite(term string, docId docstore.DocumentId, sectionID int32, score float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.liteHits[term]; !exists {
		if len(idx.liteHits)+len(idx.mainPostings) >= maxLexiconEntries {
			return kerrors.New(kerrors.OutOfSpace, "term index lexicon capacity exceeded")
		}
	}
	idx.liteHits[term] = append(idx.liteHits[term], liteEntry{docId: docId, sectionID: sectionID, score: score})
	idx.liteSizeHint += int64(len(term)) + 16

	if !idx.hasAdded || docId > idx.lastAddedDocId {
		idx.lastAddedDocId = docId
		idx.hasAdded = true
	}

	if idx.liteSizeHint >= idx.mergeSize {
		idx.mergeLocked()
	}
	return nil
}

// mergeLocked coalesces every Lite hit into the Main tier and clears
// Lite. Callers must hold idx.mu.
func (idx *Index) mergeLocked() {
	for term, entries := range idx.liteHits {
		byDoc := make(map[docstore.DocumentId]*Hit)
		for _, h := range idx.mainPostings[term] {
			h := h
			byDoc[h.DocId] = &h
		}
		for _, e := range entries {
			h, ok := byDoc[e.docId]
			if !ok {
				h = &Hit{DocId: e.docId}
				byDoc[e.docId] = h
			}
			h.SectionMask |= 1 << uint(e.sectionID)
			if e.score > h.Score {
				h.Score = e.score
			}
		}
		merged := make([]Hit, 0, len(byDoc))
		for _, h := range byDoc {
			merged = append(merged, *h)
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].DocId > merged[j].DocId })
		idx.mainPostings[term] = merged
	}
	idx.liteHits = make(map[string][]liteEntry)
	idx.liteSizeHint = 0
	idx.mergeCount++
}

// Merge forces a Lite-to-Main merge regardless of the size threshold,
// used by PersistToDisk (Lite has no independent on-disk form) and by
// tests exercising merge behavior directly.
func (idx *Index) Merge() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.mergeLocked()
}

// LastAddedDocumentId returns the monotone watermark the coordinator
// compares against the Document Store's own last id to detect drift.
func (idx *Index) LastAddedDocumentId() docstore.DocumentId {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if !idx.hasAdded {
		return -1
	}
	return idx.lastAddedDocId
}

// MergeCount returns how many Lite-to-Main merges have run since the
// index was created or last Reset.
func (idx *Index) MergeCount() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.mergeCount
}

// LiteSizeHint returns the current estimated Lite-tier size in bytes, for
// the engine's TermIndexLiteBytes gauge.
func (idx *Index) LiteSizeHint() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.liteSizeHint
}

// Iterator is a closed, precomputed cursor over the hits matching one
// GetIterator call, sorted by DocId descending. It is not an interface:
// the "lite", "main", and "union" variants the index internally reasons
// about are folded into this single concrete type at construction time,
// rather than exposed as implementations a caller could extend.
type Iterator struct {
	hits []Hit
	pos  int
}

// Next advances the iterator and reports whether a hit is available.
func (it *Iterator) Next() bool {
	if it == nil {
		return false
	}
	it.pos++
	return it.pos < len(it.hits)
}

// Hit returns the current hit. Valid only after a call to Next returned
// true.
func (it *Iterator) Hit() Hit {
	return it.hits[it.pos]
}

// Len reports the total number of hits the iterator will produce.
func (it *Iterator) Len() int {
	if it == nil {
		return 0
	}
	return len(it.hits)
}

// GetIterator returns hits for term (or, under PREFIX matching, every
// term with term as a prefix), restricted to sections named by
// sectionMask (0 means unrestricted), in descending DocumentId order.
func (idx *Index) GetIterator(term string, sectionMask uint32, match TermMatchType) *Iterator {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	terms := idx.matchingTermsLocked(term, match)
	byDoc := make(map[docstore.DocumentId]*Hit)
	for _, t := range terms {
		for _, e := range idx.liteHits[t] {
			h, ok := byDoc[e.docId]
			if !ok {
				h = &Hit{DocId: e.docId}
				byDoc[e.docId] = h
			}
			h.SectionMask |= 1 << uint(e.sectionID)
			if e.score > h.Score {
				h.Score = e.score
			}
		}
		for _, mh := range idx.mainPostings[t] {
			h, ok := byDoc[mh.DocId]
			if !ok {
				h = &Hit{DocId: mh.DocId}
				byDoc[mh.DocId] = h
			}
			h.SectionMask |= mh.SectionMask
			if mh.Score > h.Score {
				h.Score = mh.Score
			}
		}
	}

	hits := make([]Hit, 0, len(byDoc))
	for _, h := range byDoc {
		if sectionMask != 0 && h.SectionMask&sectionMask == 0 {
			continue
		}
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].DocId > hits[j].DocId })
	return &Iterator{hits: hits, pos: -1}
}

func (idx *Index) matchingTermsLocked(term string, match TermMatchType) []string {
	if match == TermMatchExact {
		return []string{term}
	}
	seen := make(map[string]struct{})
	var out []string
	addIfPrefix := func(t string) {
		if strings.HasPrefix(t, term) {
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	for t := range idx.liteHits {
		addIfPrefix(t)
	}
	for t := range idx.mainPostings {
		addIfPrefix(t)
	}
	return out
}

// Reset discards all Lite and Main state.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.liteHits = make(map[string][]liteEntry)
	idx.liteSizeHint = 0
	idx.mainPostings = make(map[string][]Hit)
	idx.lastAddedDocId = 0
	idx.hasAdded = false
	idx.mergeCount = 0
}

// Warm ranges once over the Main tier's in-memory posting map and does
// no file I/O: Load already reads the whole Main file into memory, so
// queries never read it from disk. Supplemented from the reference
// Icing Index::Warm(), which the distilled spec does not mention.
func (idx *Index) Warm() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for range idx.mainPostings {
		// Touch each posting list; the work itself is the access.
	}
}

// DebugInfo reports index-wide counters, supplementing the distilled
// spec with the verbosity dump the reference Icing implementation
// exposes for diagnostics (term counts per tier, merge count, estimated
// Lite size).
type DebugInfo struct {
	LiteTerms      int
	MainTerms      int
	LiteSizeBytes  int64
	MergeCount     int64
	LastAddedDocId docstore.DocumentId
}

func (idx *Index) GetDebugInfo() DebugInfo {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	lastId := docstore.DocumentId(-1)
	if idx.hasAdded {
		lastId = idx.lastAddedDocId
	}
	return DebugInfo{
		LiteTerms:      len(idx.liteHits),
		MainTerms:      len(idx.mainPostings),
		LiteSizeBytes:  idx.liteSizeHint,
		MergeCount:     idx.mergeCount,
		LastAddedDocId: lastId,
	}
}
