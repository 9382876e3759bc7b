package termindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"github.com/kestrel-db/kestrel/internal/docstore"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
	"github.com/kestrel-db/kestrel/pkg/vfs"
)

// On-disk Main tier layout, adapted from the teacher's segment package:
// a 64-byte header, a postings section, a dictionary section, and a
// 32-byte footer carrying a checksum over the dictionary bytes. The
// teacher writes one immutable segment per flush and merges many
// segments at query time; this index instead always holds exactly one
// Main-tier file and rewrites it wholesale on each PersistToDisk (which
// first merges Lite into Main), since the spec's merge threshold is coarse-grained enough that
// multi-segment compaction would add complexity without a matching
// requirement.
const (
	magicBytes    uint32 = 0x4b53544c // "KSTL"
	formatVersion uint32 = 1
	headerSize    int    = 64
	footerSize    int    = 32

	mainFileName = "main.idx"
)

type dictEntry struct {
	Term       string `json:"t"`
	PostOffset int64  `json:"o"`
	PostLen    int    `json:"l"`
	DocFreq    int    `json:"d"`
}

// PersistToDisk merges any pending Lite hits into Main, then writes the
// whole Main posting set to dir/main.idx using the teacher's
// write-temp-then-rename idiom.
func (idx *Index) PersistToDisk(dir string, fsys vfs.FS) error {
	idx.Merge()

	idx.mu.Lock()
	terms := make([]string, 0, len(idx.mainPostings))
	for t := range idx.mainPostings {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	postingsByTerm := make(map[string][]Hit, len(terms))
	for _, t := range terms {
		postingsByTerm[t] = append([]Hit(nil), idx.mainPostings[t]...)
	}
	idx.mu.Unlock()

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "creating term index directory")
	}
	finalPath := vfs.JoinDataFile(dir, mainFileName)
	tmpPath := finalPath + ".tmp"

	f, err := fsys.Create(tmpPath)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "creating term index temp file")
	}
	defer f.Close()

	headerBytes := make([]byte, headerSize)
	if _, err := f.Write(headerBytes); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "writing term index header placeholder")
	}

	var postingsOffset int64 = int64(headerSize)
	var cursor int64 = postingsOffset
	dict := make([]dictEntry, 0, len(terms))
	docIDs := make(map[docstore.DocumentId]struct{})

	for _, term := range terms {
		hits := postingsByTerm[term]
		data, err := json.Marshal(hits)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "marshaling postings for term %q", term)
		}
		if _, err := f.WriteAt(data, cursor); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "writing postings for term %q", term)
		}
		dict = append(dict, dictEntry{
			Term:       term,
			PostOffset: cursor - postingsOffset,
			PostLen:    len(data),
			DocFreq:    len(hits),
		})
		cursor += int64(len(data))
		for _, h := range hits {
			docIDs[h.DocId] = struct{}{}
		}
	}

	postingsSize := cursor - postingsOffset
	dictOffset := cursor
	dictData, err := json.Marshal(dict)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "marshaling term index dictionary")
	}
	if _, err := f.WriteAt(dictData, dictOffset); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "writing term index dictionary")
	}
	dictSize := int64(len(dictData))

	checksum := crc32.ChecksumIEEE(dictData)
	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(footer[0:4], checksum)
	binary.LittleEndian.PutUint32(footer[4:8], uint32(len(docIDs)))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(dictOffset))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(dictSize))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(postingsSize))
	if _, err := f.WriteAt(footer, dictOffset+dictSize); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "writing term index footer")
	}

	binary.LittleEndian.PutUint32(headerBytes[0:4], magicBytes)
	binary.LittleEndian.PutUint32(headerBytes[4:8], formatVersion)
	binary.LittleEndian.PutUint32(headerBytes[8:12], uint32(len(terms)))
	binary.LittleEndian.PutUint32(headerBytes[12:16], uint32(len(docIDs)))
	binary.LittleEndian.PutUint64(headerBytes[16:24], uint64(dictOffset))
	binary.LittleEndian.PutUint64(headerBytes[24:32], uint64(dictSize))
	binary.LittleEndian.PutUint64(headerBytes[32:40], uint64(postingsOffset))
	binary.LittleEndian.PutUint64(headerBytes[40:48], uint64(postingsSize))
	if _, err := f.WriteAt(headerBytes, 0); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "updating term index header")
	}

	if err := f.Sync(); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "syncing term index file")
	}
	if err := f.Close(); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "closing term index temp file")
	}
	if err := fsys.Rename(tmpPath, finalPath); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "publishing term index file")
	}
	return nil
}

// Load replaces the Main tier with the contents of dir/main.idx. A
// missing file is not an error: it means the index has never been
// persisted, so Load leaves the index empty.
func (idx *Index) Load(dir string, fsys vfs.FS) error {
	path := vfs.JoinDataFile(dir, mainFileName)
	f, err := fsys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kerrors.Wrap(kerrors.Internal, err, "opening term index file")
	}
	defer f.Close()

	headerBytes := make([]byte, headerSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "reading term index header")
	}
	magic := binary.LittleEndian.Uint32(headerBytes[0:4])
	if magic != magicBytes {
		return kerrors.New(kerrors.Internal, "term index file has bad magic bytes %x", magic)
	}
	termCount := binary.LittleEndian.Uint32(headerBytes[8:12])
	dictOffset := int64(binary.LittleEndian.Uint64(headerBytes[16:24]))
	dictSize := int64(binary.LittleEndian.Uint64(headerBytes[24:32]))

	dictBytes := make([]byte, dictSize)
	if _, err := f.ReadAt(dictBytes, dictOffset); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "reading term index dictionary")
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, dictOffset+dictSize); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "reading term index footer")
	}
	wantChecksum := binary.LittleEndian.Uint32(footer[0:4])
	if gotChecksum := crc32.ChecksumIEEE(dictBytes); gotChecksum != wantChecksum {
		return kerrors.New(kerrors.Internal, "term index dictionary checksum mismatch")
	}

	var dict []dictEntry
	if err := json.Unmarshal(dictBytes, &dict); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "parsing term index dictionary")
	}
	if uint32(len(dict)) != termCount {
		return kerrors.New(kerrors.Internal, "term index dictionary length mismatch: header says %d, got %d", termCount, len(dict))
	}

	postingsBase := int64(headerSize)
	mainPostings := make(map[string][]Hit, len(dict))
	for _, entry := range dict {
		postingsBytes := make([]byte, entry.PostLen)
		if _, err := f.ReadAt(postingsBytes, postingsBase+entry.PostOffset); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "reading postings for term %q", entry.Term)
		}
		var hits []Hit
		if err := json.Unmarshal(postingsBytes, &hits); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "parsing postings for term %q", entry.Term)
		}
		mainPostings[entry.Term] = hits
	}

	idx.mu.Lock()
	idx.mainPostings = mainPostings
	for _, hits := range mainPostings {
		for _, h := range hits {
			if !idx.hasAdded || h.DocId > idx.lastAddedDocId {
				idx.lastAddedDocId = h.DocId
				idx.hasAdded = true
			}
		}
	}
	idx.mu.Unlock()
	return nil
}

// ComputeChecksum returns a deterministic checksum over the index's
// full logical content (both tiers), independent of whether Main has
// been persisted to disk. The engine's combined header checksum folds
// this in alongside the Schema and Document Store checksums.
func (idx *Index) ComputeChecksum() (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	terms := make(map[string]struct{}, len(idx.liteHits)+len(idx.mainPostings))
	for t := range idx.liteHits {
		terms[t] = struct{}{}
	}
	for t := range idx.mainPostings {
		terms[t] = struct{}{}
	}
	sorted := make([]string, 0, len(terms))
	for t := range terms {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	type coalescedEntry struct {
		Term string
		Hits []Hit
	}
	entries := make([]coalescedEntry, 0, len(sorted))
	for _, term := range sorted {
		byDoc := make(map[docstore.DocumentId]*Hit)
		for _, h := range idx.mainPostings[term] {
			h := h
			byDoc[h.DocId] = &h
		}
		for _, e := range idx.liteHits[term] {
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
		hits := make([]Hit, 0, len(byDoc))
		for _, h := range byDoc {
			hits = append(hits, *h)
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i].DocId > hits[j].DocId })
		entries = append(entries, coalescedEntry{Term: term, Hits: hits})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return 0, fmt.Errorf("marshaling term index for checksum: %w", err)
	}
	return crc32.ChecksumIEEE(data), nil
}
