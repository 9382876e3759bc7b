// Package filelog is the default docstore.Backend: the ground-truth log
// is a directory of small, individually checksummed record files rather
// than one growing file. Each Append writes a brand-new file via the
// teacher's write-to-temp-then-rename idiom
// (internal/indexer/segment.Writer), so a single mutation is always
// either fully durable or absent -- there is no append-in-place file
// handle whose partial write could corrupt previously-committed
// mutations. Records replay in filename order, which is kept equal to
// append order by zero-padded sequence numbers.
package filelog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/pkg/vfs"
)

const (
	recordSuffix  = ".rec"
	checksumBytes = 4
)

// Backend is a directory-of-records docstore.Backend.
type Backend struct {
	dir string
	fs  vfs.FS

	mu      sync.Mutex
	nextSeq int64
}

// Open prepares a Backend rooted at dir, creating the directory if
// needed. It does not itself replay records; call docstore.Open(backend,
// clock) to rebuild derived state.
func Open(dir string, fsys vfs.FS) (*Backend, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating document log directory: %w", err)
	}
	b := &Backend{dir: dir, fs: fsys}
	seq, err := nextSeqAfterExisting(dir, fsys)
	if err != nil {
		return nil, err
	}
	b.nextSeq = seq
	return b, nil
}

func nextSeqAfterExisting(dir string, fsys vfs.FS) (int64, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("listing document log directory: %w", err)
	}
	var maxSeq int64 = -1
	for _, e := range entries {
		seq, ok := parseSeq(e.Name())
		if ok && seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq + 1, nil
}

func parseSeq(name string) (int64, bool) {
	if !strings.HasSuffix(name, recordSuffix) {
		return 0, false
	}
	numPart := strings.TrimSuffix(name, recordSuffix)
	seq, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func seqFileName(seq int64) string {
	return fmt.Sprintf("%020d%s", seq, recordSuffix)
}

// wireRecord is the JSON-serialisable form of docstore.Record.
type wireRecord struct {
	Kind          int               `json:"kind"`
	Id            int32             `json:"id"`
	Document      docstore.Document `json:"document,omitempty"`
	UsageType     int               `json:"usage_type,omitempty"`
	UsageAtMs     int64             `json:"usage_at_ms,omitempty"`
	UsageSnapshot docstore.UsageRecord `json:"usage_snapshot,omitempty"`
}

func toWire(rec docstore.Record) wireRecord {
	return wireRecord{
		Kind:          int(rec.Kind),
		Id:            int32(rec.Id),
		Document:      rec.Document,
		UsageType:     rec.UsageType,
		UsageAtMs:     rec.UsageAtMs,
		UsageSnapshot: rec.UsageSnapshot,
	}
}

func (w wireRecord) toRecord() docstore.Record {
	return docstore.Record{
		Kind:          docstore.RecordKind(w.Kind),
		Id:            docstore.DocumentId(w.Id),
		Document:      w.Document,
		UsageType:     w.UsageType,
		UsageAtMs:     w.UsageAtMs,
		UsageSnapshot: w.UsageSnapshot,
	}
}

// Append writes rec as a new file, named so it sorts after every
// previously-appended record.
func (b *Backend) Append(rec docstore.Record) error {
	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	b.mu.Unlock()

	return writeRecordFile(b.fs, vfs.JoinDataFile(b.dir, seqFileName(seq)), rec)
}

func writeRecordFile(fsys vfs.FS, finalPath string, rec docstore.Record) error {
	payload, err := json.Marshal(toWire(rec))
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	checksum := crc32.ChecksumIEEE(payload)

	tmpPath := finalPath + ".tmp"
	f, err := fsys.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating record file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("writing record payload: %w", err)
	}
	footer := make([]byte, checksumBytes)
	binary.LittleEndian.PutUint32(footer, checksum)
	if _, err := f.Write(footer); err != nil {
		f.Close()
		return fmt.Errorf("writing record checksum: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing record file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing record file: %w", err)
	}
	if err := fsys.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming record file into place: %w", err)
	}
	return nil
}

// ErrCorruptTail is returned by Scan when the last record file on disk
// fails its checksum -- consistent with a crash mid-write, since every
// earlier file was already durably renamed into place before this one was
// created. Callers report this as a partial-loss recovery cause and
// proceed with the records read so far.
var ErrCorruptTail = fmt.Errorf("document log: trailing record failed checksum")

// Scan replays every record file in sequence order.
func (b *Backend) Scan(fn func(docstore.Record) error) error {
	entries, err := b.fs.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("listing document log directory: %w", err)
	}
	type seqFile struct {
		seq  int64
		name string
	}
	var files []seqFile
	for _, e := range entries {
		if seq, ok := parseSeq(e.Name()); ok {
			files = append(files, seqFile{seq: seq, name: e.Name()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	for i, sf := range files {
		rec, err := readRecordFile(b.fs, vfs.JoinDataFile(b.dir, sf.name))
		if err != nil {
			if i == len(files)-1 {
				return fmt.Errorf("%w: %v", ErrCorruptTail, err)
			}
			return fmt.Errorf("reading record file %s: %w", sf.name, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func readRecordFile(fsys vfs.FS, path string) (docstore.Record, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return docstore.Record{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.NewSectionReader(f, 0, 1<<62))
	if err != nil {
		return docstore.Record{}, err
	}
	if len(data) < checksumBytes {
		return docstore.Record{}, fmt.Errorf("record file is truncated")
	}
	payload := data[:len(data)-checksumBytes]
	footer := data[len(data)-checksumBytes:]
	want := binary.LittleEndian.Uint32(footer)
	got := crc32.ChecksumIEEE(payload)
	if want != got {
		return docstore.Record{}, fmt.Errorf("checksum mismatch: want %x got %x", want, got)
	}
	var w wireRecord
	if err := json.Unmarshal(payload, &w); err != nil {
		return docstore.Record{}, fmt.Errorf("parsing record: %w", err)
	}
	return w.toRecord(), nil
}

// Rewrite atomically replaces the entire log with records, used by
// Optimize to publish a compacted store. It stages the new set of record
// files in a sibling directory and then swaps it into place with
// vfs.FS.SwapDirectories, so a crash mid-rewrite leaves the original log
// untouched.
func (b *Backend) Rewrite(records []docstore.Record) error {
	stagingDir := b.dir + ".rewrite_tmp"
	if err := b.fs.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("clearing stale staging directory: %w", err)
	}
	if err := b.fs.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	for seq, rec := range records {
		path := vfs.JoinDataFile(stagingDir, seqFileName(int64(seq)))
		if err := writeRecordFile(b.fs, path, rec); err != nil {
			return fmt.Errorf("writing compacted record %d: %w", seq, err)
		}
	}
	if err := b.fs.SwapDirectories(b.dir, stagingDir); err != nil {
		return fmt.Errorf("swapping compacted document log into place: %w", err)
	}
	b.mu.Lock()
	b.nextSeq = int64(len(records))
	b.mu.Unlock()
	return nil
}

// Close is a no-op: Backend holds no long-lived file handle between
// calls.
func (b *Backend) Close() error {
	return nil
}
