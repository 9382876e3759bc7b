// Package docstore implements the Document Store: append-only ground
// truth for documents, tombstone-based deletion, usage tracking, and
// liveness. The ground-truth log itself is abstracted behind a Backend
// interface (see Backend in store.go) so the engine can be wired to
// either the default checksummed file log (internal/docstore/filelog) or
// an optional Postgres-backed log (internal/docstore/pgbackend).
package docstore

// DocumentId is assigned in strictly increasing order at append time and
// never reused while the log exists.
type DocumentId int32

// PropertyValue holds the values of one property of a Document. Exactly
// one of the slices is populated, per the property's schema DataType;
// Cardinality other than repeated still uses a single-element slice.
type PropertyValue struct {
	Strings   []string
	Int64s    []int64
	Doubles   []float64
	Booleans  []bool
	Bytes     [][]byte
	Documents []Document
}

// Document is the external unit of storage: (namespace, uri) is the
// external key; SchemaType names the type config it must satisfy.
type Document struct {
	Namespace           string
	Uri                 string
	SchemaType          string
	Properties          map[string]PropertyValue
	CreationTimestampMs int64
	TtlMs               int64
	Score               float64
}

// Key returns the external (namespace, uri) key as a single string
// suitable for map lookups.
func (d Document) Key() string {
	return d.Namespace + "\x00" + d.Uri
}

// Usage-type identifiers for ReportUsage and the scoring package's
// USAGE_TYPE{1,2,3} strategies.
const (
	UsageType1 = 1
	UsageType2 = 2
	UsageType3 = 3
)

// UsageRecord holds the three monotone usage counters and their
// corresponding last-used timestamps for one DocumentId.
type UsageRecord struct {
	Count1 int64
	Count2 int64
	Count3 int64

	LastUsedMs1 int64
	LastUsedMs2 int64
	LastUsedMs3 int64
}

// mergeMax merges another UsageRecord into u by taking the element-wise
// maximum of every counter and timestamp, preserving monotonicity when
// restoring a snapshot (e.g. after a DocumentId renumbering).
func (u *UsageRecord) mergeMax(other UsageRecord) {
	u.Count1 = max64(u.Count1, other.Count1)
	u.Count2 = max64(u.Count2, other.Count2)
	u.Count3 = max64(u.Count3, other.Count3)
	u.LastUsedMs1 = max64(u.LastUsedMs1, other.LastUsedMs1)
	u.LastUsedMs2 = max64(u.LastUsedMs2, other.LastUsedMs2)
	u.LastUsedMs3 = max64(u.LastUsedMs3, other.LastUsedMs3)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Apply merges a usage report into the record: counters only increase,
// and a timestamp is only overwritten by a strictly newer one.
func (u *UsageRecord) Apply(usageType int, atMs int64) {
	switch usageType {
	case UsageType1:
		u.Count1++
		if atMs > u.LastUsedMs1 {
			u.LastUsedMs1 = atMs
		}
	case UsageType2:
		u.Count2++
		if atMs > u.LastUsedMs2 {
			u.LastUsedMs2 = atMs
		}
	case UsageType3:
		u.Count3++
		if atMs > u.LastUsedMs3 {
			u.LastUsedMs3 = atMs
		}
	}
}
