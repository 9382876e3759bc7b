package docstore_test

import (
	"testing"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/docstore/filelog"
	"github.com/kestrel-db/kestrel/pkg/clock"
	"github.com/kestrel-db/kestrel/pkg/errors"
	"github.com/kestrel-db/kestrel/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*docstore.Store, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	backend, err := filelog.Open(dir, vfs.OS{})
	require.NoError(t, err)
	clk := clock.NewFake(1_000)
	store, err := docstore.Open(backend, clk)
	require.NoError(t, err)
	return store, clk
}

func sampleDoc(ns, uri string, ttlMs int64) docstore.Document {
	return docstore.Document{
		Namespace:           ns,
		Uri:                 uri,
		SchemaType:          "Email",
		CreationTimestampMs: 1_000,
		TtlMs:               ttlMs,
		Properties: map[string]docstore.PropertyValue{
			"subject": {Strings: []string{"hello world"}},
		},
	}
}

func TestPutThenGetRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	id, err := store.Put(sampleDoc("ns1", "uri1", 0))
	require.NoError(t, err)
	assert.Equal(t, docstore.DocumentId(0), id)

	doc, err := store.Get("ns1", "uri1")
	require.NoError(t, err)
	assert.Equal(t, "Email", doc.SchemaType)
}

func TestPutRejectsEmptyKey(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Put(sampleDoc("", "uri1", 0))
	require.Error(t, err)
	assert.Equal(t, errors.InvalidArgument, errors.StatusOf(err).Code)
}

func TestPutSupersedesPriorVersion(t *testing.T) {
	store, _ := newStore(t)
	id1, err := store.Put(sampleDoc("ns1", "uri1", 0))
	require.NoError(t, err)
	id2, err := store.Put(sampleDoc("ns1", "uri1", 0))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	_, err = store.GetById(id1)
	assert.Error(t, err, "superseded id should no longer be live")

	doc, err := store.GetById(id2)
	require.NoError(t, err)
	assert.Equal(t, "ns1", doc.Namespace)
}

func TestGetUnknownDocumentReturnsNotFound(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Get("ns1", "missing")
	require.Error(t, err)
	assert.Equal(t, errors.NotFound, errors.StatusOf(err).Code)
}

func TestDeleteThenGetNotFound(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Put(sampleDoc("ns1", "uri1", 0))
	require.NoError(t, err)
	require.NoError(t, store.Delete("ns1", "uri1"))

	_, err = store.Get("ns1", "uri1")
	require.Error(t, err)
	assert.Equal(t, errors.NotFound, errors.StatusOf(err).Code)
}

func TestDeleteUnknownReturnsNotFound(t *testing.T) {
	store, _ := newStore(t)
	err := store.Delete("ns1", "missing")
	require.Error(t, err)
	assert.Equal(t, errors.NotFound, errors.StatusOf(err).Code)
}

func TestLivenessExpiresViaTtl(t *testing.T) {
	store, clk := newStore(t)
	_, err := store.Put(sampleDoc("ns1", "uri1", 500))
	require.NoError(t, err)

	clk.Set(1_200)
	doc, err := store.Get("ns1", "uri1")
	require.NoError(t, err)
	assert.Equal(t, "ns1", doc.Namespace)

	clk.Set(1_600)
	_, err = store.Get("ns1", "uri1")
	assert.Error(t, err)
}

func TestActiveNamespacesReflectsLiveness(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Put(sampleDoc("ns1", "a", 0))
	require.NoError(t, err)
	_, err = store.Put(sampleDoc("ns2", "b", 0))
	require.NoError(t, err)
	require.NoError(t, store.Delete("ns2", "b"))

	assert.Equal(t, []string{"ns1"}, store.ActiveNamespaces())
}

func TestReportUsageIsMonotone(t *testing.T) {
	store, _ := newStore(t)
	id, err := store.Put(sampleDoc("ns1", "uri1", 0))
	require.NoError(t, err)

	require.NoError(t, store.ReportUsage(id, docstore.UsageType1, 2_000))
	require.NoError(t, store.ReportUsage(id, docstore.UsageType1, 1_500)) // older, must not overwrite

	usage := store.Usage(id)
	assert.Equal(t, int64(2), usage.Count1)
	assert.Equal(t, int64(2_000), usage.LastUsedMs1)
}

func TestReportUsageUnknownDocumentNotFound(t *testing.T) {
	store, _ := newStore(t)
	err := store.ReportUsage(99, docstore.UsageType1, 1_000)
	require.Error(t, err)
	assert.Equal(t, errors.NotFound, errors.StatusOf(err).Code)
}

func TestOptimizableStatsCountsNonLiveEntries(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Put(sampleDoc("ns1", "uri1", 0))
	require.NoError(t, err)
	require.NoError(t, store.Delete("ns1", "uri1"))

	count, bytes := store.OptimizableStats()
	assert.Equal(t, 1, count)
	assert.Greater(t, bytes, int64(0))
}

func TestCompactIntoRenumbersAndDropsDeadEntries(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Put(sampleDoc("ns1", "dead", 0))
	require.NoError(t, err)
	require.NoError(t, store.Delete("ns1", "dead"))
	liveId, err := store.Put(sampleDoc("ns1", "alive", 0))
	require.NoError(t, err)
	require.NoError(t, store.ReportUsage(liveId, docstore.UsageType2, 3_000))

	newDir := t.TempDir()
	newBackend, err := filelog.Open(newDir, vfs.OS{})
	require.NoError(t, err)

	compacted, mapping, err := store.CompactInto(newBackend)
	require.NoError(t, err)
	assert.Len(t, mapping, 1)

	newId := mapping[liveId]
	assert.Equal(t, docstore.DocumentId(0), newId)
	doc, err := compacted.GetById(newId)
	require.NoError(t, err)
	assert.Equal(t, "alive", doc.Uri)
	assert.Equal(t, int64(3_000), compacted.Usage(newId).LastUsedMs2)
}

func TestReopenReplaysLog(t *testing.T) {
	dir := t.TempDir()
	backend, err := filelog.Open(dir, vfs.OS{})
	require.NoError(t, err)
	clk := clock.NewFake(1_000)
	store, err := docstore.Open(backend, clk)
	require.NoError(t, err)
	_, err = store.Put(sampleDoc("ns1", "uri1", 0))
	require.NoError(t, err)

	backend2, err := filelog.Open(dir, vfs.OS{})
	require.NoError(t, err)
	reopened, err := docstore.Open(backend2, clk)
	require.NoError(t, err)

	doc, err := reopened.Get("ns1", "uri1")
	require.NoError(t, err)
	assert.Equal(t, "Email", doc.SchemaType)
	assert.Equal(t, docstore.DocumentId(0), reopened.LastDocumentId())
}
