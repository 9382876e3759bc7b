package termindex_test

import (
	"testing"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/termindex"
	"github.com/kestrel-db/kestrel/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditorDedupesRepeatedTermWithinOneEdit(t *testing.T) {
	idx := termindex.New(1 << 20)
	e := idx.Edit(docstore.DocumentId(1), 0)
	require.NoError(t, e.AddHit("hello", 1.0))
	require.NoError(t, e.AddHit("hello", 5.0))

	it := idx.GetIterator("hello", 0, termindex.TermMatchExact)
	require.True(t, it.Next())
	assert.Equal(t, float32(1.0), it.Hit().Score, "second AddHit for the same term in one Editor should be ignored")
	assert.False(t, it.Next())
}

func TestGetIteratorCoalescesHitsAcrossSections(t *testing.T) {
	idx := termindex.New(1 << 20)
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 0).AddHit("hello", 1.0))
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 2).AddHit("hello", 2.0))

	it := idx.GetIterator("hello", 0, termindex.TermMatchExact)
	require.True(t, it.Next())
	hit := it.Hit()
	assert.Equal(t, docstore.DocumentId(1), hit.DocId)
	assert.Equal(t, float32(2.0), hit.Score)
	assert.NotZero(t, hit.SectionMask&(1<<0))
	assert.NotZero(t, hit.SectionMask&(1<<2))
	assert.False(t, it.Next())
}

func TestGetIteratorOrdersByDocIdDescending(t *testing.T) {
	idx := termindex.New(1 << 20)
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 0).AddHit("term", 1.0))
	require.NoError(t, idx.Edit(docstore.DocumentId(5), 0).AddHit("term", 1.0))
	require.NoError(t, idx.Edit(docstore.DocumentId(3), 0).AddHit("term", 1.0))

	it := idx.GetIterator("term", 0, termindex.TermMatchExact)
	var order []docstore.DocumentId
	for it.Next() {
		order = append(order, it.Hit().DocId)
	}
	assert.Equal(t, []docstore.DocumentId{5, 3, 1}, order)
}

func TestGetIteratorFiltersBySectionMask(t *testing.T) {
	idx := termindex.New(1 << 20)
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 0).AddHit("term", 1.0))
	require.NoError(t, idx.Edit(docstore.DocumentId(2), 1).AddHit("term", 1.0))

	it := idx.GetIterator("term", 1<<1, termindex.TermMatchExact)
	require.True(t, it.Next())
	assert.Equal(t, docstore.DocumentId(2), it.Hit().DocId)
	assert.False(t, it.Next())
}

func TestGetIteratorPrefixMatchExpandsAcrossTerms(t *testing.T) {
	idx := termindex.New(1 << 20)
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 0).AddHit("cat", 1.0))
	require.NoError(t, idx.Edit(docstore.DocumentId(2), 0).AddHit("catalog", 1.0))
	require.NoError(t, idx.Edit(docstore.DocumentId(3), 0).AddHit("dog", 1.0))

	it := idx.GetIterator("cat", 0, termindex.TermMatchPrefix)
	var ids []docstore.DocumentId
	for it.Next() {
		ids = append(ids, it.Hit().DocId)
	}
	assert.ElementsMatch(t, []docstore.DocumentId{1, 2}, ids)
}

func TestMergeMovesLiteHitsIntoMainAndPreservesQueryResults(t *testing.T) {
	idx := termindex.New(1 << 20)
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 0).AddHit("hello", 1.0))

	before := idx.GetDebugInfo()
	assert.Equal(t, 1, before.LiteTerms)
	assert.Equal(t, 0, before.MainTerms)

	idx.Merge()

	after := idx.GetDebugInfo()
	assert.Equal(t, 0, after.LiteTerms)
	assert.Equal(t, 1, after.MainTerms)
	assert.Equal(t, int64(1), after.MergeCount)

	it := idx.GetIterator("hello", 0, termindex.TermMatchExact)
	require.True(t, it.Next())
	assert.Equal(t, docstore.DocumentId(1), it.Hit().DocId)
}

func TestLastAddedDocumentIdTracksWatermark(t *testing.T) {
	idx := termindex.New(1 << 20)
	assert.Equal(t, docstore.DocumentId(-1), idx.LastAddedDocumentId())

	require.NoError(t, idx.Edit(docstore.DocumentId(3), 0).AddHit("a", 1.0))
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 0).AddHit("b", 1.0))
	assert.Equal(t, docstore.DocumentId(3), idx.LastAddedDocumentId())
}

func TestResetClearsBothTiers(t *testing.T) {
	idx := termindex.New(1 << 20)
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 0).AddHit("hello", 1.0))
	idx.Merge()
	idx.Reset()

	info := idx.GetDebugInfo()
	assert.Equal(t, 0, info.LiteTerms)
	assert.Equal(t, 0, info.MainTerms)
	assert.Equal(t, docstore.DocumentId(-1), idx.LastAddedDocumentId())
}

func TestPersistToDiskThenLoadRoundTrip(t *testing.T) {
	idx := termindex.New(1 << 20)
	require.NoError(t, idx.Edit(docstore.DocumentId(1), 0).AddHit("hello", 1.0))
	require.NoError(t, idx.Edit(docstore.DocumentId(2), 3).AddHit("world", 2.0))

	dir := t.TempDir()
	require.NoError(t, idx.PersistToDisk(dir, vfs.OS{}))

	reloaded := termindex.New(1 << 20)
	require.NoError(t, reloaded.Load(dir, vfs.OS{}))

	it := reloaded.GetIterator("world", 0, termindex.TermMatchExact)
	require.True(t, it.Next())
	hit := it.Hit()
	assert.Equal(t, docstore.DocumentId(2), hit.DocId)
	assert.Equal(t, float32(2.0), hit.Score)
	assert.Equal(t, docstore.DocumentId(2), reloaded.LastAddedDocumentId())
}

func TestLoadOnMissingFileLeavesIndexEmpty(t *testing.T) {
	idx := termindex.New(1 << 20)
	dir := t.TempDir()
	require.NoError(t, idx.Load(dir, vfs.OS{}))
	assert.Equal(t, 0, idx.GetDebugInfo().MainTerms)
}

func TestComputeChecksumStableAcrossEquivalentState(t *testing.T) {
	a := termindex.New(1 << 20)
	require.NoError(t, a.Edit(docstore.DocumentId(1), 0).AddHit("hello", 1.0))
	b := termindex.New(1 << 20)
	require.NoError(t, b.Edit(docstore.DocumentId(1), 0).AddHit("hello", 1.0))
	b.Merge()

	sumA, err := a.ComputeChecksum()
	require.NoError(t, err)
	sumB, err := b.ComputeChecksum()
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB, "checksum should not depend on which tier currently holds a hit")
}
