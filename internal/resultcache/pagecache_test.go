package resultcache_test

import (
	"testing"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/resultcache"
	"github.com/kestrel-db/kestrel/internal/scoring"
	"github.com/stretchr/testify/assert"
)

func hitsFor(ids ...docstore.DocumentId) []scoring.ScoredHit {
	out := make([]scoring.ScoredHit, len(ids))
	for i, id := range ids {
		out[i] = scoring.ScoredHit{DocId: id}
	}
	return out
}

func TestPutFitsWithinOnePageMintsNoToken(t *testing.T) {
	c := resultcache.New()
	page := c.Put(hitsFor(1, 2, 3), 10)
	assert.Len(t, page.Hits, 3)
	assert.Zero(t, page.NextToken)
}

func TestPutAndGetNextPageWalksEntireStream(t *testing.T) {
	c := resultcache.New()
	page := c.Put(hitsFor(5, 4, 3, 2, 1), 2)
	assert.Len(t, page.Hits, 2)
	assert.NotZero(t, page.NextToken)

	page2 := c.GetNextPage(page.NextToken, 2)
	assert.Len(t, page2.Hits, 2)
	assert.NotZero(t, page2.NextToken)

	page3 := c.GetNextPage(page2.NextToken, 2)
	assert.Len(t, page3.Hits, 1)
	assert.Zero(t, page3.NextToken, "token should be cleared once the stream is exhausted")

	assert.Equal(t, 0, c.Len())
}

func TestGetNextPageUnknownTokenReturnsEmptyPage(t *testing.T) {
	c := resultcache.New()
	page := c.GetNextPage(12345, 10)
	assert.Empty(t, page.Hits)
	assert.Zero(t, page.NextToken)
}

func TestInvalidateNextPageTokenPurgesOnlyThatToken(t *testing.T) {
	c := resultcache.New()
	page1 := c.Put(hitsFor(3, 2, 1), 1)
	page2 := c.Put(hitsFor(6, 5, 4), 1)

	c.Invalidate(page1.NextToken)
	assert.Empty(t, c.GetNextPage(page1.NextToken, 1).Hits)

	next := c.GetNextPage(page2.NextToken, 1)
	assert.Len(t, next.Hits, 1)
}

func TestClearPurgesAllTokens(t *testing.T) {
	c := resultcache.New()
	c.Put(hitsFor(3, 2, 1), 1)
	c.Put(hitsFor(6, 5, 4), 1)
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
