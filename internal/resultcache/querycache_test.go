package resultcache_test

import (
	"context"
	"testing"

	"github.com/kestrel-db/kestrel/internal/resultcache"
	"github.com/stretchr/testify/assert"
)

func TestQueryCacheWithNilClientAlwaysRecomputes(t *testing.T) {
	c := resultcache.NewQueryCache(nil, 0, nil)
	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte("result"), nil
	}

	sig := resultcache.QuerySignature{QueryExpression: "subject:hello"}
	data1, hit1, err := c.GetOrCompute(context.Background(), sig, compute)
	assert.NoError(t, err)
	assert.False(t, hit1)
	assert.Equal(t, []byte("result"), data1)

	_, hit2, err := c.GetOrCompute(context.Background(), sig, compute)
	assert.NoError(t, err)
	assert.False(t, hit2, "without a backing client every call recomputes rather than caching")
	assert.Equal(t, 2, calls)
}

func TestQueryCacheInvalidateWithNilClientIsNoop(t *testing.T) {
	c := resultcache.NewQueryCache(nil, 0, nil)
	assert.NotPanics(t, func() { c.Invalidate(context.Background()) })
}
