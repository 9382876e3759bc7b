package resultcache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	pkgredis "github.com/kestrel-db/kestrel/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const queryCacheKeyPrefix = "kestrel:search:"

// QuerySignature is the normalized identity of a search request, used
// as the secondary cache's key. Two requests with the same signature
// are guaranteed to produce the same result as long as no mutation has
// happened in between.
type QuerySignature struct {
	QueryExpression string
	Namespaces      []string
	SchemaTypes     []string
	RankingStrategy int
	Order           int
	NumPerPage      int
}

// QueryCache is a read-through cache in front of Search, keyed by
// QuerySignature. Backed by Redis when configured, it degrades to a
// permanent-miss no-op otherwise -- a Redis outage or absence never
// produces a wrong answer, only a recomputation. Grounded on the
// teacher's internal/searcher/cache.QueryCache, including its
// singleflight-based de-duplication of concurrent identical
// recomputations.
type QueryCache struct {
	client *pkgredis.Client
	ttl    time.Duration
	group  singleflight.Group
	log    *slog.Logger
}

// NewQueryCache builds a QueryCache. A nil client produces a cache that
// always misses, so callers can construct one unconditionally and skip
// a nil-check at every call site.
func NewQueryCache(client *pkgredis.Client, ttl time.Duration, log *slog.Logger) *QueryCache {
	if log == nil {
		log = slog.Default().With("component", "query-cache")
	}
	return &QueryCache{client: client, ttl: ttl, log: log}
}

// GetOrCompute returns the cached result for sig if present; otherwise
// it calls compute, caches the result, and returns it. Concurrent calls
// for the same signature share one computation via singleflight.
func (c *QueryCache) GetOrCompute(ctx context.Context, sig QuerySignature, compute func() ([]byte, error)) ([]byte, bool, error) {
	if c.client == nil {
		data, err := compute()
		return data, false, err
	}

	key := c.buildKey(sig)
	if data, ok := c.get(ctx, key); ok {
		return data, true, nil
	}

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if data, ok := c.get(ctx, key); ok {
			return data, nil
		}
		data, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, data)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]byte), false, nil
}

func (c *QueryCache) get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.log.Warn("query cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return []byte(data), true
}

func (c *QueryCache) set(ctx context.Context, key string, data []byte) {
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.log.Warn("query cache set failed", "key", key, "error", err)
	}
}

// Invalidate flushes every cached search result. Called after every
// mutating engine operation since the spec defines no fine-grained
// invalidation; correctness favors flushing eagerly over reasoning
// about which cached queries a mutation could have affected.
func (c *QueryCache) Invalidate(ctx context.Context) {
	if c.client == nil {
		return
	}
	if _, err := c.client.FlushByPattern(ctx, queryCacheKeyPrefix+"*"); err != nil {
		c.log.Warn("query cache invalidate failed", "error", err)
	}
}

func (c *QueryCache) buildKey(sig QuerySignature) string {
	namespaces := append([]string(nil), sig.Namespaces...)
	schemaTypes := append([]string(nil), sig.SchemaTypes...)
	sort.Strings(namespaces)
	sort.Strings(schemaTypes)

	raw, _ := json.Marshal(struct {
		Q  string
		Ns []string
		St []string
		Rs int
		Or int
		Np int
	}{
		Q:  strings.ToLower(strings.TrimSpace(sig.QueryExpression)),
		Ns: namespaces,
		St: schemaTypes,
		Rs: sig.RankingStrategy,
		Or: sig.Order,
		Np: sig.NumPerPage,
	})
	hash := sha256.Sum256(raw)
	return fmt.Sprintf("%s%x", queryCacheKeyPrefix, hash[:16])
}
