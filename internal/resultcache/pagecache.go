// Package resultcache implements the mandatory page-token cache every
// Search result stream is held in, plus an optional Redis-backed
// secondary query cache for repeated identical searches. The page
// cache has no teacher counterpart (the teacher's searcher streams a
// single page per request); its token/cursor design follows directly
// from spec.md §4.5. The secondary cache is grounded on the teacher's
// internal/searcher/cache.QueryCache.
package resultcache

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/kestrel-db/kestrel/internal/scoring"
)

// Page is one page of scored hits plus the token to fetch the next one.
// NextToken is zero when the stream is exhausted.
type Page struct {
	Hits      []scoring.ScoredHit
	NextToken uint64
}

type entry struct {
	hits   []scoring.ScoredHit
	cursor int
}

// PageCache holds, per active token, the full ordered scored-hit stream
// and a cursor into it. Tokens are random non-zero uint64 values so a
// guessed or stale token cannot collide with a live one in practice.
type PageCache struct {
	mu      sync.Mutex
	entries map[uint64]*entry
}

// New creates an empty PageCache.
func New() *PageCache {
	return &PageCache{entries: make(map[uint64]*entry)}
}

// Put stores hits under a freshly minted token and returns the first
// page of up to pageSize hits. If hits fits entirely in the first page,
// no token is minted and NextToken is zero.
func (c *PageCache) Put(hits []scoring.ScoredHit, pageSize int) Page {
	if pageSize <= 0 || len(hits) <= pageSize {
		return Page{Hits: hits}
	}

	token := newToken()
	c.mu.Lock()
	c.entries[token] = &entry{hits: hits, cursor: pageSize}
	c.mu.Unlock()

	return Page{Hits: hits[:pageSize], NextToken: token}
}

// GetNextPage advances token's cursor by pageSize and returns the next
// page. An unknown token returns an empty page rather than an error,
// matching the spec's decision to treat page-token lookup misses as
// harmless rather than exceptional (a token can legitimately go stale
// across an Optimize or Reset). Exhausting the stream clears the token.
func (c *PageCache) GetNextPage(token uint64, pageSize int) Page {
	if token == 0 || pageSize <= 0 {
		return Page{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[token]
	if !ok {
		return Page{}
	}

	remaining := e.hits[e.cursor:]
	if len(remaining) <= pageSize {
		delete(c.entries, token)
		return Page{Hits: remaining}
	}

	page := remaining[:pageSize]
	e.cursor += pageSize
	return Page{Hits: page, NextToken: token}
}

// Invalidate purges a single token, used by InvalidateNextPageToken.
func (c *PageCache) Invalidate(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

// Clear purges every token, used by Optimize and Reset.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*entry)
}

// Len reports the number of live tokens, for the engine's cache-size
// gauge.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func newToken() uint64 {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand.Read on a supported platform does not fail;
			// if it somehow does, degrading to 0 would be read as "no
			// token", so loop rather than mint a broken one.
			continue
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v != 0 {
			return v
		}
	}
}
