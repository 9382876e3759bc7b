package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/eventlog"
	"github.com/kestrel-db/kestrel/internal/queryparser"
	"github.com/kestrel-db/kestrel/internal/resultcache"
	"github.com/kestrel-db/kestrel/internal/scoring"
	"github.com/kestrel-db/kestrel/internal/termindex"
	kerrors "github.com/kestrel-db/kestrel/pkg/errors"
)

func termMatchTypeFor(mode TermMatchMode) termindex.TermMatchType {
	if mode == Prefix {
		return termindex.TermMatchPrefix
	}
	return termindex.TermMatchExact
}

// sectionMaskFor resolves a "prop:term" restriction to a section
// bitmask by unioning the SectionId assigned to that property name
// across every schema type that declares it. SectionId is assigned
// per-type (see schema.Store.reindex), so this is an approximation when
// two types reuse the same bit position for unrelated properties; in
// practice a query's SchemaTypeFilters narrows the match before this
// ambiguity matters, and a fully precise per-type section plan is left
// as a known simplification (see DESIGN.md).
func (c *Coordinator) sectionMaskFor(property string) uint32 {
	if property == "" {
		return 0
	}
	var mask uint32
	for _, t := range c.schemaStore.Schema().Types {
		if secID, ok := c.schemaStore.SectionId(t.Name, property); ok {
			mask |= 1 << uint(secID)
		}
	}
	return mask
}

func (c *Coordinator) hitSetFor(clause queryparser.Clause, match termindex.TermMatchType) map[docstore.DocumentId]bool {
	mask := c.sectionMaskFor(clause.Property)
	it := c.index.GetIterator(clause.Term, mask, match)
	out := make(map[docstore.DocumentId]bool, it.Len())
	for it.Next() {
		out[it.Hit().DocId] = true
	}
	return out
}

func (c *Coordinator) matchIds(plan queryparser.Plan, match termindex.TermMatchType) map[docstore.DocumentId]bool {
	var result map[docstore.DocumentId]bool
	if len(plan.Include) == 0 {
		result = make(map[docstore.DocumentId]bool)
		for _, id := range c.docStore.AllLiveIds() {
			result[id] = true
		}
	} else {
		for i, clause := range plan.Include {
			hitSet := c.hitSetFor(clause, match)
			if i == 0 {
				result = hitSet
				continue
			}
			if plan.Conjunction == queryparser.And {
				result = intersectIds(result, hitSet)
			} else {
				result = unionIds(result, hitSet)
			}
		}
	}
	for _, clause := range plan.Exclude {
		excludeSet := c.hitSetFor(clause, termindex.TermMatchExact)
		for id := range excludeSet {
			delete(result, id)
		}
	}
	return result
}

func intersectIds(a, b map[docstore.DocumentId]bool) map[docstore.DocumentId]bool {
	out := make(map[docstore.DocumentId]bool)
	for id := range a {
		if b[id] {
			out[id] = true
		}
	}
	return out
}

func unionIds(a, b map[docstore.DocumentId]bool) map[docstore.DocumentId]bool {
	out := make(map[docstore.DocumentId]bool, len(a)+len(b))
	for id := range a {
		out[id] = true
	}
	for id := range b {
		out[id] = true
	}
	return out
}

func containsString(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// resolveLiveMatches applies namespace/schema-type filters and liveness
// on top of the raw term-index match set.
func (c *Coordinator) resolveLiveMatches(spec SearchSpec) []docstore.DocumentId {
	plan := queryparser.Parse(spec.Query, c.opts.MaxTokenLength)
	match := termMatchTypeFor(spec.TermMatchType)
	ids := c.matchIds(plan, match)

	var out []docstore.DocumentId
	for id := range ids {
		doc, err := c.docStore.GetById(id)
		if err != nil {
			continue
		}
		if !containsString(spec.NamespaceFilters, doc.Namespace) {
			continue
		}
		if !containsString(spec.SchemaTypeFilters, doc.SchemaType) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) docInfoProvider() scoring.DocInfoProvider {
	return func(id docstore.DocumentId) scoring.DocInfo {
		doc, err := c.docStore.GetById(id)
		if err != nil {
			return scoring.DocInfo{}
		}
		return scoring.DocInfo{
			Score:               float32(doc.Score),
			CreationTimestampMs: doc.CreationTimestampMs,
			Usage:               c.docStore.Usage(id),
		}
	}
}

func (c *Coordinator) materialize(hits []scoring.ScoredHit) []ResultHit {
	out := make([]ResultHit, 0, len(hits))
	for _, h := range hits {
		doc, err := c.docStore.GetById(h.DocId)
		if err != nil {
			continue
		}
		out = append(out, ResultHit{Document: doc, Score: h.Score})
	}
	return out
}

func querySignatureFor(spec SearchSpec, scoringSpec ScoringSpec, resultSpec ResultSpec) resultcache.QuerySignature {
	return resultcache.QuerySignature{
		QueryExpression: spec.Query,
		Namespaces:      spec.NamespaceFilters,
		SchemaTypes:     spec.SchemaTypeFilters,
		RankingStrategy: int(scoringSpec.RankingStrategy),
		Order:           int(scoringSpec.Order),
		NumPerPage:      resultSpec.NumPerPage,
	}
}

// cachedSearchPage is the wire form cached in the secondary query
// cache: the full scored-hit stream (not just one page), so a cache hit
// still goes through the page cache to mint a token exactly like a
// fresh computation would.
type cachedSearchPage struct {
	Hits []scoring.ScoredHit
}

// Search parses spec.Query, resolves it against the Term Index, scores
// and pages the matches, and returns the first page.
func (c *Coordinator) Search(ctx context.Context, spec SearchSpec, scoringSpec ScoringSpec, resultSpec ResultSpec) SearchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	if err := c.requireReady(); err != nil {
		return SearchResult{Status: kerrors.StatusOf(err)}
	}
	if resultSpec.NumPerPage < 0 {
		return SearchResult{Status: kerrors.New(kerrors.InvalidArgument, "num_per_page must be >= 0")}
	}
	if resultSpec.NumPerPage == 0 {
		return SearchResult{Status: kerrors.OKStatus}
	}

	sig := querySignatureFor(spec, scoringSpec, resultSpec)
	raw, cacheHit, err := c.opts.QueryCache.GetOrCompute(ctx, sig, func() ([]byte, error) {
		ids := c.resolveLiveMatches(spec)
		hits := scoring.Rank(ids, scoringSpec.RankingStrategy, scoringSpec.Order, c.docInfoProvider())
		return json.Marshal(cachedSearchPage{Hits: hits})
	})
	if err != nil {
		return SearchResult{Status: kerrors.StatusOf(err)}
	}
	if c.opts.Metrics != nil {
		if cacheHit {
			c.opts.Metrics.CacheHitsTotal.Inc()
		} else {
			c.opts.Metrics.CacheMissesTotal.Inc()
		}
	}

	var cached cachedSearchPage
	if err := json.Unmarshal(raw, &cached); err != nil {
		return SearchResult{Status: kerrors.New(kerrors.Internal, "decoding cached search result: %v", err)}
	}

	page := c.pages.Put(cached.Hits, resultSpec.NumPerPage)
	results := c.materialize(page.Hits)
	c.recordOperation("search", kerrors.OKStatus, start)
	return SearchResult{Status: kerrors.OKStatus, Results: results, NextPageToken: page.NextToken}
}

// GetNextPage returns the next page of a previous Search's result
// stream. An unknown or expired token yields an empty, OK result.
func (c *Coordinator) GetNextPage(token uint64, numPerPage int) SearchResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReady(); err != nil {
		return SearchResult{Status: kerrors.StatusOf(err)}
	}
	if numPerPage < 0 {
		return SearchResult{Status: kerrors.New(kerrors.InvalidArgument, "num_per_page must be >= 0")}
	}
	if numPerPage == 0 {
		return SearchResult{Status: kerrors.OKStatus}
	}
	page := c.pages.GetNextPage(token, numPerPage)
	results := c.materialize(page.Hits)
	return SearchResult{Status: kerrors.OKStatus, Results: results, NextPageToken: page.NextToken}
}

// InvalidateNextPageToken discards a page-token's cached result stream
// ahead of its natural exhaustion.
func (c *Coordinator) InvalidateNextPageToken(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages.Invalidate(token)
}

// DeleteByQuery tombstones every live document currently matching spec
// and returns how many were deleted.
func (c *Coordinator) DeleteByQuery(spec SearchSpec) (int, kerrors.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReady(); err != nil {
		return 0, kerrors.StatusOf(err)
	}
	ids := c.resolveLiveMatches(spec)
	if len(ids) == 0 {
		return 0, kerrors.New(kerrors.NotFound, "no live documents match the query")
	}
	for _, id := range ids {
		if err := c.docStore.DeleteById(id); err != nil {
			return 0, kerrors.StatusOf(err)
		}
	}
	c.pages.Clear()
	c.opts.QueryCache.Invalidate(noopContext())
	c.opts.EventLog.Track(eventlog.DeleteEvent{
		Type:      eventlog.EventDelete,
		Reason:    "query",
		Count:     len(ids),
		Timestamp: c.opts.Clock.NowMs(),
	})
	if c.opts.Metrics != nil {
		c.opts.Metrics.DocumentsLive.Set(float64(len(c.docStore.AllLiveIds())))
	}
	return len(ids), kerrors.OKStatus
}
