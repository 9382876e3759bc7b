// Package scoring ranks a set of matching documents into an ordered
// result stream, adapted from the teacher repository's
// internal/searcher/ranker.Rank: a scoring pass over the matches
// followed by a sort with a stable tie-break. Where the teacher always
// scores with BM25, this package selects among several scoring signals
// named by a RankingStrategy, since the spec exposes strategy choice to
// the caller rather than hardcoding one ranking function.
package scoring

import (
	"sort"

	"github.com/kestrel-db/kestrel/internal/docstore"
)

// RankingStrategy names the signal Rank orders by.
type RankingStrategy int

const (
	// None leaves the result in whatever order the term index iterators
	// produced it (DocumentId descending), skipping the scoring pass.
	None RankingStrategy = iota
	DocumentScore
	CreationTimestamp
	UsageType1Count
	UsageType2Count
	UsageType3Count
	UsageType1LastUsedTimestamp
	UsageType2LastUsedTimestamp
	UsageType3LastUsedTimestamp
)

// Order is the sort direction applied to the chosen strategy's signal.
// The DocumentId tie-break is always descending regardless of Order.
type Order int

const (
	Descending Order = iota
	Ascending
)

// DocInfo carries the fields a RankingStrategy may read for one
// document. Callers build this from the Document Store rather than the
// scoring package reaching into it directly, keeping this package free
// of a docstore.Store dependency.
type DocInfo struct {
	Score               float32
	CreationTimestampMs int64
	Usage               docstore.UsageRecord
}

// DocInfoProvider looks up the DocInfo for a document id. Ids the
// provider does not recognize are treated as a zero-value DocInfo
// rather than an error, since a match already implies the document is
// live in the store the caller is scoring against.
type DocInfoProvider func(id docstore.DocumentId) DocInfo

// ScoredHit is one ranked result.
type ScoredHit struct {
	DocId docstore.DocumentId
	Score float64
}

// Rank scores every id in ids using strategy and returns them sorted by
// that score in the given order, breaking ties by DocumentId
// descending so ranking is fully deterministic. When strategy is None,
// ids are returned unranked except for the DocumentId-descending
// tie-break, which becomes the sole ordering key.
func Rank(ids []docstore.DocumentId, strategy RankingStrategy, order Order, provider DocInfoProvider) []ScoredHit {
	hits := make([]ScoredHit, len(ids))
	for i, id := range ids {
		hits[i] = ScoredHit{DocId: id, Score: signalFor(id, strategy, provider)}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if strategy != None && hits[i].Score != hits[j].Score {
			if order == Ascending {
				return hits[i].Score < hits[j].Score
			}
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocId > hits[j].DocId
	})
	return hits
}

func signalFor(id docstore.DocumentId, strategy RankingStrategy, provider DocInfoProvider) float64 {
	if strategy == None || provider == nil {
		return 0
	}
	info := provider(id)
	switch strategy {
	case DocumentScore:
		return float64(info.Score)
	case CreationTimestamp:
		return float64(info.CreationTimestampMs)
	case UsageType1Count:
		return float64(info.Usage.Count1)
	case UsageType2Count:
		return float64(info.Usage.Count2)
	case UsageType3Count:
		return float64(info.Usage.Count3)
	case UsageType1LastUsedTimestamp:
		return float64(info.Usage.LastUsedMs1)
	case UsageType2LastUsedTimestamp:
		return float64(info.Usage.LastUsedMs2)
	case UsageType3LastUsedTimestamp:
		return float64(info.Usage.LastUsedMs3)
	default:
		return 0
	}
}
