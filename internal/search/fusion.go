// Package search is the hybrid read path: lexical and vector search over the
// live snapshot, fused with Reciprocal Rank Fusion (RRF).
package search

import (
	"sort"

	"github.com/Aman-CERP/amanrag/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
// k=60 is empirically validated across domains (used by Azure AI Search, OpenSearch, etc.).
const DefaultRRFConstant = 60

// FusedResult represents a single result after RRF fusion.
type FusedResult struct {
	ID           uint64  // Chunk identifier
	RRFScore     float64 // Combined RRF score (normalized 0-1)
	LexicalScore float64 // Original BM25 score (preserved)
	LexicalRank  int     // Position in lexical list (1-indexed, 0 if absent)
	VecScore     float64 // Original vector similarity score (preserved)
	VecRank      int     // Position in vector list (1-indexed, 0 if absent)
	InBothLists  bool    // Document appeared in both result lists
}

// RRFFusion combines lexical and vector search results using
// Reciprocal Rank Fusion algorithm.
//
// Algorithm: RRF_score(d) = Σ weight_i / (k + rank_i)
//
// Where:
//   - k = smoothing constant (default: 60)
//   - rank_i = position in ranked list i (1-indexed)
//   - weight_i = weight for search source i
type RRFFusion struct {
	K int // RRF smoothing constant (default: 60)
}

// NewRRFFusion creates a new RRF fusion instance with default k=60.
func NewRRFFusion() *RRFFusion {
	return &RRFFusion{K: DefaultRRFConstant}
}

// NewRRFFusionWithK creates a new RRF fusion with custom k value.
// If k <= 0, defaults to 60.
func NewRRFFusionWithK(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse combines lexical and vector results using Reciprocal Rank Fusion.
//
// Documents appearing in only one list use missing_rank = max(len(lex), len(vec)) + 1
// for the missing source's contribution.
//
// Results are sorted by: RRFScore (desc) → InBothLists (true first) → LexicalScore (desc) → ID (asc)
func (f *RRFFusion) Fuse(lex []store.LexicalResult, vec []store.VectorResult, weights Weights) []*FusedResult {
	if len(lex) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	scores := make(map[uint64]*FusedResult, len(lex)+len(vec))

	for rank, r := range lex {
		result := getOrCreate(scores, r.ID)
		result.LexicalScore = r.Score
		result.LexicalRank = rank + 1
		result.RRFScore += weights.Lexical / float64(f.K+rank+1)
	}

	for rank, r := range vec {
		result := getOrCreate(scores, r.ID)
		result.VecScore = float64(r.Score)
		result.VecRank = rank + 1
		result.RRFScore += weights.Semantic / float64(f.K+rank+1)
		if result.LexicalRank > 0 {
			result.InBothLists = true
		}
	}

	missingRank := max(len(lex), len(vec)) + 1
	for _, r := range scores {
		if r.LexicalRank == 0 {
			r.RRFScore += weights.Lexical / float64(f.K+missingRank)
		}
		if r.VecRank == 0 {
			r.RRFScore += weights.Semantic / float64(f.K+missingRank)
		}
	}

	results := make([]*FusedResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		return compare(results[i], results[j])
	})

	normalize(results)
	return results
}

func getOrCreate(m map[uint64]*FusedResult, id uint64) *FusedResult {
	if r, ok := m[id]; ok {
		return r
	}
	r := &FusedResult{ID: id}
	m[id] = r
	return r
}

// compare reports whether a ranks before b.
//
// Priority:
//  1. Higher RRF score
//  2. In both lists (true before false)
//  3. Higher lexical score (exact match indicator)
//  4. Smaller ID (deterministic)
func compare(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.InBothLists != b.InBothLists {
		return a.InBothLists
	}
	if a.LexicalScore != b.LexicalScore {
		return a.LexicalScore > b.LexicalScore
	}
	return a.ID < b.ID
}

// normalize scales all RRF scores to 0-1 range; the first (maximum) score
// becomes 1.0.
func normalize(results []*FusedResult) {
	if len(results) == 0 {
		return
	}
	maxScore := results[0].RRFScore
	if maxScore == 0 {
		return
	}
	for _, r := range results {
		r.RRFScore /= maxScore
	}
}
