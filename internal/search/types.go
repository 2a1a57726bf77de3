package search

// Search limits.
const (
	DefaultLimit = 10
	MaxLimit     = 100

	// candidateMultiplier sizes each source's candidate list relative to
	// the limit before fusion.
	candidateMultiplier = 2
)

// Options configures a search query.
type Options struct {
	// Limit is the maximum number of results to return (default: 10, max: 100).
	Limit int

	// Domain restricts results to one domain. Empty means all domains.
	Domain string

	// Weights overrides the searcher's lexical/semantic weights.
	Weights *Weights
}

// Weights configures the relative importance of lexical vs semantic search.
type Weights struct {
	// Lexical is the weight for BM25 keyword search (0-1, default: 0.35).
	Lexical float64 `json:"lexical"`

	// Semantic is the weight for vector search (0-1, default: 0.65).
	Semantic float64 `json:"semantic"`
}

// DefaultWeights returns the default search weights optimized for mixed queries.
func DefaultWeights() Weights {
	return Weights{Lexical: 0.35, Semantic: 0.65}
}

// Result is one search hit resolved against the live snapshot.
type Result struct {
	ID           uint64  `json:"id"`
	Path         string  `json:"path"`
	Domain       string  `json:"domain"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	VectorScore  float64 `json:"vector_score,omitempty"`
	InBoth       bool    `json:"in_both"`
}

// Response is a search outcome, including which sources contributed.
type Response struct {
	Query      string   `json:"query"`
	Results    []Result `json:"results"`
	Generation uint64   `json:"generation"`
	// Degraded names the source that failed when only one contributed.
	Degraded string `json:"degraded,omitempty"`
}
