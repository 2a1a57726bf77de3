package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanrag/internal/embed"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/manifest"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// Source provides the snapshot queries run against.
type Source interface {
	Live() *index.Snapshot
}

// Searcher runs hybrid queries. It never blocks on a reload: each query
// works on the snapshot that was live when it started.
type Searcher struct {
	source    Source
	embedder  embed.Embedder
	tokenizer index.Tokenizer
	fusion    *RRFFusion
	weights   Weights
	metrics   *telemetry.QueryMetrics
	logger    *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher)

// WithWeights sets the default lexical/semantic weights.
func WithWeights(w Weights) Option {
	return func(s *Searcher) { s.weights = w }
}

// WithRRFConstant sets the RRF smoothing constant.
func WithRRFConstant(k int) Option {
	return func(s *Searcher) { s.fusion = NewRRFFusionWithK(k) }
}

// WithMetrics records every completed query. Optional.
func WithMetrics(m *telemetry.QueryMetrics) Option {
	return func(s *Searcher) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Searcher) { s.logger = l }
}

// New creates a Searcher. The embedder and tokenizer must be the ones the
// index was built with. Wrap the embedder in embed.CachedEmbedder to cache
// query embeddings.
func New(source Source, embedder embed.Embedder, tokenizer index.Tokenizer, opts ...Option) *Searcher {
	s := &Searcher{
		source:    source,
		embedder:  embedder,
		tokenizer: tokenizer,
		fusion:    NewRRFFusion(),
		weights:   DefaultWeights(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search executes a hybrid query. When vector search fails the lexical
// results are returned and Response.Degraded is "vector"; when the query also
// has no lexical terms the error is ERR_505_SEARCH_FAILED.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, amerrors.New(amerrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	weights := s.weights
	if opts.Weights != nil {
		weights = *opts.Weights
	}

	snap := s.source.Live()
	owners := newOwnerIndex(snap.Manifest)
	skip := func(id uint64) bool {
		if snap.Hidden(id) {
			return true
		}
		if opts.Domain == "" {
			return false
		}
		e, ok := owners.lookup(id)
		return !ok || e.Domain != opts.Domain
	}
	candidates := limit * candidateMultiplier

	var (
		tokens     = s.tokenizer.Tokenize(query)
		lexResults []store.LexicalResult
		vecResults []store.VectorResult
		vecErr     error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lexResults = snap.Lexical.Search(tokens, opts.Domain, candidates, snap.Hidden)
		return nil
	})
	g.Go(func() error {
		vec, err := s.embedder.Embed(gctx, query)
		if err != nil {
			vecErr = err
			return nil
		}
		vecResults, vecErr = snap.Vectors.Search(vec, candidates, skip)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp := &Response{Query: query, Results: []Result{}, Generation: snap.Generation}
	switch {
	case vecErr != nil && len(tokens) == 0:
		return nil, amerrors.New(amerrors.ErrCodeSearchFailed, "vector search failed and the query has no lexical terms", vecErr)
	case vecErr != nil:
		s.logger.Warn("vector search failed, using lexical results only", slog.String("error", vecErr.Error()))
		resp.Degraded = "vector"
	}

	for _, f := range s.fusion.Fuse(lexResults, vecResults, weights) {
		if len(resp.Results) == limit {
			break
		}
		e, ok := owners.lookup(f.ID)
		if !ok {
			continue
		}
		r := Result{
			ID:           f.ID,
			Path:         e.Path,
			Domain:       e.Domain,
			Score:        f.RRFScore,
			LexicalScore: f.LexicalScore,
			VectorScore:  f.VecScore,
			InBoth:       f.InBothLists,
		}
		if doc, ok := snap.Lexical.Doc(f.ID); ok {
			r.Text = doc.Text
		}
		resp.Results = append(resp.Results, r)
	}

	s.logger.Debug("search_completed",
		slog.String("query", query),
		slog.Int("lexical", len(lexResults)),
		slog.Int("vector", len(vecResults)),
		slog.Int("results", len(resp.Results)),
		slog.Uint64("generation", snap.Generation))
	s.recordMetrics(resp, opts.Domain, time.Since(start))
	return resp, nil
}

func (s *Searcher) recordMetrics(resp *Response, domain string, latency time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.Record(telemetry.QueryEvent{
		Query:       resp.Query,
		Domain:      domain,
		ResultCount: len(resp.Results),
		Degraded:    resp.Degraded,
		Latency:     latency,
		Timestamp:   time.Now(),
	})
}

// ownerIndex maps chunk ids to the live manifest entry owning them.
type ownerIndex struct {
	entries []manifest.Entry
}

func newOwnerIndex(m *manifest.Manifest) ownerIndex {
	var entries []manifest.Entry
	for _, e := range m.LiveEntries() {
		if e.ChunkIDCount > 0 {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ChunkIDStart < entries[j].ChunkIDStart })
	return ownerIndex{entries: entries}
}

func (o ownerIndex) lookup(id uint64) (manifest.Entry, bool) {
	i := sort.Search(len(o.entries), func(i int) bool {
		return o.entries[i].ChunkIDStart > id
	})
	if i == 0 {
		return manifest.Entry{}, false
	}
	e := o.entries[i-1]
	if !e.Range().Contains(id) {
		return manifest.Entry{}, false
	}
	return e, true
}
