package store

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
)

// LexicalParams are the BM25 scoring parameters.
type LexicalParams struct {
	K1 float64 `json:"k1"`
	B  float64 `json:"b"`
}

// DefaultLexicalParams returns K1=1.2, B=0.75.
func DefaultLexicalParams() LexicalParams {
	return LexicalParams{K1: 1.2, B: 0.75}
}

// LexicalDoc is one indexed chunk.
type LexicalDoc struct {
	ID     uint64
	Domain string
	Tokens []string
	Text   string
}

// LexicalResult is one BM25 hit.
type LexicalResult struct {
	ID    uint64  `json:"id"`
	Score float64 `json:"score"`
}

// LexicalStats describes a generation.
type LexicalStats struct {
	Documents  int     `json:"documents"`
	Terms      int     `json:"terms"`
	AvgDocLen  float64 `json:"avg_doc_len"`
	Generation uint64  `json:"generation"`
}

// LexicalView is an immutable BM25 generation backed by an in-memory bleve
// index. All statistics are computed from the complete document set when
// the generation is built.
type LexicalView struct {
	seq    uint64
	params LexicalParams
	docs   map[uint64]*LexicalDoc
	ids    []uint64
	index  bleve.Index
	stats  *search.BM25Stats
	terms  int
	avgLen float64
}

// lexicalFields is the bleve document for one chunk.
type lexicalFields struct {
	Content string `json:"content"`
	Domain  string `json:"domain"`
}

func buildGeneration(seq uint64, params LexicalParams, docs map[uint64]*LexicalDoc) (*LexicalView, error) {
	g := &LexicalView{
		seq:    seq,
		params: params,
		docs:   docs,
		ids:    make([]uint64, 0, len(docs)),
	}

	im, err := newLexicalMapping()
	if err != nil {
		return nil, err
	}
	idx, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("create lexical index: %w", err)
	}

	var total int
	distinct := make(map[string]struct{})
	batch := idx.NewBatch()
	for id, d := range docs {
		g.ids = append(g.ids, id)
		total += len(d.Tokens)
		for _, t := range d.Tokens {
			distinct[t] = struct{}{}
		}
		fields := lexicalFields{Content: strings.Join(d.Tokens, termSeparator), Domain: d.Domain}
		if err := batch.Index(docKey(id), fields); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("index lexical document %d: %w", id, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("build lexical generation: %w", err)
	}
	sort.Slice(g.ids, func(i, j int) bool { return g.ids[i] < g.ids[j] })

	if len(docs) > 0 {
		g.avgLen = float64(total) / float64(len(docs))
	}
	g.terms = len(distinct)
	g.index = idx
	// the in-memory index cannot report field lengths, so the corpus
	// statistics travel with every request
	g.stats = &search.BM25Stats{
		DocCount:         float64(len(docs)),
		FieldCardinality: map[string]int{contentField: total, domainField: len(docs)},
	}
	// readers may still hold older generations; close each one once it is
	// unreachable so bleve's index registry does not grow without bound
	runtime.AddCleanup(g, func(idx bleve.Index) { _ = idx.Close() }, idx)
	return g, nil
}

func docKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Len returns the number of documents.
func (g *LexicalView) Len() int {
	if g == nil {
		return 0
	}
	return len(g.ids)
}

// Generation returns the build sequence number.
func (g *LexicalView) Generation() uint64 {
	if g == nil {
		return 0
	}
	return g.seq
}

// Doc returns the document for id.
func (g *LexicalView) Doc(id uint64) (LexicalDoc, bool) {
	if g == nil {
		return LexicalDoc{}, false
	}
	d, ok := g.docs[id]
	if !ok {
		return LexicalDoc{}, false
	}
	return *d, true
}

// Contains reports whether id is indexed.
func (g *LexicalView) Contains(id uint64) bool {
	if g == nil {
		return false
	}
	_, ok := g.docs[id]
	return ok
}

// IDs returns all document ids in ascending order.
func (g *LexicalView) IDs() []uint64 {
	if g == nil {
		return nil
	}
	return append([]uint64(nil), g.ids...)
}

// Stats returns generation statistics.
func (g *LexicalView) Stats() LexicalStats {
	if g == nil {
		return LexicalStats{}
	}
	return LexicalStats{Documents: len(g.ids), Terms: g.terms, AvgDocLen: g.avgLen, Generation: g.seq}
}

// Search scores documents containing any query term. A non-empty domain
// filters matches without contributing to the score, so corpus statistics
// stay global. Equal scores are ordered by id.
func (g *LexicalView) Search(queryTokens []string, domain string, k int, skip func(uint64) bool) []LexicalResult {
	if g == nil || k <= 0 || len(queryTokens) == 0 || len(g.ids) == 0 {
		return []LexicalResult{}
	}

	seen := make(map[string]struct{}, len(queryTokens))
	terms := make([]query.Query, 0, len(queryTokens))
	for _, term := range queryTokens {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		tq := bleve.NewTermQuery(term)
		tq.SetField(contentField)
		terms = append(terms, tq)
	}

	var q query.Query = bleve.NewDisjunctionQuery(terms...)
	if domain != "" {
		dq := bleve.NewTermQuery(domain)
		dq.SetField(domainField)
		bq := bleve.NewBooleanQuery()
		bq.AddMust(q)
		bq.AddFilter(dq)
		q = bq
	}

	// every match is collected: hidden ids are dropped afterwards and ties
	// are ordered numerically, which bleve's string ids cannot do
	req := bleve.NewSearchRequestOptions(q, len(g.ids), 0, false)
	req.PreSearchData = map[string]interface{}{search.BM25PreSearchDataKey: g.stats}
	res, err := g.index.Search(req)
	if err != nil {
		return []LexicalResult{}
	}

	results := make([]LexicalResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseUint(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		if skip != nil && skip(id) {
			continue
		}
		results = append(results, LexicalResult{ID: id, Score: hit.Score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// LexicalStore is an in-memory BM25 index rebuilt in full on every change.
// Each change builds a new bleve index over the whole corpus; the
// documents themselves are what gets persisted.
// Readers hold a LexicalView and never block on writers.
type LexicalStore struct {
	mu      sync.Mutex
	params  LexicalParams
	current atomic.Pointer[LexicalView]
}

// NewLexicalStore creates an empty store and applies params to the BM25
// scorer.
func NewLexicalStore(params LexicalParams) (*LexicalStore, error) {
	useScoringParams(params)
	s := &LexicalStore{params: params}
	empty, err := buildGeneration(0, params, map[uint64]*LexicalDoc{})
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeCorruptIndex, "failed to create lexical index", err)
	}
	s.current.Store(empty)
	return s, nil
}

// Params returns the scoring parameters.
func (s *LexicalStore) Params() LexicalParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// View returns the current immutable generation.
func (s *LexicalStore) View() *LexicalView {
	return s.current.Load()
}

// Len returns the number of documents in the current generation.
func (s *LexicalStore) Len() int {
	return s.View().Len()
}

// Stats returns current generation statistics.
func (s *LexicalStore) Stats() LexicalStats {
	return s.View().Stats()
}

// Search queries the current generation.
func (s *LexicalStore) Search(queryTokens []string, domain string, k int) []LexicalResult {
	return s.View().Search(queryTokens, domain, k, nil)
}

// AddDocuments indexes documents and rebuilds. texts may be nil. Duplicate
// ids, within the batch or against the index, are rejected.
func (s *LexicalStore) AddDocuments(ids []uint64, tokens [][]string, domains []string, texts []string) error {
	if len(ids) != len(tokens) || len(ids) != len(domains) || (texts != nil && len(texts) != len(ids)) {
		return amerrors.ValidationError(fmt.Sprintf("lexical batch length mismatch: %d ids, %d token lists, %d domains, %d texts",
			len(ids), len(tokens), len(domains), len(texts)), nil)
	}
	docs := make([]LexicalDoc, len(ids))
	for i, id := range ids {
		docs[i] = LexicalDoc{ID: id, Domain: domains[i], Tokens: tokens[i]}
		if texts != nil {
			docs[i].Text = texts[i]
		}
	}
	return s.Update(docs, nil)
}

// RemoveDocuments drops ids and rebuilds. Unknown ids are ignored.
func (s *LexicalStore) RemoveDocuments(ids []uint64) error {
	return s.Update(nil, ids)
}

// Update removes then adds documents and publishes one new generation.
func (s *LexicalStore) Update(add []LexicalDoc, remove []uint64) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next := make(map[uint64]*LexicalDoc, len(cur.docs)+len(add))
	for id, d := range cur.docs {
		next[id] = d
	}
	for _, id := range remove {
		delete(next, id)
	}
	for i := range add {
		d := add[i]
		if _, dup := next[d.ID]; dup {
			return amerrors.ValidationError(fmt.Sprintf("lexical document %d already indexed", d.ID), nil)
		}
		d.Tokens = append([]string(nil), d.Tokens...)
		next[d.ID] = &d
	}

	g, err := buildGeneration(cur.seq+1, s.params, next)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeCorruptIndex, "failed to build lexical generation", err)
	}
	s.current.Store(g)
	return nil
}

// replace publishes docs as a fresh generation.
func (s *LexicalStore) replace(docs map[uint64]*LexicalDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := buildGeneration(s.current.Load().seq+1, s.params, docs)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeCorruptIndex, "failed to build lexical generation", err)
	}
	s.current.Store(g)
	return nil
}
