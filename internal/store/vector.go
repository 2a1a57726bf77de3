// Package store holds the two derived indexes of the corpus: an append-only
// vector store and a rebuildable BM25 lexical store. Both are keyed by chunk
// identifier, persist to a single file each and expose immutable views for
// lock-free readers.
package store

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/fsutil"
)

// Vector file layout, little endian:
//
//	magic   [4]byte "AVEC"
//	version uint16
//	metric  uint8   (0 cos, 1 l2)
//	flags   uint8   (bit 0: HNSW graph section follows the records)
//	dims    uint32
//	count   uint64
//	records count × (id uint64, dims × float32)
//	graph   coder/hnsw export, when flagged
const (
	vectorMagic   = "AVEC"
	vectorVersion = 1

	flagGraph = 1 << 0
)

// Supported distance metrics.
const (
	MetricCosine    = "cos"
	MetricEuclidean = "l2"
)

// VectorConfig configures a VectorStore.
type VectorConfig struct {
	Dimensions int
	Metric     string

	// Approximate enables the HNSW graph. Exact flat search otherwise.
	Approximate bool
	M           int
	EfSearch    int
}

func (c *VectorConfig) applyDefaults() {
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	if c.M == 0 {
		c.M = 16
	}
	if c.EfSearch == 0 {
		c.EfSearch = 20
	}
}

func (c VectorConfig) metricByte() uint8 {
	if c.Metric == MetricEuclidean {
		return 1
	}
	return 0
}

func (c VectorConfig) distance() hnsw.DistanceFunc {
	if c.Metric == MetricEuclidean {
		return hnsw.EuclideanDistance
	}
	return hnsw.CosineDistance
}

// VectorResult is one nearest-neighbour hit.
type VectorResult struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
	Score    float32 `json:"score"`
}

type vectorRecord struct {
	id  uint64
	vec []float32
}

// VectorStore is an append-only vector index keyed by chunk identifier.
// Identifiers must be added in strictly increasing order and are never
// removed; stale vectors are hidden by the caller's tombstone filter.
type VectorStore struct {
	mu      sync.RWMutex
	cfg     VectorConfig
	records []vectorRecord

	// graph is shared with views; graphMu guards it for all of them.
	graph   *hnsw.Graph[uint64]
	graphMu *sync.RWMutex
}

// NewVectorStore creates an empty store.
func NewVectorStore(cfg VectorConfig) (*VectorStore, error) {
	cfg.applyDefaults()
	if cfg.Dimensions <= 0 {
		return nil, amerrors.ValidationError(fmt.Sprintf("vector dimensions must be positive, got %d", cfg.Dimensions), nil)
	}
	if cfg.Metric != MetricCosine && cfg.Metric != MetricEuclidean {
		return nil, amerrors.ValidationError(fmt.Sprintf("unknown vector metric %q", cfg.Metric), nil)
	}

	s := &VectorStore{cfg: cfg, graphMu: &sync.RWMutex{}}
	if cfg.Approximate {
		s.graph = s.newGraph()
	}
	return s, nil
}

func (s *VectorStore) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = s.cfg.distance()
	g.M = s.cfg.M
	g.EfSearch = s.cfg.EfSearch
	g.Ml = 0.25
	return g
}

// Add appends vectors. Every id must exceed the last stored id and the batch
// must be strictly increasing. A failed call leaves the store unchanged.
func (s *VectorStore) Add(ids []uint64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return amerrors.ValidationError(fmt.Sprintf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors)), nil)
	}
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, hasLast := s.lastIDLocked()
	for i, id := range ids {
		if hasLast && id <= last {
			return amerrors.IdentifierOrder(last, id)
		}
		last, hasLast = id, true
		if len(vectors[i]) != s.cfg.Dimensions {
			return amerrors.DimensionMismatch(s.cfg.Dimensions, len(vectors[i]))
		}
	}

	added := make([]vectorRecord, len(ids))
	for i, id := range ids {
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		if s.cfg.Metric == MetricCosine {
			normalizeVectorInPlace(vec)
		}
		added[i] = vectorRecord{id: id, vec: vec}
	}

	if s.graph != nil {
		s.graphMu.Lock()
		for _, r := range added {
			s.graph.Add(hnsw.MakeNode(r.id, r.vec))
		}
		s.graphMu.Unlock()
	}
	s.records = append(s.records, added...)
	return nil
}

func (s *VectorStore) lastIDLocked() (uint64, bool) {
	if len(s.records) == 0 {
		return 0, false
	}
	return s.records[len(s.records)-1].id, true
}

// Size returns the number of stored vectors, including tombstoned ones.
func (s *VectorStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LastID returns the highest stored identifier.
func (s *VectorStore) LastID() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIDLocked()
}

// Dimensions returns the configured vector width.
func (s *VectorStore) Dimensions() int {
	return s.cfg.Dimensions
}

// Config returns the store configuration.
func (s *VectorStore) Config() VectorConfig {
	return s.cfg
}

// View returns an immutable read view of the current contents. Later
// appends are invisible to it.
func (s *VectorStore) View() *VectorView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.records)
	return &VectorView{
		cfg:     s.cfg,
		records: s.records[:n:n],
		graph:   s.graph,
		graphMu: s.graphMu,
	}
}

// Search returns the k nearest stored vectors.
func (s *VectorStore) Search(query []float32, k int) ([]VectorResult, error) {
	return s.View().Search(query, k, nil)
}

// Save writes the store to path atomically and returns the SHA-256 of the
// written file.
func (s *VectorStore) Save(path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := sha256.New()
	err := fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriterSize(io.MultiWriter(w, h), 64*1024)
		if err := s.encodeLocked(bw); err != nil {
			return err
		}
		return bw.Flush()
	})
	if err != nil {
		return "", amerrors.New(amerrors.ErrCodeFilePermission, "failed to write vector store", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *VectorStore) encodeLocked(w io.Writer) error {
	var flags uint8
	if s.graph != nil {
		flags |= flagGraph
	}

	header := make([]byte, 0, 20)
	header = append(header, vectorMagic...)
	header = binary.LittleEndian.AppendUint16(header, vectorVersion)
	header = append(header, s.cfg.metricByte(), flags)
	header = binary.LittleEndian.AppendUint32(header, uint32(s.cfg.Dimensions))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(s.records)))
	if _, err := w.Write(header); err != nil {
		return err
	}

	rec := make([]byte, 8+4*s.cfg.Dimensions)
	for _, r := range s.records {
		binary.LittleEndian.PutUint64(rec, r.id)
		for i, f := range r.vec {
			binary.LittleEndian.PutUint32(rec[8+4*i:], math.Float32bits(f))
		}
		if _, err := w.Write(rec); err != nil {
			return err
		}
	}

	if s.graph != nil {
		s.graphMu.RLock()
		defer s.graphMu.RUnlock()
		if err := s.graph.Export(w); err != nil {
			return fmt.Errorf("export graph: %w", err)
		}
	}
	return nil
}

// Load replaces the store contents with the file at path. wantDigest is
// verified before decoding; an empty wantDigest with a missing file yields
// an empty store.
func (s *VectorStore) Load(path, wantDigest string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if wantDigest != "" {
			return amerrors.New(amerrors.ErrCodeCorruptIndex, "vector store file is missing", err)
		}
		s.reset(nil, nil)
		return nil
	}

	got, err := fsutil.FileDigest(path)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeFilePermission, "failed to read vector store", err)
	}
	if wantDigest != "" && got != wantDigest {
		return amerrors.New(amerrors.ErrCodeCorruptIndex, "vector store digest mismatch", nil).
			WithDetail("expected", wantDigest).
			WithDetail("actual", got)
	}

	f, err := os.Open(path)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeFilePermission, "failed to open vector store", err)
	}
	defer func() { _ = f.Close() }()

	records, graph, err := s.decode(bufio.NewReaderSize(f, 64*1024))
	if err != nil {
		return amerrors.New(amerrors.ErrCodeCorruptIndex, "failed to decode vector store", err)
	}
	s.reset(records, graph)
	return nil
}

func (s *VectorStore) reset(records []vectorRecord, graph *hnsw.Graph[uint64]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Approximate && graph == nil {
		graph = s.newGraph()
		for _, r := range records {
			graph.Add(hnsw.MakeNode(r.id, r.vec))
		}
	}
	if !s.cfg.Approximate {
		graph = nil
	}
	s.records = records
	s.graph = graph
	// views taken before the reset keep the old lock and graph
	s.graphMu = &sync.RWMutex{}
}

func (s *VectorStore) decode(r *bufio.Reader) ([]vectorRecord, *hnsw.Graph[uint64], error) {
	header := make([]byte, 20)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if string(header[:4]) != vectorMagic {
		return nil, nil, fmt.Errorf("bad magic %q", header[:4])
	}
	if v := binary.LittleEndian.Uint16(header[4:]); v != vectorVersion {
		return nil, nil, fmt.Errorf("unsupported vector file version %d", v)
	}
	if header[6] != s.cfg.metricByte() {
		return nil, nil, fmt.Errorf("vector file metric does not match configured %s", s.cfg.Metric)
	}
	flags := header[7]
	dims := int(binary.LittleEndian.Uint32(header[8:]))
	if dims != s.cfg.Dimensions {
		return nil, nil, amerrors.DimensionMismatch(s.cfg.Dimensions, dims)
	}
	count := binary.LittleEndian.Uint64(header[12:])

	rec := make([]byte, 8+4*dims)
	records := make([]vectorRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, nil, fmt.Errorf("read record %d: %w", i, err)
		}
		id := binary.LittleEndian.Uint64(rec)
		if n := len(records); n > 0 && id <= records[n-1].id {
			return nil, nil, fmt.Errorf("record %d: identifier %d out of order", i, id)
		}
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(rec[8+4*j:]))
		}
		records = append(records, vectorRecord{id: id, vec: vec})
	}

	if flags&flagGraph == 0 || !s.cfg.Approximate {
		return records, nil, nil
	}
	g := s.newGraph()
	if err := g.Import(r); err != nil {
		return nil, nil, fmt.Errorf("import graph: %w", err)
	}
	if g.Len() != len(records) {
		return nil, nil, fmt.Errorf("graph holds %d nodes, expected %d", g.Len(), len(records))
	}
	return records, g, nil
}

// Backup writes a full copy of the store to dst.
func (s *VectorStore) Backup(dst string) (string, error) {
	return s.Save(dst)
}

// Restore replaces the in-memory state with the copy at src.
func (s *VectorStore) Restore(src, digest string) error {
	return s.Load(src, digest)
}

// VectorView is an immutable prefix of a VectorStore.
type VectorView struct {
	cfg     VectorConfig
	records []vectorRecord
	graph   *hnsw.Graph[uint64]
	graphMu *sync.RWMutex
}

// Size returns the number of vectors visible to the view.
func (v *VectorView) Size() int {
	if v == nil {
		return 0
	}
	return len(v.records)
}

// Contains reports whether id is stored in the view.
func (v *VectorView) Contains(id uint64) bool {
	_, ok := v.find(id)
	return ok
}

// Vector returns a copy of the stored (normalized) vector for id.
func (v *VectorView) Vector(id uint64) ([]float32, bool) {
	i, ok := v.find(id)
	if !ok {
		return nil, false
	}
	return append([]float32(nil), v.records[i].vec...), true
}

// IDs returns all identifiers visible to the view in ascending order.
func (v *VectorView) IDs() []uint64 {
	if v == nil {
		return nil
	}
	ids := make([]uint64, len(v.records))
	for i, r := range v.records {
		ids[i] = r.id
	}
	return ids
}

func (v *VectorView) find(id uint64) (int, bool) {
	if v == nil {
		return 0, false
	}
	i := sort.Search(len(v.records), func(i int) bool { return v.records[i].id >= id })
	return i, i < len(v.records) && v.records[i].id == id
}

// Search returns up to k hits ordered by distance. skip, when set, hides
// identifiers such as tombstoned chunks.
func (v *VectorView) Search(query []float32, k int, skip func(uint64) bool) ([]VectorResult, error) {
	if v == nil || k <= 0 || len(v.records) == 0 {
		return []VectorResult{}, nil
	}
	if len(query) != v.cfg.Dimensions {
		return nil, amerrors.DimensionMismatch(v.cfg.Dimensions, len(query))
	}

	q := make([]float32, len(query))
	copy(q, query)
	if v.cfg.Metric == MetricCosine {
		normalizeVectorInPlace(q)
	}

	if v.graph != nil {
		return v.searchGraph(q, k, skip), nil
	}
	return v.searchExact(q, k, skip), nil
}

func (v *VectorView) searchExact(q []float32, k int, skip func(uint64) bool) []VectorResult {
	dist := v.cfg.distance()
	results := make([]VectorResult, 0, len(v.records))
	for _, r := range v.records {
		if skip != nil && skip(r.id) {
			continue
		}
		d := dist(q, r.vec)
		results = append(results, VectorResult{ID: r.id, Distance: d, Score: distanceToScore(d, v.cfg.Metric)})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func (v *VectorView) searchGraph(q []float32, k int, skip func(uint64) bool) []VectorResult {
	v.graphMu.RLock()
	defer v.graphMu.RUnlock()

	watermark := v.records[len(v.records)-1].id
	total := v.graph.Len()
	hidden := total - len(v.records)
	dist := v.cfg.distance()

	// widen the candidate set until k visible hits are found or the
	// graph is exhausted
	for want := k + hidden; ; want *= 2 {
		nodes := v.graph.Search(q, want)
		results := make([]VectorResult, 0, len(nodes))
		for _, n := range nodes {
			if n.Key > watermark || (skip != nil && skip(n.Key)) {
				continue
			}
			d := dist(q, n.Value)
			results = append(results, VectorResult{ID: n.Key, Distance: d, Score: distanceToScore(d, v.cfg.Metric)})
		}
		if len(results) >= k || want >= total {
			sortResults(results)
			if len(results) > k {
				results = results[:k]
			}
			return results
		}
	}
}

func sortResults(results []VectorResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
}

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore converts a distance to a similarity score in [0, 1].
// Cosine distance ranges 0-2; L2 distance is unbounded.
func distanceToScore(distance float32, metric string) float32 {
	if metric == MetricEuclidean {
		return 1.0 / (1.0 + distance)
	}
	return 1.0 - distance/2.0
}

// ReadVectorHeader reads the dimensions and record count of a vector file
// without loading it.
func ReadVectorHeader(path string) (dims int, count uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, 20)
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, 0, fmt.Errorf("read header: %w", err)
	}
	if string(header[:4]) != vectorMagic {
		return 0, 0, fmt.Errorf("not a vector store file")
	}
	return int(binary.LittleEndian.Uint32(header[8:])), binary.LittleEndian.Uint64(header[12:]), nil
}
