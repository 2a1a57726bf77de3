// Package telemetry records query patterns for tuning retrieval.
// Everything stays on local disk; nothing is reported anywhere.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// Buckets lists the histogram buckets in ascending order.
var Buckets = []LatencyBucket{BucketP10, BucketP50, BucketP100, BucketP500, BucketP1000}

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch ms := d.Milliseconds(); {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// AllDomains is the key for queries that were not restricted to a domain.
const AllDomains = "*"

// QueryEvent is one completed search.
type QueryEvent struct {
	Query       string
	Domain      string
	ResultCount int
	// Degraded names the retrieval source that failed, if any.
	Degraded  string
	Latency   time.Duration
	Timestamp time.Time
}

// IsZeroResult reports whether the query returned nothing.
func (e QueryEvent) IsZeroResult() bool {
	return e.ResultCount == 0
}

func (e QueryEvent) domainKey() string {
	if e.Domain == "" {
		return AllDomains
	}
	return e.Domain
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry.
type ring[T any] struct {
	items []T
	next  int
	full  bool
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) add(v T) {
	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

// newestFirst returns the contents, most recent first.
func (r *ring[T]) newestFirst() []T {
	n := r.next
	if r.full {
		n = len(r.items)
	}
	out := make([]T, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.items[(r.next-i+len(r.items))%len(r.items)])
	}
	return out
}

// ExtractTerms lowercases the query and keeps words of three or more bytes.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, `.,;:!?"'()[]{}`)
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount is a term and how often it was queried.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Summary aggregates query metrics over a period.
type Summary struct {
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	DegradedCount       int64                   `json:"degraded_count"`
	RepeatCount         int64                   `json:"repeat_count"`
	DomainCounts        map[string]int64        `json:"domain_counts"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the share of queries that found nothing.
func (s *Summary) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// RepeatRate returns the share of queries seen before, in [0,1].
func (s *Summary) RepeatRate() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.RepeatCount) / float64(s.TotalQueries)
}

// Batch is the set of counters accumulated since the last flush.
type Batch struct {
	Date        string
	Total       int64
	ZeroResults int64
	Degraded    int64
	Repeats     int64
	Domains     map[string]int64
	Terms       map[string]int64
	Latencies   map[LatencyBucket]int64
	ZeroQueries []QueryEvent
}

func newBatch() *Batch {
	return &Batch{
		Domains:   make(map[string]int64),
		Terms:     make(map[string]int64),
		Latencies: make(map[LatencyBucket]int64),
	}
}

func (b *Batch) empty() bool {
	return b.Total == 0
}

// Store persists flushed batches.
type Store interface {
	SaveBatch(b *Batch) error
	Summary(since time.Time, limit int) (*Summary, error)
	Close() error
}

// Config tunes the collector.
type Config struct {
	TopTermsCapacity    int           // terms tracked in memory (default 100)
	ZeroResultsCapacity int           // recent zero-result queries kept (default 50)
	RecentQueries       int           // window for repeat detection (default 500)
	FlushInterval       time.Duration // 0 disables the background flush
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		TopTermsCapacity:    100,
		ZeroResultsCapacity: 50,
		RecentQueries:       500,
		FlushInterval:       time.Minute,
	}
}

// QueryMetrics collects search telemetry. It is safe for concurrent use.
type QueryMetrics struct {
	mu sync.Mutex

	domains     map[string]int64
	terms       *lru.Cache[string, int64]
	zeroResults *ring[string]
	latencies   map[LatencyBucket]int64
	recent      *lru.Cache[string, struct{}]
	total       int64
	zeroCount   int64
	degraded    int64
	repeats     int64
	since       time.Time

	pending *Batch
	store   Store
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

// NewQueryMetrics creates a collector. A nil store keeps metrics in memory.
func NewQueryMetrics(store Store, cfg Config) *QueryMetrics {
	def := DefaultConfig()
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = def.TopTermsCapacity
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = def.ZeroResultsCapacity
	}
	if cfg.RecentQueries <= 0 {
		cfg.RecentQueries = def.RecentQueries
	}
	terms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueries)

	m := &QueryMetrics{
		domains:     make(map[string]int64),
		terms:       terms,
		zeroResults: newRing[string](cfg.ZeroResultsCapacity),
		latencies:   make(map[LatencyBucket]int64),
		recent:      recent,
		since:       time.Now(),
		pending:     newBatch(),
		store:       store,
	}
	if store != nil && cfg.FlushInterval > 0 {
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.flushLoop(cfg.FlushInterval)
	}
	return m
}

func (m *QueryMetrics) flushLoop(interval time.Duration) {
	defer close(m.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = m.Flush()
		case <-m.stop:
			return
		}
	}
}

// Record adds one query.
func (m *QueryMetrics) Record(e QueryEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	normalized := strings.Join(strings.Fields(strings.ToLower(e.Query)), " ")
	terms := ExtractTerms(e.Query)
	bucket := LatencyToBucket(e.Latency)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	p := m.pending

	m.total++
	p.Total++
	m.domains[e.domainKey()]++
	p.Domains[e.domainKey()]++
	m.latencies[bucket]++
	p.Latencies[bucket]++

	for _, t := range terms {
		n, _ := m.terms.Get(t)
		m.terms.Add(t, n+1)
		p.Terms[t]++
	}
	if e.IsZeroResult() {
		m.zeroCount++
		p.ZeroResults++
		m.zeroResults.add(e.Query)
		p.ZeroQueries = append(p.ZeroQueries, e)
	}
	if e.Degraded != "" {
		m.degraded++
		p.Degraded++
	}
	if _, seen := m.recent.Get(normalized); seen {
		m.repeats++
		p.Repeats++
	}
	m.recent.Add(normalized, struct{}{})
}

// Snapshot returns the in-memory totals since the collector started.
func (m *QueryMetrics) Snapshot() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Summary{
		TotalQueries:        m.total,
		ZeroResultCount:     m.zeroCount,
		DegradedCount:       m.degraded,
		RepeatCount:         m.repeats,
		DomainCounts:        make(map[string]int64, len(m.domains)),
		TopTerms:            make([]TermCount, 0, m.terms.Len()),
		ZeroResultQueries:   m.zeroResults.newestFirst(),
		LatencyDistribution: make(map[LatencyBucket]int64, len(m.latencies)),
		Since:               m.since,
	}
	for k, v := range m.domains {
		s.DomainCounts[k] = v
	}
	for k, v := range m.latencies {
		s.LatencyDistribution[k] = v
	}
	for _, k := range m.terms.Keys() {
		if n, ok := m.terms.Peek(k); ok {
			s.TopTerms = append(s.TopTerms, TermCount{Term: k, Count: n})
		}
	}
	SortTerms(s.TopTerms)
	return s
}

// SortTerms orders by count descending, then term.
func SortTerms(terms []TermCount) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
}

// Flush writes the counters accumulated since the previous flush. On a
// store error the batch is kept and retried on the next flush.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	b := m.pending
	if b.empty() {
		m.mu.Unlock()
		return nil
	}
	m.pending = newBatch()
	m.mu.Unlock()

	b.Date = time.Now().Format(time.DateOnly)
	if err := m.store.SaveBatch(b); err != nil {
		m.mu.Lock()
		m.pending = merge(b, m.pending)
		m.mu.Unlock()
		return err
	}
	return nil
}

func merge(into, from *Batch) *Batch {
	into.Total += from.Total
	into.ZeroResults += from.ZeroResults
	into.Degraded += from.Degraded
	into.Repeats += from.Repeats
	for k, v := range from.Domains {
		into.Domains[k] += v
	}
	for k, v := range from.Terms {
		into.Terms[k] += v
	}
	for k, v := range from.Latencies {
		into.Latencies[k] += v
	}
	into.ZeroQueries = append(into.ZeroQueries, from.ZeroQueries...)
	return into
}

// Close stops the background flush and writes what is pending. The store
// is closed as well.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.stop != nil {
		close(m.stop)
		<-m.done
	}
	if m.store == nil {
		return nil
	}
	err := m.Flush()
	if cerr := m.store.Close(); err == nil {
		err = cerr
	}
	return err
}
