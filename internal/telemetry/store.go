package telemetry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// FileName is the telemetry database inside the state directory.
const FileName = "telemetry.db"

// maxZeroResultRows bounds the zero_result_queries table.
const maxZeroResultRows = 100

const schema = `
CREATE TABLE IF NOT EXISTS query_totals (
	date        TEXT PRIMARY KEY,
	total       INTEGER NOT NULL DEFAULT 0,
	zero_result INTEGER NOT NULL DEFAULT 0,
	degraded    INTEGER NOT NULL DEFAULT 0,
	repeats     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS query_domain_stats (
	date   TEXT NOT NULL,
	domain TEXT NOT NULL,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, domain)
);

CREATE TABLE IF NOT EXISTS query_terms (
	term      TEXT PRIMARY KEY,
	count     INTEGER NOT NULL DEFAULT 0,
	last_seen TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

CREATE TABLE IF NOT EXISTS zero_result_queries (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	query     TEXT NOT NULL,
	domain    TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS query_latency_stats (
	date   TEXT NOT NULL,
	bucket TEXT NOT NULL,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, bucket)
);
`

// SQLiteStore persists query metrics in a SQLite database of its own,
// separate from the index files.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// the server and one-shot CLI searches may write concurrently
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveBatch adds a batch's counters to the daily aggregates in one
// transaction.
func (s *SQLiteStore) SaveBatch(b *Batch) (err error) {
	if b == nil || b.empty() {
		return nil
	}
	date := b.Date
	if date == "" {
		date = time.Now().Format(time.DateOnly)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec(`
		INSERT INTO query_totals (date, total, zero_result, degraded, repeats)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total = total + excluded.total,
			zero_result = zero_result + excluded.zero_result,
			degraded = degraded + excluded.degraded,
			repeats = repeats + excluded.repeats
	`, date, b.Total, b.ZeroResults, b.Degraded, b.Repeats); err != nil {
		return fmt.Errorf("save totals: %w", err)
	}

	for domain, n := range b.Domains {
		if _, err = tx.Exec(`
			INSERT INTO query_domain_stats (date, domain, count) VALUES (?, ?, ?)
			ON CONFLICT(date, domain) DO UPDATE SET count = count + excluded.count
		`, date, domain, n); err != nil {
			return fmt.Errorf("save domain count: %w", err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for term, n := range b.Terms {
		if _, err = tx.Exec(`
			INSERT INTO query_terms (term, count, last_seen) VALUES (?, ?, ?)
			ON CONFLICT(term) DO UPDATE SET count = count + excluded.count, last_seen = excluded.last_seen
		`, term, n, now); err != nil {
			return fmt.Errorf("save term count: %w", err)
		}
	}

	for bucket, n := range b.Latencies {
		if _, err = tx.Exec(`
			INSERT INTO query_latency_stats (date, bucket, count) VALUES (?, ?, ?)
			ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count
		`, date, string(bucket), n); err != nil {
			return fmt.Errorf("save latency count: %w", err)
		}
	}

	for _, e := range b.ZeroQueries {
		if _, err = tx.Exec(`INSERT INTO zero_result_queries (query, domain, timestamp) VALUES (?, ?, ?)`,
			e.Query, e.Domain, e.Timestamp.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("save zero-result query: %w", err)
		}
	}
	if len(b.ZeroQueries) > 0 {
		if _, err = tx.Exec(`
			DELETE FROM zero_result_queries
			WHERE id NOT IN (SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)
		`, maxZeroResultRows); err != nil {
			return fmt.Errorf("trim zero-result queries: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Summary aggregates everything recorded on or after since. limit caps
// the top terms and zero-result queries.
func (s *SQLiteStore) Summary(since time.Time, limit int) (*Summary, error) {
	if limit <= 0 {
		limit = 10
	}
	from := since.Format(time.DateOnly)
	out := &Summary{
		DomainCounts:        make(map[string]int64),
		TopTerms:            []TermCount{},
		ZeroResultQueries:   []string{},
		LatencyDistribution: make(map[LatencyBucket]int64),
		Since:               since,
	}

	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(total), 0), COALESCE(SUM(zero_result), 0),
		       COALESCE(SUM(degraded), 0), COALESCE(SUM(repeats), 0)
		FROM query_totals WHERE date >= ?
	`, from)
	if err := row.Scan(&out.TotalQueries, &out.ZeroResultCount, &out.DegradedCount, &out.RepeatCount); err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}

	if err := s.scanCounts(`
		SELECT domain, SUM(count) FROM query_domain_stats WHERE date >= ? GROUP BY domain
	`, from, func(k string, n int64) { out.DomainCounts[k] = n }); err != nil {
		return nil, fmt.Errorf("query domain counts: %w", err)
	}
	if err := s.scanCounts(`
		SELECT bucket, SUM(count) FROM query_latency_stats WHERE date >= ? GROUP BY bucket
	`, from, func(k string, n int64) { out.LatencyDistribution[LatencyBucket(k)] = n }); err != nil {
		return nil, fmt.Errorf("query latency counts: %w", err)
	}

	// term counts are cumulative, not per day
	rows, err := s.db.Query(`SELECT term, count FROM query_terms ORDER BY count DESC, term LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan term: %w", err)
		}
		out.TopTerms = append(out.TopTerms, tc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}

	rows, err = s.db.Query(`
		SELECT query FROM zero_result_queries WHERE timestamp >= ? ORDER BY id DESC LIMIT ?
	`, since.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("query zero-result queries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan zero-result query: %w", err)
		}
		out.ZeroResultQueries = append(out.ZeroResultQueries, q)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanCounts(query, from string, fn func(string, int64)) error {
	rows, err := s.db.Query(query, from)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int64
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, n)
	}
	return rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
