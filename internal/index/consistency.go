package index

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// InconsistencyType categorizes detected issues.
type InconsistencyType int

const (
	// InconsistencyCountMismatch indicates total_chunk_count differs from the vector store size.
	InconsistencyCountMismatch InconsistencyType = iota
	// InconsistencyMissingVector indicates a live chunk absent from the vector store.
	InconsistencyMissingVector
	// InconsistencyMissingLexical indicates a live chunk absent from the lexical store.
	InconsistencyMissingLexical
	// InconsistencyTombstonedLexical indicates a tombstoned chunk still searchable lexically.
	InconsistencyTombstonedLexical
	// InconsistencyOrphanLexical indicates a lexical document owned by no manifest range.
	InconsistencyOrphanLexical
)

// String returns a human-readable description of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyCountMismatch:
		return "count_mismatch"
	case InconsistencyMissingVector:
		return "missing_vector"
	case InconsistencyMissingLexical:
		return "missing_lexical"
	case InconsistencyTombstonedLexical:
		return "tombstoned_lexical"
	case InconsistencyOrphanLexical:
		return "orphan_lexical"
	default:
		return "unknown"
	}
}

// Inconsistency represents a detected cross-store issue.
type Inconsistency struct {
	Type    InconsistencyType `json:"type"`
	ChunkID uint64            `json:"chunk_id"`
	Path    string            `json:"path,omitempty"`
	Details string            `json:"details"`
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of live chunks verified.
	Checked int `json:"checked"`
	// Inconsistencies contains all detected issues.
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	// Duration is how long the check took.
	Duration time.Duration `json:"duration"`
}

// OK reports whether no issues were found.
func (r *CheckResult) OK() bool {
	return len(r.Inconsistencies) == 0
}

// Check verifies the live snapshot: the chunk count matches the vector
// store, every live chunk is in both stores, and no tombstoned or unowned
// chunk is in the lexical store.
func (c *Coordinator) Check() *CheckResult {
	return CheckSnapshot(c.Live(), c.logger)
}

// CheckSnapshot runs the consistency check over one snapshot.
// This is O(n) in the number of chunks.
func CheckSnapshot(s *Snapshot, logger *slog.Logger) *CheckResult {
	start := time.Now()
	var issues []Inconsistency

	if got, want := uint64(s.Vectors.Size()), s.Manifest.TotalChunkCount; got != want {
		issues = append(issues, Inconsistency{
			Type:    InconsistencyCountMismatch,
			Details: fmt.Sprintf("vector store holds %d vectors, manifest records %d", got, want),
		})
	}

	live := make(map[uint64]string)
	for _, e := range s.Manifest.LiveEntries() {
		for _, id := range e.Range().IDs() {
			live[id] = e.Path
		}
	}

	for id, path := range live {
		if !s.Vectors.Contains(id) {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyMissingVector,
				ChunkID: id,
				Path:    path,
				Details: "live chunk missing from vector store",
			})
		}
		if !s.Lexical.Contains(id) {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyMissingLexical,
				ChunkID: id,
				Path:    path,
				Details: "live chunk missing from lexical store",
			})
		}
	}

	for _, id := range s.Lexical.IDs() {
		switch {
		case s.Tombstones.Contains(id):
			issues = append(issues, Inconsistency{
				Type:    InconsistencyTombstonedLexical,
				ChunkID: id,
				Details: "tombstoned chunk present in lexical store",
			})
		case live[id] == "":
			issues = append(issues, Inconsistency{
				Type:    InconsistencyOrphanLexical,
				ChunkID: id,
				Details: "lexical document not owned by any manifest entry",
			})
		}
	}

	sortInconsistencies(issues)
	if len(issues) > 0 && logger != nil {
		logger.Warn("consistency_check_failed",
			slog.Int("issues", len(issues)),
			slog.Int("checked", len(live)))
	}
	return &CheckResult{
		Checked:         len(live),
		Inconsistencies: issues,
		Duration:        time.Since(start),
	}
}

func sortInconsistencies(issues []Inconsistency) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Type != issues[j].Type {
			return issues[i].Type < issues[j].Type
		}
		return issues[i].ChunkID < issues[j].ChunkID
	})
}
