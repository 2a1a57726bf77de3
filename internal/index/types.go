package index

import (
	"context"
	"fmt"
	"time"

	"github.com/Aman-CERP/amanrag/internal/detect"
	"github.com/Aman-CERP/amanrag/internal/manifest"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// State is the coordinator's position in the update cycle.
type State int32

const (
	StateIdle State = iota
	StateDetecting
	StateBackingUp
	StateIngesting
	StateCommitting
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateBackingUp:
		return "backing_up"
	case StateIngesting:
		return "ingesting"
	case StateCommitting:
		return "committing"
	case StateRollingBack:
		return "rolling_back"
	default:
		return "unknown"
	}
}

// Unit is one chunk produced by the chunking and embedding collaborator.
type Unit struct {
	Text   string
	Vector []float32
}

// ChunkEmbedder turns a source file into embedded chunks. path is absolute.
type ChunkEmbedder interface {
	ChunkAndEmbed(ctx context.Context, path, domain string) ([]Unit, error)
	Dimensions() int
}

// ChunkEstimator is optionally implemented by a ChunkEmbedder to give
// dry runs a better estimate than the size heuristic.
type ChunkEstimator interface {
	EstimateChunks(ctx context.Context, path string, size int64) (int, error)
}

// Tokenizer produces lexical terms. The same tokenizer must serve queries.
type Tokenizer interface {
	Tokenize(text string) []string
}

// Event is a progress notification emitted during a cycle.
type Event struct {
	CycleID string `json:"cycle_id"`
	Stage   string `json:"stage"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`
}

// ReloadOptions controls one reload call.
type ReloadOptions struct {
	// DryRun detects and estimates without backing up or mutating anything.
	DryRun bool

	// Full re-ingests every source file into fresh stores, overriding
	// incremental mode for this call.
	Full bool

	// Progress receives events synchronously. It must not block for long.
	Progress func(Event)
}

// FileError records a per-file failure.
type FileError struct {
	Path    string `json:"path"`
	Stage   string `json:"stage"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e FileError) String() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Stage, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Path, e.Message)
}

// Result describes a completed (or failed) cycle.
type Result struct {
	CycleID     string         `json:"cycle_id"`
	Success     bool           `json:"success"`
	DryRun      bool           `json:"dry_run"`
	Full        bool           `json:"full"`
	Summary     detect.Summary `json:"summary"`
	ChunksAdded int            `json:"chunks_added"`

	// EstimatedChunks is set by dry runs.
	EstimatedChunks int             `json:"estimated_chunks,omitempty"`
	Changes         []detect.Change `json:"changes,omitempty"`

	Errors     []FileError              `json:"errors,omitempty"`
	Generation uint64                   `json:"generation"`
	SnapshotID string                   `json:"snapshot_id,omitempty"`
	Duration   time.Duration            `json:"duration"`
	Stages     map[string]time.Duration `json:"stages,omitempty"`
}

// CycleError is returned by a failed cycle. It wraps the coded cause.
// When the rollback itself fails, Err is the restore failure and Cause is
// the error that started the rollback, reported at CauseStage.
type CycleError struct {
	CycleID string
	Stage   State
	Path    string
	Err     error

	CauseStage State
	Cause      error
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Err)
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s: %v", e.Stage, e.Path, e.Err)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (rolling back after %s: %v)", e.CauseStage, e.Cause)
	}
	return msg
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// Snapshot is the committed state readers query. It is never modified
// after publication; Manifest must be treated as read-only.
type Snapshot struct {
	Manifest    *manifest.Manifest
	Vectors     *store.VectorView
	Lexical     *store.LexicalView
	Tombstones  *manifest.TombstoneSet
	Generation  uint64
	CommittedAt time.Time
}

// Hidden reports whether id is tombstoned in this snapshot.
func (s *Snapshot) Hidden(id uint64) bool {
	return s.Tombstones.Contains(id)
}

// Status summarizes the coordinator for status surfaces.
type Status struct {
	State       string         `json:"state"`
	Halted      bool           `json:"halted"`
	Generation  uint64         `json:"generation"`
	CommittedAt time.Time      `json:"committed_at"`
	Manifest    manifest.Stats `json:"manifest"`
	Vectors     int            `json:"vectors"`
	Lexical     int            `json:"lexical_documents"`
	SourceDir   string         `json:"source_dir"`
}
