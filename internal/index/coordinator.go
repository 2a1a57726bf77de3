// Package index runs the atomic update cycle over the manifest, the vector
// store and the lexical store.
//
// A single writer moves through detecting, backing up, ingesting and
// committing. Readers query the last committed Snapshot and never block on
// the writer. Any failure after the backup is taken restores the pre-cycle
// files; if that restore fails the coordinator halts writes until an
// operator runs Recover.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/detect"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/manifest"
	"github.com/Aman-CERP/amanrag/internal/snapshot"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// Logical file names used inside backup snapshots.
const (
	fileManifest = "manifest.json"
	fileVectors  = "vectors.bin"
	fileLexical  = "lexical.db"
)

// LockFileName is the cross-process writer lock inside the state directory.
const LockFileName = "reload.lock"

// Config holds the resolved settings for a Coordinator.
type Config struct {
	SourceDir    string
	StateDir     string
	ManifestPath string
	VectorPath   string
	LexicalPath  string
	BackupDir    string

	Incremental bool
	// Strictness is config.StrictnessAbort or config.StrictnessSkip.
	Strictness string
	// BusyPolicy is config.BusyQueue or config.BusyReject.
	BusyPolicy string

	BackupRetention     int
	KeepBackupOnSuccess bool

	IngestTimeout         time.Duration
	IngestRetries         int
	EstimateBytesPerChunk int

	Detect  detect.Options
	Vector  store.VectorConfig
	Lexical store.LexicalParams
}

// ConfigFrom maps a resolved project configuration onto coordinator settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		SourceDir:             cfg.Source.Dir,
		StateDir:              cfg.State.Dir,
		ManifestPath:          cfg.State.ManifestPath,
		VectorPath:            cfg.State.VectorPath,
		LexicalPath:           cfg.State.LexicalPath,
		BackupDir:             cfg.State.BackupDir,
		Incremental:           cfg.Index.Incremental,
		Strictness:            cfg.Index.Strictness,
		BusyPolicy:            cfg.Reload.BusyPolicy,
		BackupRetention:       cfg.Backup.Retention,
		KeepBackupOnSuccess:   cfg.Backup.KeepOnSuccess,
		IngestTimeout:         cfg.IngestTimeout(),
		IngestRetries:         cfg.Ingest.Retries,
		EstimateBytesPerChunk: cfg.Ingest.EstimateBytesPerChunk,
		Detect: detect.Options{
			Ignore:        cfg.Source.Ignore,
			DefaultDomain: cfg.Source.DefaultDomain,
			MaxFileSize:   cfg.Source.MaxFileSize,
			Workers:       cfg.Detect.Workers,
			StateDir:      cfg.State.Dir,
		},
		Vector: store.VectorConfig{
			Dimensions:  cfg.Vector.Dimensions,
			Metric:      cfg.Vector.Metric,
			Approximate: cfg.Vector.Approximate,
			M:           cfg.Vector.M,
			EfSearch:    cfg.Vector.EfSearch,
		},
		Lexical: store.LexicalParams{K1: cfg.Lexical.K1, B: cfg.Lexical.B},
	}
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.SourceDir, config.DefaultStateDirName)
	}
	if c.ManifestPath == "" {
		c.ManifestPath = filepath.Join(c.StateDir, fileManifest)
	}
	if c.VectorPath == "" {
		c.VectorPath = filepath.Join(c.StateDir, fileVectors)
	}
	if c.LexicalPath == "" {
		c.LexicalPath = filepath.Join(c.StateDir, fileLexical)
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(c.StateDir, "backups")
	}
	if c.Strictness == "" {
		c.Strictness = config.StrictnessAbort
	}
	if c.BusyPolicy == "" {
		c.BusyPolicy = config.BusyQueue
	}
	if c.EstimateBytesPerChunk <= 0 {
		c.EstimateBytesPerChunk = 1200
	}
	if c.Lexical == (store.LexicalParams{}) {
		c.Lexical = store.DefaultLexicalParams()
	}
	if c.Detect.StateDir == "" {
		c.Detect.StateDir = c.StateDir
	}
}

// Dependencies are the collaborators a Coordinator needs.
type Dependencies struct {
	// Embedder chunks and embeds source files (required).
	Embedder ChunkEmbedder

	// Tokenizer produces lexical terms for chunks (required).
	Tokenizer Tokenizer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithCommitHook installs fn, called before each persisted write in the
// committing stage with "vector", "lexical" or "manifest". A non-nil error
// fails the write. Used for fault injection.
func WithCommitHook(fn func(target string) error) Option {
	return func(c *Coordinator) {
		c.commitHook = fn
	}
}

// WithClock replaces time.Now for ingestion and deletion timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator owns the persisted index and serializes update cycles.
type Coordinator struct {
	cfg       Config
	embedder  ChunkEmbedder
	tokenizer Tokenizer
	logger    *slog.Logger

	detector  *detect.Detector
	manifests *manifest.Store
	snapshots *snapshot.Manager
	fileLock  *flock.Flock

	commitHook func(string) error
	now        func() time.Time

	// sem admits one cycle at a time; a channel so queued callers can
	// give up when their context ends.
	sem chan struct{}

	// vectors and lexical are owned by the cycle holding sem.
	vectors *store.VectorStore
	lexical *store.LexicalStore

	live   atomic.Pointer[Snapshot]
	state  atomic.Int32
	halted atomic.Bool

	haltMu    sync.Mutex
	haltCause error
}

// Open loads the persisted index, recovering from a snapshot when the
// stores do not match the manifest, and returns a ready Coordinator.
func Open(cfg Config, deps Dependencies, opts ...Option) (*Coordinator, error) {
	if deps.Embedder == nil {
		return nil, fmt.Errorf("chunk embedder is required")
	}
	if deps.Tokenizer == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	cfg.applyDefaults()
	if cfg.SourceDir == "" {
		return nil, amerrors.ValidationError("source directory is required", nil)
	}
	if d := deps.Embedder.Dimensions(); d != cfg.Vector.Dimensions {
		return nil, amerrors.DimensionMismatch(cfg.Vector.Dimensions, d)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, amerrors.New(amerrors.ErrCodeFilePermission, "failed to create state directory", err)
	}

	c := &Coordinator{
		cfg:       cfg,
		embedder:  deps.Embedder,
		tokenizer: deps.Tokenizer,
		logger:    logger,
		detector:  detect.New(cfg.Detect, logger),
		manifests: manifest.NewStore(cfg.ManifestPath),
		snapshots: snapshot.NewManager(cfg.BackupDir, cfg.BackupRetention, logger),
		fileLock:  flock.New(filepath.Join(cfg.StateDir, LockFileName)),
		now:       time.Now,
		sem:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the cross-process lock if held.
func (c *Coordinator) Close() error {
	if c.fileLock.Locked() {
		return c.fileLock.Unlock()
	}
	return nil
}

// Live returns the last committed snapshot.
func (c *Coordinator) Live() *Snapshot {
	return c.live.Load()
}

// State returns the current cycle stage.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Halted reports whether writes are halted after a failed restore.
func (c *Coordinator) Halted() bool {
	return c.halted.Load()
}

// SourceDir returns the corpus root.
func (c *Coordinator) SourceDir() string {
	return c.cfg.SourceDir
}

// StateDir returns the directory holding the persisted stores.
func (c *Coordinator) StateDir() string {
	return c.cfg.StateDir
}

// BackupDir returns the snapshot directory.
func (c *Coordinator) BackupDir() string {
	return c.cfg.BackupDir
}

// Detector returns the change detector, so watchers can apply the same
// ignore rules as the cycle.
func (c *Coordinator) Detector() *detect.Detector {
	return c.detector
}

// Snapshots exposes the backup manager for operator commands.
func (c *Coordinator) Snapshots() *snapshot.Manager {
	return c.snapshots
}

// Status summarizes the live state.
func (c *Coordinator) Status() Status {
	live := c.Live()
	return Status{
		State:       c.State().String(),
		Halted:      c.Halted(),
		Generation:  live.Generation,
		CommittedAt: live.CommittedAt,
		Manifest:    live.Manifest.Stats(),
		Vectors:     live.Vectors.Size(),
		Lexical:     live.Lexical.Len(),
		SourceDir:   c.cfg.SourceDir,
	}
}

func (c *Coordinator) setState(next State, cycleID string) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.logger.Debug("state_transition",
		slog.String("cycle_id", cycleID),
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
}

func (c *Coordinator) files() map[string]string {
	return map[string]string{
		fileManifest: c.cfg.ManifestPath,
		fileVectors:  c.cfg.VectorPath,
		fileLexical:  c.cfg.LexicalPath,
	}
}

func (c *Coordinator) publish(m *manifest.Manifest, vec *store.VectorStore, lex *store.LexicalStore) *Snapshot {
	var gen uint64
	if prev := c.live.Load(); prev != nil {
		gen = prev.Generation + 1
	}
	snap := &Snapshot{
		Manifest:    m,
		Vectors:     vec.View(),
		Lexical:     lex.View(),
		Tombstones:  m.Tombstones(),
		Generation:  gen,
		CommittedAt: c.now().UTC(),
	}
	c.live.Store(snap)
	return snap
}

// acquire admits the caller as the single writer, honoring the busy
// policy both in-process and across processes.
func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	reject := c.cfg.BusyPolicy == config.BusyReject

	if reject {
		select {
		case c.sem <- struct{}{}:
		default:
			return nil, busyError("another reload cycle is in progress")
		}
	} else {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var (
		ok  bool
		err error
	)
	if reject {
		ok, err = c.fileLock.TryLock()
	} else {
		ok, err = c.fileLock.TryLockContext(ctx, 100*time.Millisecond)
	}
	if err != nil || !ok {
		<-c.sem
		if err != nil && ctx.Err() == nil {
			return nil, amerrors.New(amerrors.ErrCodeFilePermission, "failed to acquire writer lock", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, busyError("another process holds the writer lock")
	}

	return func() {
		if err := c.fileLock.Unlock(); err != nil {
			c.logger.Warn("failed to release writer lock", slog.String("error", err.Error()))
		}
		<-c.sem
	}, nil
}

func busyError(msg string) *amerrors.AmanError {
	return amerrors.New(amerrors.ErrCodeBusy, msg, nil).
		WithSuggestion("retry later or set reload.busy_policy to 'queue'")
}

func (c *Coordinator) haltError() error {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	return amerrors.New(amerrors.ErrCodeWritesHalted, "writes are halted after a failed restore", c.haltCause).
		WithSuggestion("inspect the backup directory and run 'amanrag recover'")
}

func (c *Coordinator) halt(cause error, cycleID string) {
	c.haltMu.Lock()
	c.haltCause = cause
	c.haltMu.Unlock()
	c.halted.Store(true)

	c.logger.Error("writes_halted",
		slog.Bool("alert", true),
		slog.String("cycle_id", cycleID),
		slog.String("error", cause.Error()),
		slog.String("backup_dir", c.cfg.BackupDir))
}
