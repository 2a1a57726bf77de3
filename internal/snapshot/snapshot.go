// Package snapshot manages pre-cycle backups of the persisted index files.
//
// Each snapshot is a directory named by a ULID under the backup root. Files
// are hard-linked when the filesystem allows it; the index never rewrites a
// file in place, so a link keeps the pre-cycle bytes.
package snapshot

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/fsutil"
)

// MetaFileName is the per-snapshot descriptor.
const MetaFileName = "snapshot.json"

// Snapshot describes one backup.
type Snapshot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	CycleID   string    `json:"cycle_id"`
	Reason    string    `json:"reason"`

	// Files maps a logical name to the SHA-256 of its copy. An empty
	// digest records that the file did not exist when the snapshot was taken.
	Files map[string]string `json:"files"`

	// Linked counts files captured by hard link rather than copy.
	Linked int `json:"linked"`

	dir string
}

// Dir returns the snapshot directory.
func (s *Snapshot) Dir() string {
	return s.dir
}

// Path returns the location of the captured copy of name.
func (s *Snapshot) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Manager creates, restores and prunes snapshots under one directory.
type Manager struct {
	dir       string
	retention int
	logger    *slog.Logger

	mu      sync.Mutex
	entropy io.Reader
}

// NewManager returns a manager that keeps at most retention snapshots.
func NewManager(dir string, retention int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:       dir,
		retention: retention,
		logger:    logger,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Dir returns the backup root.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) newID(now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Create captures files (logical name to path). Missing files are recorded
// as absent. Older snapshots beyond retention are pruned afterwards.
func (m *Manager) Create(cycleID, reason string, files map[string]string) (*Snapshot, error) {
	now := time.Now().UTC()
	id, err := m.newID(now)
	if err != nil {
		return nil, amerrors.BackupFailed("failed to allocate snapshot id", err)
	}

	snap := &Snapshot{
		ID:        id,
		CreatedAt: now,
		CycleID:   cycleID,
		Reason:    reason,
		Files:     make(map[string]string, len(files)),
		dir:       filepath.Join(m.dir, id),
	}
	if err := os.MkdirAll(snap.dir, 0o755); err != nil {
		return nil, amerrors.BackupFailed("failed to create snapshot directory", err)
	}

	if err := m.capture(snap, files); err != nil {
		_ = os.RemoveAll(snap.dir)
		return nil, amerrors.BackupFailed("failed to capture "+err.name, err.cause)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err == nil {
		err = fsutil.WriteFileAtomic(filepath.Join(snap.dir, MetaFileName), func(w io.Writer) error {
			_, werr := w.Write(data)
			return werr
		})
	}
	if err != nil {
		_ = os.RemoveAll(snap.dir)
		return nil, amerrors.BackupFailed("failed to write snapshot descriptor", err)
	}

	m.logger.Info("snapshot_created",
		slog.String("snapshot_id", snap.ID),
		slog.String("cycle_id", cycleID),
		slog.Int("files", len(files)),
		slog.Int("linked", snap.Linked))

	if _, err := m.prune(snap.ID); err != nil {
		m.logger.Warn("snapshot_prune_failed", slog.String("error", err.Error()))
	}
	return snap, nil
}

type captureError struct {
	name  string
	cause error
}

func (m *Manager) capture(snap *Snapshot, files map[string]string) *captureError {
	for name, src := range files {
		if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
			snap.Files[name] = ""
			continue
		} else if err != nil {
			return &captureError{name: name, cause: err}
		}

		dst := snap.Path(name)
		linked, err := fsutil.LinkOrCopy(src, dst)
		if err != nil {
			return &captureError{name: name, cause: err}
		}
		if linked {
			snap.Linked++
		}
		digest, err := fsutil.FileDigest(dst)
		if err != nil {
			return &captureError{name: name, cause: err}
		}
		snap.Files[name] = digest
	}
	return nil
}

// Restore copies every captured file back to its path in files, verifying
// digests first. Files absent at snapshot time are removed. Any failure is a
// RestoreFailure: the live files may be partially restored.
func (m *Manager) Restore(snap *Snapshot, files map[string]string) error {
	if err := m.Verify(snap); err != nil {
		return err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dst := files[name]
		digest, ok := snap.Files[name]
		if !ok {
			return amerrors.RestoreFailed("snapshot has no record of "+name, nil).
				WithDetail("snapshot_id", snap.ID)
		}
		if digest == "" {
			if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
				return amerrors.RestoreFailed("failed to remove "+name, err).WithDetail("snapshot_id", snap.ID)
			}
			continue
		}
		if err := fsutil.CopyFileAtomic(snap.Path(name), dst); err != nil {
			return amerrors.RestoreFailed("failed to restore "+name, err).WithDetail("snapshot_id", snap.ID)
		}
	}

	m.logger.Info("snapshot_restored",
		slog.String("snapshot_id", snap.ID),
		slog.String("cycle_id", snap.CycleID))
	return nil
}

// Verify checks every captured copy against its recorded digest.
func (m *Manager) Verify(snap *Snapshot) error {
	for name, digest := range snap.Files {
		if digest == "" {
			continue
		}
		got, err := fsutil.FileDigest(snap.Path(name))
		if err != nil {
			return amerrors.RestoreFailed("snapshot copy of "+name+" is unreadable", err).
				WithDetail("snapshot_id", snap.ID)
		}
		if got != digest {
			return amerrors.RestoreFailed("snapshot copy of "+name+" does not match its digest", nil).
				WithDetail("snapshot_id", snap.ID)
		}
	}
	return nil
}

// Discard deletes a snapshot.
func (m *Manager) Discard(snap *Snapshot) error {
	if snap == nil || snap.dir == "" {
		return nil
	}
	if err := os.RemoveAll(snap.dir); err != nil {
		return fmt.Errorf("discard snapshot %s: %w", snap.ID, err)
	}
	m.logger.Debug("snapshot_discarded", slog.String("snapshot_id", snap.ID))
	return nil
}

// List returns all readable snapshots, newest first. Directories without a
// valid descriptor (interrupted creation) are skipped.
func (m *Manager) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var out []*Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(e.Name()); err != nil {
			continue
		}
		snap, err := m.load(e.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable snapshot",
				slog.String("snapshot_id", e.Name()),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Get loads the snapshot with id. Only ULIDs name snapshots, so anything
// else is rejected before touching the filesystem.
func (m *Manager) Get(id string) (*Snapshot, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil, amerrors.ValidationError("invalid snapshot id "+strconv.Quote(id), err)
	}
	snap, err := m.load(id)
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeFileNotFound, "snapshot "+id+" not found", err)
	}
	return snap, nil
}

// Latest returns the newest snapshot, or nil when there is none.
func (m *Manager) Latest() (*Snapshot, error) {
	all, err := m.List()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// Prune removes the oldest snapshots beyond retention.
func (m *Manager) Prune() (int, error) {
	return m.prune("")
}

func (m *Manager) prune(keep string) (int, error) {
	all, err := m.List()
	if err != nil {
		return 0, err
	}

	kept, removed := 0, 0
	var errs []error
	for _, snap := range all {
		if snap.ID == keep || kept < m.retention {
			kept++
			continue
		}
		if err := m.Discard(snap); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("snapshots_pruned", slog.Int("removed", removed), slog.Int("retention", m.retention))
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) load(id string) (*Snapshot, error) {
	dir := filepath.Join(m.dir, id)
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetaFileName, err)
	}
	if snap.ID != id {
		return nil, fmt.Errorf("descriptor id %q does not match directory %q", snap.ID, id)
	}
	snap.dir = dir
	return &snap, nil
}
