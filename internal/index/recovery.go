package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/manifest"
	"github.com/Aman-CERP/amanrag/internal/snapshot"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// open loads the committed state. A store whose digest does not match the
// manifest means a crash between the store writes and the manifest write;
// the newest consistent snapshot is restored in that case.
func (c *Coordinator) open() error {
	m, vec, lex, err := c.loadPersisted()
	if errors.Is(err, amerrors.ErrCorruptIndex) {
		c.logger.Warn("store digest mismatch on open, recovering from snapshot",
			slog.String("error", err.Error()))
		snap, rerr := c.restoreConsistent("")
		if rerr != nil {
			return fmt.Errorf("%w (recovery: %v)", err, rerr)
		}
		c.logger.Info("recovered_from_snapshot", slog.String("snapshot_id", snap.ID))
		m, vec, lex, err = c.loadPersisted()
	}
	if err != nil {
		return err
	}

	c.vectors, c.lexical = vec, lex
	c.publish(m, vec, lex)
	c.logger.Info("index_opened",
		slog.Int("files", len(m.LiveEntries())),
		slog.Int("vectors", vec.Size()),
		slog.Int("lexical_documents", lex.Len()),
		slog.Uint64("next_identifier", m.NextIdentifier))
	return nil
}

// loadPersisted reads the manifest and both stores, verifying digests and
// the chunk count invariant.
func (c *Coordinator) loadPersisted() (*manifest.Manifest, *store.VectorStore, *store.LexicalStore, error) {
	m, err := c.manifests.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	vec, lex, err := c.newStores()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := vec.Load(c.cfg.VectorPath, m.Vector.Digest); err != nil {
		return nil, nil, nil, err
	}
	if err := lex.Load(c.cfg.LexicalPath, m.Lexical.Digest); err != nil {
		return nil, nil, nil, err
	}

	if uint64(vec.Size()) != m.TotalChunkCount {
		return nil, nil, nil, amerrors.New(amerrors.ErrCodeCorruptIndex,
			fmt.Sprintf("vector store holds %d vectors, manifest records %d chunks", vec.Size(), m.TotalChunkCount), nil)
	}
	return m, vec, lex, nil
}

func (c *Coordinator) newStores() (*store.VectorStore, *store.LexicalStore, error) {
	vec, err := store.NewVectorStore(c.cfg.Vector)
	if err != nil {
		return nil, nil, err
	}
	lex, err := store.NewLexicalStore(c.cfg.Lexical)
	if err != nil {
		return nil, nil, err
	}
	return vec, lex, nil
}

// restoreConsistent restores the snapshot with id, or when id is empty the
// newest snapshot whose store copies match the digests its manifest records.
func (c *Coordinator) restoreConsistent(id string) (*snapshot.Snapshot, error) {
	var candidates []*snapshot.Snapshot
	if id != "" {
		snap, err := c.snapshots.Get(id)
		if err != nil {
			return nil, err
		}
		candidates = []*snapshot.Snapshot{snap}
	} else {
		all, err := c.snapshots.List()
		if err != nil {
			return nil, err
		}
		candidates = all
	}

	for _, snap := range candidates {
		err := c.snapshots.Verify(snap)
		if err == nil {
			err = consistentSnapshot(snap)
		}
		if err != nil {
			c.logger.Warn("skipping inconsistent snapshot",
				slog.String("snapshot_id", snap.ID),
				slog.String("error", err.Error()))
			if id != "" {
				return nil, amerrors.RestoreFailed("snapshot "+id+" is not consistent", err)
			}
			continue
		}
		if err := c.snapshots.Restore(snap, c.files()); err != nil {
			return nil, err
		}
		return snap, nil
	}
	return nil, amerrors.New(amerrors.ErrCodeCorruptIndex, "no consistent backup snapshot found", nil)
}

// consistentSnapshot checks that the snapshot's store copies are the ones
// its manifest copy committed.
func consistentSnapshot(snap *snapshot.Snapshot) error {
	var m *manifest.Manifest
	if snap.Files[fileManifest] == "" {
		m = manifest.New()
	} else {
		data, err := os.ReadFile(snap.Path(fileManifest))
		if err != nil {
			return err
		}
		if m, err = manifest.Decode(data); err != nil {
			return err
		}
	}
	if got, want := snap.Files[fileVectors], m.Vector.Digest; got != want {
		return fmt.Errorf("vector copy %.12s does not match manifest %.12s", got, want)
	}
	if got, want := snap.Files[fileLexical], m.Lexical.Digest; got != want {
		return fmt.Errorf("lexical copy %.12s does not match manifest %.12s", got, want)
	}
	return nil
}

// Recover restores the snapshot with id (newest consistent when empty),
// reloads the stores and clears a halted state. With no snapshots at all it
// only re-verifies the current files.
func (c *Coordinator) Recover(ctx context.Context, id string) (*Snapshot, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	snaps, err := c.snapshots.List()
	if err != nil {
		return nil, err
	}

	var restored string
	if id != "" || len(snaps) > 0 {
		snap, err := c.restoreConsistent(id)
		if err != nil {
			return nil, err
		}
		restored = snap.ID
	}

	m, vec, lex, err := c.loadPersisted()
	if err != nil {
		return nil, err
	}
	c.vectors, c.lexical = vec, lex
	live := c.publish(m, vec, lex)

	c.halted.Store(false)
	c.haltMu.Lock()
	c.haltCause = nil
	c.haltMu.Unlock()
	c.setState(StateIdle, "")

	c.logger.Info("recover_completed",
		slog.String("snapshot_id", restored),
		slog.Uint64("generation", live.Generation))
	return live, nil
}

// RestoreOffline restores a snapshot without opening the index, for a
// manifest too damaged for Open to load. An empty id picks the newest
// consistent snapshot. It takes the cross-process writer lock.
func RestoreOffline(ctx context.Context, cfg Config, id string, logger *slog.Logger) (*snapshot.Snapshot, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:       cfg,
		logger:    logger,
		snapshots: snapshot.NewManager(cfg.BackupDir, cfg.BackupRetention, logger),
		fileLock:  flock.New(filepath.Join(cfg.StateDir, LockFileName)),
		sem:       make(chan struct{}, 1),
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := c.restoreConsistent(id)
	if err != nil {
		return nil, err
	}
	logger.Info("offline_restore_completed", slog.String("snapshot_id", snap.ID))
	return snap, nil
}
