package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/detect"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/manifest"
	"github.com/Aman-CERP/amanrag/internal/store"
)

func TestReload_ModifiedFileGetsFreshRange(t *testing.T) {
	// Given: a file producing three chunks
	h := newHarness(t)
	h.write("docs/a.md", "alpha apple\nbravo banana\ncharlie cherry\n")

	// When: first reload
	res := h.reload()

	// Then: ids 0-2 are issued
	assert.Equal(t, 3, res.ChunksAdded)
	assert.Equal(t, 1, res.Summary.New)
	live := h.coord.Live()
	assert.Equal(t, uint64(3), live.Manifest.NextIdentifier)
	assert.Equal(t, 3, live.Vectors.Size())

	// When: the file is modified and reloaded
	h.write("docs/a.md", "delta date\necho elder\nfoxtrot fig\n")
	res = h.reload()

	// Then: the new range is 3-5 and the old one is tombstoned
	assert.Equal(t, 3, res.ChunksAdded)
	assert.Equal(t, 1, res.Summary.Modified)
	live = h.coord.Live()
	entry, ok := live.Manifest.Entry("docs/a.md")
	require.True(t, ok)
	assert.Equal(t, manifest.Range{Start: 3, Count: 3}, entry.Range())
	assert.Equal(t, uint64(6), live.Manifest.NextIdentifier)
	assert.Equal(t, uint64(6), live.Manifest.TotalChunkCount)

	for id := uint64(0); id < 3; id++ {
		assert.True(t, live.Vectors.Contains(id), "old vector %d stays in the append-only store", id)
		assert.True(t, live.Hidden(id))
	}
	assert.Empty(t, lexicalHits(live, "alpha"))
	assert.Equal(t, []uint64{3}, lexicalHits(live, "delta"))

	hits, err := live.Vectors.Search(lineVector("alpha apple"), 10, live.Hidden)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.GreaterOrEqual(t, hit.ID, uint64(3))
	}
	assert.True(t, h.coord.Check().OK())
}

func TestReload_NoChangesIsNoop(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "one\ntwo\n")
	first := h.reload()

	before := h.stateDigests()
	second := h.reload()

	assert.True(t, second.Success)
	assert.Equal(t, 0, second.ChunksAdded)
	assert.Equal(t, detect.Summary{Unchanged: 1}, second.Summary)
	assert.Empty(t, second.SnapshotID)
	assert.Equal(t, first.Generation, second.Generation)
	assert.Equal(t, before, h.stateDigests())
}

func TestReload_ClassifiesChanges(t *testing.T) {
	// Given: A, B and D are indexed
	h := newHarness(t)
	h.write("A.md", "a1\n")
	h.write("B.md", "b1\n")
	h.write("D.md", "d1\n")
	h.reload()

	// When: B changes, C appears and D disappears
	h.write("B.md", "b2\n")
	h.write("C.md", "c1\n")
	h.remove("D.md")

	dry, err := h.coord.Reload(context.Background(), ReloadOptions{DryRun: true})
	require.NoError(t, err)

	// Then
	kinds := make(map[string]detect.Kind)
	for _, ch := range dry.Changes {
		kinds[ch.Path] = ch.Kind
	}
	assert.Equal(t, map[string]detect.Kind{
		"A.md": detect.KindUnchanged,
		"B.md": detect.KindModified,
		"C.md": detect.KindNew,
		"D.md": detect.KindDeleted,
	}, kinds)

	res := h.reload()
	assert.Equal(t, detect.Summary{New: 1, Modified: 1, Deleted: 1, Unchanged: 1}, res.Summary)
	assert.Equal(t, 2, res.ChunksAdded)

	live := h.coord.Live()
	d, ok := live.Manifest.Entry("D.md")
	require.True(t, ok)
	assert.True(t, d.Deleted)
	assert.Empty(t, lexicalHits(live, "d1"))
	assert.True(t, h.coord.Check().OK())
}

func TestReload_DryRunDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "one\n")
	h.reload()

	h.write("b.md", string(make([]byte, 2500)))
	digests := h.stateDigests()
	mtimes := h.stateModTimes()
	gen := h.coord.Live().Generation

	res, err := h.coord.Reload(context.Background(), ReloadOptions{DryRun: true})

	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Summary.New)
	assert.Equal(t, 3, res.EstimatedChunks, "ceil(2500/1200)")
	assert.Equal(t, digests, h.stateDigests())
	assert.Equal(t, mtimes, h.stateModTimes())
	assert.Equal(t, gen, h.coord.Live().Generation)

	snaps, err := h.coord.Snapshots().List()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestReload_DryRunUsesEstimator(t *testing.T) {
	h := newHarness(t)
	h.coord = h.openWith(&estimatingEmbedder{lineEmbedder: h.embedder, perFile: 7})
	h.write("a.md", "x\n")
	h.write("b.md", "y\n")

	res, err := h.coord.Reload(context.Background(), ReloadOptions{DryRun: true})

	require.NoError(t, err)
	assert.Equal(t, 14, res.EstimatedChunks)
}

func TestEstimateBySize(t *testing.T) {
	tests := []struct {
		size int64
		per  int
		want int
	}{
		{0, 1200, 0},
		{1, 1200, 1},
		{1200, 1200, 1},
		{1201, 1200, 2},
		{500, 0, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateBySize(tt.size, tt.per), "size=%d per=%d", tt.size, tt.per)
	}
}

func TestReload_CommitFaultLeavesFilesByteIdentical(t *testing.T) {
	for _, target := range []string{"vector", "lexical", "manifest"} {
		t.Run(target, func(t *testing.T) {
			// Given: a committed index
			h := newHarness(t)
			h.write("docs/a.md", "alpha\nbravo\n")
			h.reload()
			before := h.stateDigests()
			gen := h.coord.Live().Generation

			// When: the next commit fails while writing target
			h.write("docs/a.md", "charlie\n")
			h.write("docs/b.md", "delta\n")
			h.failOn(target)
			res, err := h.coord.Reload(context.Background(), ReloadOptions{})

			// Then: the cycle fails and every persisted file is unchanged
			require.Error(t, err)
			var cerr *CycleError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, StateCommitting, cerr.Stage)
			assert.False(t, res.Success)
			assert.Equal(t, 0, res.ChunksAdded)
			assert.Equal(t, before, h.stateDigests())
			assert.Equal(t, gen, h.coord.Live().Generation)
			assert.Equal(t, StateIdle, h.coord.State())
			assert.False(t, h.coord.Halted())

			// And: the next cycle succeeds from the restored state
			h.setHook(nil)
			res = h.reload()
			assert.Equal(t, 2, res.ChunksAdded)
			entry, ok := h.coord.Live().Manifest.Entry("docs/a.md")
			require.True(t, ok)
			assert.Equal(t, uint64(2), entry.ChunkIDStart)
			assert.True(t, h.coord.Check().OK())
		})
	}
}

func TestReload_IngestionFailureAbortsCycle(t *testing.T) {
	h := newHarness(t)
	h.write("docs/a.md", "alpha\n")
	h.reload()
	before := h.stateDigests()

	h.write("docs/b.md", "bravo\n")
	h.write("docs/c.md", "charlie\n")
	h.embedder.setFailure("b.md", errors.New("embedding backend unavailable"))

	res, err := h.coord.Reload(context.Background(), ReloadOptions{})

	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrIngestionFailed)
	var cerr *CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StateIngesting, cerr.Stage)
	assert.Equal(t, "docs/b.md", cerr.Path)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "docs/b.md", res.Errors[len(res.Errors)-1].Path)
	assert.Equal(t, before, h.stateDigests())

	live := h.coord.Live()
	_, ok := live.Manifest.Entry("docs/c.md")
	assert.False(t, ok)
	assert.Empty(t, lexicalHits(live, "charlie"))
}

func TestReload_SkipStrictnessRecordsFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Strictness = config.StrictnessSkip })
	h.write("a.md", "alpha\n")
	h.write("b.md", "bravo\n")
	h.embedder.setFailure("b.md", errors.New("timeout talking to model"))

	res := h.reload()

	assert.Equal(t, 1, res.ChunksAdded)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "b.md", res.Errors[0].Path)
	assert.Equal(t, amerrors.ErrCodeIngestionFailed, res.Errors[0].Code)
	_, ok := h.coord.Live().Manifest.Entry("b.md")
	assert.False(t, ok)

	// the skipped file is picked up once the collaborator recovers
	h.embedder.setFailure("b.md", nil)
	res = h.reload()
	assert.Equal(t, 1, res.Summary.New)
	assert.Equal(t, 1, res.ChunksAdded)
	assert.True(t, h.coord.Check().OK())
}

func TestReload_CollaboratorTimeoutIsIngestionFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.IngestTimeout = 20 * time.Millisecond })
	h.embedder.delay = 300 * time.Millisecond
	h.write("a.md", "alpha\n")

	_, err := h.coord.Reload(context.Background(), ReloadOptions{})

	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrIngestionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(0), h.coord.Live().Manifest.NextIdentifier)
}

func TestReload_WrongVectorWidthIsIngestionFailure(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "alpha\n")
	h.coord = h.openWith(&badWidthEmbedder{lineEmbedder: h.embedder})

	_, err := h.coord.Reload(context.Background(), ReloadOptions{})

	assert.ErrorIs(t, err, amerrors.ErrDimensionMismatch)
	assert.ErrorIs(t, err, amerrors.ErrIngestionFailed)
}

type badWidthEmbedder struct{ *lineEmbedder }

func (e *badWidthEmbedder) ChunkAndEmbed(ctx context.Context, path, domain string) ([]Unit, error) {
	units, err := e.lineEmbedder.ChunkAndEmbed(ctx, path, domain)
	for i := range units {
		units[i].Vector = append(units[i].Vector, 0)
	}
	return units, err
}

func TestReload_IdentifiersStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	var starts []uint64
	contents := []string{"a\nb\n", "c\n", "d\ne\nf\n", "g\n"}
	for _, content := range contents {
		h.write("f.md", content)
		h.reload()
		e, ok := h.coord.Live().Manifest.Entry("f.md")
		require.True(t, ok)
		starts = append(starts, e.ChunkIDStart)
	}

	assert.Equal(t, []uint64{0, 2, 3, 6}, starts)
	assert.Equal(t, uint64(7), h.coord.Live().Manifest.NextIdentifier)
	assert.Equal(t, 7, h.coord.Live().Vectors.Size())
}

func TestReload_DeletedFileReappears(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "alpha\n")
	h.reload()
	h.remove("a.md")
	h.reload()

	h.write("a.md", "alpha again\n")
	res := h.reload()

	assert.Equal(t, 1, res.Summary.New)
	live := h.coord.Live()
	e, ok := live.Manifest.Entry("a.md")
	require.True(t, ok)
	assert.False(t, e.Deleted)
	assert.Equal(t, uint64(1), e.ChunkIDStart)
	assert.True(t, live.Hidden(0))
	assert.Equal(t, []uint64{1}, lexicalHits(live, "again"))
	assert.True(t, h.coord.Check().OK())
}

func TestReload_FullRebuildKeepsCounter(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "alpha\nbravo\n")
	h.reload()
	h.write("a.md", "charlie\n")
	h.reload()

	res, err := h.coord.Reload(context.Background(), ReloadOptions{Full: true})

	require.NoError(t, err)
	assert.True(t, res.Full)
	assert.Equal(t, 1, res.ChunksAdded)
	live := h.coord.Live()
	e, ok := live.Manifest.Entry("a.md")
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.ChunkIDStart)
	assert.Equal(t, uint64(4), live.Manifest.NextIdentifier)
	assert.Equal(t, 1, live.Vectors.Size())
	assert.Equal(t, uint64(0), live.Tombstones.Size())
	assert.True(t, h.coord.Check().OK())
}

func TestReload_ProgressEvents(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "alpha\n")
	h.write("b.md", "bravo\n")

	var stages []string
	_, err := h.coord.Reload(context.Background(), ReloadOptions{
		Progress: func(e Event) { stages = append(stages, e.Stage) },
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"detecting", "backing_up", "ingesting", "ingesting", "committing"}, stages)
}

func TestReload_BusyRejectFailsFast(t *testing.T) {
	// Given: a cycle blocked inside the collaborator
	h := newHarness(t, func(c *Config) { c.BusyPolicy = config.BusyReject })
	h.write("a.md", "alpha\n")
	h.embedder.gate = make(chan struct{})
	h.embedder.entered = make(chan struct{}, 1)

	before := h.coord.Live()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.coord.Reload(context.Background(), ReloadOptions{})
	}()
	<-h.embedder.entered

	// When: a second reload arrives
	_, err := h.coord.Reload(context.Background(), ReloadOptions{})

	// Then: it is rejected and readers still see the old snapshot
	assert.ErrorIs(t, err, amerrors.ErrBusy)
	assert.Equal(t, StateIngesting, h.coord.State())
	assert.Same(t, before, h.coord.Live())

	close(h.embedder.gate)
	wg.Wait()
	assert.Equal(t, before.Generation+1, h.coord.Live().Generation)
}

func TestReload_QueuedCycleRunsAfterFirst(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "alpha\n")
	h.embedder.gate = make(chan struct{})
	h.embedder.entered = make(chan struct{}, 2)

	results := make(chan *Result, 2)
	go func() {
		res, _ := h.coord.Reload(context.Background(), ReloadOptions{})
		results <- res
	}()
	<-h.embedder.entered

	go func() {
		res, _ := h.coord.Reload(context.Background(), ReloadOptions{})
		results <- res
	}()

	close(h.embedder.gate)
	first, second := <-results, <-results

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, 1, first.ChunksAdded+second.ChunksAdded)
}

func TestReload_QueuedCallerGivesUpOnContext(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "alpha\n")
	h.embedder.gate = make(chan struct{})
	h.embedder.entered = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.coord.Reload(context.Background(), ReloadOptions{})
	}()
	<-h.embedder.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.coord.Reload(ctx, ReloadOptions{})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(h.embedder.gate)
	<-done
}

func TestReload_RestoreFailureHaltsWrites(t *testing.T) {
	// Given: backups are kept and the first cycle committed
	h := newHarness(t, func(c *Config) {
		c.KeepBackupOnSuccess = true
		c.BackupRetention = 5
	})
	h.write("a.md", "alpha\n")
	h.reload()

	// When: the manifest write fails and the snapshot copy is corrupt
	h.write("a.md", "bravo\n")
	h.setHook(func(target string) error {
		if target != "manifest" {
			return nil
		}
		latest, err := h.coord.Snapshots().Latest()
		require.NoError(t, err)
		bad := latest.Path(fileVectors)
		require.NoError(t, os.WriteFile(bad+".tmp", []byte("garbage"), 0o644))
		require.NoError(t, os.Rename(bad+".tmp", bad))
		return errors.New("disk full")
	})
	_, err := h.coord.Reload(context.Background(), ReloadOptions{})

	// Then: the coordinator halts
	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrRestoreFailed)
	assert.True(t, amerrors.IsFatal(err))
	assert.True(t, h.coord.Halted())

	// And: the failure that started the rollback is kept
	var cerr *CycleError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, StateCommitting, cerr.CauseStage)
	require.Error(t, cerr.Cause)
	assert.Contains(t, cerr.Cause.Error(), "disk full")

	h.setHook(nil)
	_, err = h.coord.Reload(context.Background(), ReloadOptions{})
	assert.ErrorIs(t, err, amerrors.ErrWritesHalted)

	// When: an operator recovers from the newest consistent snapshot
	live, err := h.coord.Recover(context.Background(), "")

	// Then: writes resume from the pre-first-cycle state
	require.NoError(t, err)
	assert.False(t, h.coord.Halted())
	assert.Equal(t, 0, live.Vectors.Size())
	res := h.reload()
	assert.Equal(t, 1, res.ChunksAdded)
	assert.True(t, h.coord.Check().OK())
}

func TestOpen_RecoversFromCrashBetweenStoreWrites(t *testing.T) {
	// Given: two committed cycles with backups kept
	h := newHarness(t, func(c *Config) { c.KeepBackupOnSuccess = true })
	h.write("a.md", "alpha\n")
	h.reload()
	first, ok := h.coord.Live().Manifest.Entry("a.md")
	require.True(t, ok)
	h.write("a.md", "bravo\n")
	h.reload()
	require.NoError(t, h.coord.Close())

	// When: the vector file no longer matches the manifest
	require.NoError(t, os.WriteFile(h.coord.cfg.VectorPath, []byte("torn write"), 0o644))
	c := h.open()

	// Then: the state before the second cycle is restored
	e, ok := c.Live().Manifest.Entry("a.md")
	require.True(t, ok)
	assert.Equal(t, first.Hash, e.Hash)
	assert.Equal(t, 1, c.Live().Vectors.Size())
	assert.True(t, c.Check().OK())
}

func TestOpen_CorruptManifestFails(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "alpha\n")
	h.reload()
	require.NoError(t, os.WriteFile(h.coord.cfg.ManifestPath, []byte("{not json"), 0o644))

	_, err := Open(h.cfg, Dependencies{Embedder: h.embedder, Tokenizer: store.NewCodeTokenizer(nil), Logger: discardLogger()})

	assert.ErrorIs(t, err, amerrors.ErrManifestCorrupt)
}

func TestRestoreOffline_RepairsCorruptManifest(t *testing.T) {
	// Given: a corrupt manifest and a snapshot of the first cycle
	h := newHarness(t, func(c *Config) { c.KeepBackupOnSuccess = true })
	h.write("a.md", "alpha\n")
	h.reload()
	h.write("b.md", "bravo\n")
	h.reload()
	require.NoError(t, h.coord.Close())
	require.NoError(t, os.WriteFile(h.coord.cfg.ManifestPath, []byte("{not json"), 0o644))

	// When: restoring without opening the index
	snap, err := RestoreOffline(context.Background(), h.cfg, "", discardLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)

	// Then: the index opens again at a consistent state
	c := h.open()
	_, ok := c.Live().Manifest.Entry("a.md")
	assert.True(t, ok)
	assert.True(t, c.Check().OK())
}

func TestRestoreOffline_NoSnapshots(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Close())

	_, err := RestoreOffline(context.Background(), h.cfg, "", discardLogger())

	assert.ErrorIs(t, err, amerrors.ErrCorruptIndex)
}

func TestOpen_ValidatesDependencies(t *testing.T) {
	cfg := Config{SourceDir: t.TempDir(), StateDir: t.TempDir(), Vector: store.VectorConfig{Dimensions: 8}}

	_, err := Open(cfg, Dependencies{Tokenizer: store.NewCodeTokenizer(nil)})
	assert.Error(t, err)

	_, err = Open(cfg, Dependencies{Embedder: newLineEmbedder()})
	assert.Error(t, err)

	_, err = Open(cfg, Dependencies{Embedder: newLineEmbedder(), Tokenizer: store.NewCodeTokenizer(nil)})
	assert.ErrorIs(t, err, amerrors.ErrDimensionMismatch)
}

func TestOpen_ReloadsCommittedState(t *testing.T) {
	h := newHarness(t)
	h.write("docs/a.md", "alpha\nbravo\n")
	h.reload()
	require.NoError(t, h.coord.Close())

	c := h.open()

	live := c.Live()
	assert.Equal(t, 2, live.Vectors.Size())
	assert.Equal(t, 2, live.Lexical.Len())
	assert.Equal(t, []uint64{1}, lexicalHits(live, "bravo"))
	status := c.Status()
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, 1, status.Manifest.Files)
}

func TestReload_SuccessDiscardsBackup(t *testing.T) {
	h := newHarness(t)
	h.write("a.md", "alpha\n")

	res := h.reload()

	assert.NotEmpty(t, res.SnapshotID)
	assert.NoDirExists(t, filepath.Join(h.coord.cfg.BackupDir, res.SnapshotID))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "rolling_back", StateRollingBack.String())
	assert.Equal(t, "unknown", State(42).String())
}
