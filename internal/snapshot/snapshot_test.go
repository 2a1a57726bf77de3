package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/fsutil"
)

type fixture struct {
	mgr   *Manager
	files map[string]string
}

func newFixture(t *testing.T, retention int) fixture {
	t.Helper()
	state := t.TempDir()
	files := map[string]string{
		"manifest.json": filepath.Join(state, "manifest.json"),
		"vectors.bin":   filepath.Join(state, "vectors.bin"),
		"lexical.db":    filepath.Join(state, "lexical.db"),
	}
	require.NoError(t, os.WriteFile(files["manifest.json"], []byte(`{"m":1}`), 0o644))
	require.NoError(t, os.WriteFile(files["vectors.bin"], []byte("AVEC-v1"), 0o644))
	return fixture{mgr: NewManager(filepath.Join(state, "backups"), retention, nil), files: files}
}

// replace mimics a store commit: new bytes via temp + rename.
func replace(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestCreate_CapturesFilesAndAbsence(t *testing.T) {
	f := newFixture(t, 3)

	snap, err := f.mgr.Create("cycle-1", "reload", f.files)

	require.NoError(t, err)
	assert.Len(t, snap.ID, 26)
	assert.Equal(t, "cycle-1", snap.CycleID)
	assert.Equal(t, fsutil.BytesDigest([]byte(`{"m":1}`)), snap.Files["manifest.json"])
	assert.Equal(t, "", snap.Files["lexical.db"], "absent file recorded with empty digest")
	assert.FileExists(t, filepath.Join(snap.Dir(), MetaFileName))
	assert.NoFileExists(t, snap.Path("lexical.db"))
}

func TestRestore_RollsBackReplacedFiles(t *testing.T) {
	// Given: a snapshot taken before the stores were rewritten
	f := newFixture(t, 3)
	snap, err := f.mgr.Create("cycle-1", "reload", f.files)
	require.NoError(t, err)

	replace(t, f.files["manifest.json"], `{"m":2}`)
	replace(t, f.files["vectors.bin"], "AVEC-v2")
	replace(t, f.files["lexical.db"], "sqlite")

	// When: restoring
	require.NoError(t, f.mgr.Restore(snap, f.files))

	// Then: the pre-cycle bytes are back and the new file is gone
	data, err := os.ReadFile(f.files["manifest.json"])
	require.NoError(t, err)
	assert.Equal(t, `{"m":1}`, string(data))
	data, err = os.ReadFile(f.files["vectors.bin"])
	require.NoError(t, err)
	assert.Equal(t, "AVEC-v1", string(data))
	assert.NoFileExists(t, f.files["lexical.db"])
}

func TestRestore_TamperedCopyFails(t *testing.T) {
	f := newFixture(t, 3)
	snap, err := f.mgr.Create("cycle-1", "reload", f.files)
	require.NoError(t, err)

	// break the link before tampering so only the snapshot copy changes
	replace(t, snap.Path("vectors.bin"), "garbage")

	err = f.mgr.Restore(snap, f.files)

	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrRestoreFailed)
	assert.True(t, amerrors.IsFatal(err))
}

func TestRestore_UnknownFileFails(t *testing.T) {
	f := newFixture(t, 3)
	snap, err := f.mgr.Create("cycle-1", "reload", f.files)
	require.NoError(t, err)

	err = f.mgr.Restore(snap, map[string]string{"other.bin": filepath.Join(t.TempDir(), "x")})

	assert.ErrorIs(t, err, amerrors.ErrRestoreFailed)
}

func TestCreate_UnreadableSourceFailsAndCleansUp(t *testing.T) {
	f := newFixture(t, 3)
	// a directory where a file is expected cannot be linked or copied
	dir := filepath.Join(t.TempDir(), "vectors.bin")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f.files["vectors.bin"] = dir

	_, err := f.mgr.Create("cycle-1", "reload", f.files)

	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrBackupFailed)
	all, listErr := f.mgr.List()
	require.NoError(t, listErr)
	assert.Empty(t, all)
}

func TestList_NewestFirstAndPruned(t *testing.T) {
	// Given: retention of two
	f := newFixture(t, 2)

	var ids []string
	for i := 0; i < 4; i++ {
		snap, err := f.mgr.Create("cycle", "reload", f.files)
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	// Then: only the two newest remain, newest first
	all, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ids[3], all[0].ID)
	assert.Equal(t, ids[2], all[1].ID)

	latest, err := f.mgr.Latest()
	require.NoError(t, err)
	assert.Equal(t, ids[3], latest.ID)
}

func TestCreate_ZeroRetentionKeepsNewest(t *testing.T) {
	f := newFixture(t, 0)

	first, err := f.mgr.Create("a", "reload", f.files)
	require.NoError(t, err)
	second, err := f.mgr.Create("b", "reload", f.files)
	require.NoError(t, err)

	all, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, second.ID, all[0].ID)
	assert.NoDirExists(t, first.Dir())
}

func TestList_SkipsIncompleteDirectories(t *testing.T) {
	f := newFixture(t, 3)
	snap, err := f.mgr.Create("cycle", "reload", f.files)
	require.NoError(t, err)

	// an interrupted snapshot has no descriptor
	require.NoError(t, os.MkdirAll(filepath.Join(f.mgr.Dir(), "01ARZ3NDEKTSV4RRFFQ69G5FAV"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(f.mgr.Dir(), "not-a-snapshot"), 0o755))

	all, err := f.mgr.List()

	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, snap.ID, all[0].ID)
}

func TestGetAndDiscard(t *testing.T) {
	f := newFixture(t, 3)
	snap, err := f.mgr.Create("cycle-9", "manual", f.files)
	require.NoError(t, err)

	got, err := f.mgr.Get(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "manual", got.Reason)
	assert.Equal(t, snap.Files, got.Files)

	require.NoError(t, f.mgr.Discard(got))
	_, err = f.mgr.Get(snap.ID)
	assert.Error(t, err)

	latest, err := f.mgr.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestGet_RejectsIDsThatAreNotULIDs(t *testing.T) {
	// Given: a snapshot exists
	f := newFixture(t, 3)
	snap, err := f.mgr.Create("cycle-1", "manual", f.files)
	require.NoError(t, err)

	for _, id := range []string{"../..", "..", "", snap.ID + "/..", filepath.Join("..", snap.ID)} {
		// When: asking for a path-like or malformed id
		_, err := f.mgr.Get(id)

		// Then: it is rejected as invalid input
		require.Error(t, err, id)
		assert.Equal(t, amerrors.ErrCodeInvalidInput, amerrors.GetCode(err), id)
	}
}

func TestPrune_RemovesBeyondRetention(t *testing.T) {
	f := newFixture(t, 5)
	for i := 0; i < 3; i++ {
		_, err := f.mgr.Create("cycle", "reload", f.files)
		require.NoError(t, err)
	}
	f.mgr.retention = 1

	removed, err := f.mgr.Prune()

	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestList_MissingDirIsEmpty(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "none"), 3, nil)

	all, err := mgr.List()

	require.NoError(t, err)
	assert.Empty(t, all)
}
