package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/fsutil"
)

func sampleManifest(t *testing.T) *Manifest {
	t.Helper()
	m := New()
	r, err := m.AllocateRange("physics/a.md", 3)
	require.NoError(t, err)
	m.RecordFile("physics/a.md", "aaaa", r, "physics", t0, t0)
	r, err = m.AllocateRange("b.md", 2)
	require.NoError(t, err)
	m.RecordFile("b.md", "bbbb", r, "general", t0, t0)
	require.NoError(t, m.MarkDeleted("b.md", t0))
	m.Vector = StoreDigest{Digest: "vv", Size: 5}
	m.Lexical = StoreDigest{Digest: "ll", Size: 3}
	return m
}

func TestStore_LoadMissingReturnsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "manifest.json"))

	m, err := s.Load()

	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, uint64(0), m.NextIdentifier)
}

func TestStore_SaveLoadPreservesState(t *testing.T) {
	// Given: a manifest with live and deleted entries
	path := filepath.Join(t.TempDir(), "state", "manifest.json")
	s := NewStore(path)
	m := sampleManifest(t)

	// When: saving and loading
	require.NoError(t, s.Save(m))
	loaded, err := s.Load()

	// Then: the state matches
	require.NoError(t, err)
	assert.Equal(t, m.NextIdentifier, loaded.NextIdentifier)
	assert.Equal(t, m.TotalChunkCount, loaded.TotalChunkCount)
	assert.Equal(t, m.Entries(), loaded.Entries())
	assert.Equal(t, m.Vector, loaded.Vector)
	assert.Equal(t, m.Lexical, loaded.Lexical)
	assert.NoFileExists(t, path+".tmp")
}

func TestStore_PersistedFormatHasDocumentedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, NewStore(path).Save(sampleManifest(t)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw struct {
		Digest   string         `json:"digest"`
		Manifest map[string]any `json:"manifest"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw.Digest, 64)
	for _, key := range []string{"version", "next_identifier", "total_chunk_count", "entries"} {
		assert.Contains(t, raw.Manifest, key)
	}
	entry := raw.Manifest["entries"].([]any)[0].(map[string]any)
	for _, key := range []string{"hash", "chunk_id_start", "chunk_id_count", "domain", "last_modified", "ingested_at", "deleted"} {
		assert.Contains(t, entry, key)
	}
}

func TestStore_LoadCorruptFails(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(string) string
	}{
		{"truncated", func(s string) string { return s[:len(s)/2] }},
		{"tampered count", func(s string) string {
			return strings.Replace(s, `"next_identifier": 5`, `"next_identifier": 9`, 1)
		}},
		{"garbage", func(string) string { return "not json at all" }},
		{"wrong version", func(s string) string {
			return strings.Replace(s, `"version": 1,`, `"version": 99,`, 1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "manifest.json")
			s := NewStore(path)
			require.NoError(t, s.Save(sampleManifest(t)))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, []byte(tt.mutate(string(data))), 0o644))

			_, err = s.Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, amerrors.ErrManifestCorrupt)
		})
	}
}

func TestDecode_DuplicatePathIsCorrupt(t *testing.T) {
	// Given: a hand-built body listing the same path twice with a valid digest
	body := `{"version":1,"next_identifier":2,"total_chunk_count":2,"updated_at":"0001-01-01T00:00:00Z",` +
		`"stores":{"vector":{"digest":"","size":0},"lexical":{"digest":"","size":0}},` +
		`"entries":[{"path":"a","hash":"h","chunk_id_start":0,"chunk_id_count":1,"domain":"d","last_modified":"0001-01-01T00:00:00Z","ingested_at":"0001-01-01T00:00:00Z","deleted":false},` +
		`{"path":"a","hash":"h","chunk_id_start":1,"chunk_id_count":1,"domain":"d","last_modified":"0001-01-01T00:00:00Z","ingested_at":"0001-01-01T00:00:00Z","deleted":false}],` +
		`"retired":[]}`
	env, err := json.Marshal(envelope{Version: 1, Digest: digestOf(body), Body: json.RawMessage(body)})
	require.NoError(t, err)

	_, err = Decode(env)

	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrManifestCorrupt)
	assert.Contains(t, err.Error(), ViolationDuplicatePath)
}

func TestStore_SaveRefusesInvalidManifest(t *testing.T) {
	m := New()
	m.RecordFile("a", "h", Range{0, 3}, "d", t0, t0)
	// counter never advanced

	err := NewStore(filepath.Join(t.TempDir(), "m.json")).Save(m)
	assert.Error(t, err)
}

func digestOf(s string) string {
	return fsutil.BytesDigest([]byte(s))
}
