package fsutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_ReplacesContent(t *testing.T) {
	// Given: an existing file
	path := filepath.Join(t.TempDir(), "state", "m.json")
	require.NoError(t, WriteFileAtomic(path, func(w io.Writer) error {
		_, err := fmt.Fprint(w, "v1")
		return err
	}))

	// When: atomically replacing it
	require.NoError(t, WriteFileAtomic(path, func(w io.Writer) error {
		_, err := fmt.Fprint(w, "v2")
		return err
	}))

	// Then: content is new and no temp file remains
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.NoFileExists(t, path+TempSuffix)
}

func TestWriteFileAtomic_FailureLeavesOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, _ = fmt.Fprint(w, "partial")
		return errors.New("encoder exploded")
	})

	require.Error(t, err)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "original", string(data))
	assert.NoFileExists(t, path+TempSuffix)
}

func TestLinkOrCopy_SnapshotSurvivesReplace(t *testing.T) {
	// Given: a file linked into a backup location
	dir := t.TempDir()
	src := filepath.Join(dir, "vectors.bin")
	dst := filepath.Join(dir, "backup", "vectors.bin")
	require.NoError(t, os.WriteFile(src, []byte("before"), 0o644))

	_, err := LinkOrCopy(src, dst)
	require.NoError(t, err)

	// When: the source is replaced atomically
	require.NoError(t, WriteFileAtomic(src, func(w io.Writer) error {
		_, err := fmt.Fprint(w, "after")
		return err
	}))

	// Then: the backup still holds the old bytes
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "before", string(data))
}

func TestDigests_Agree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	d, err := FileDigest(path)
	require.NoError(t, err)

	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d)
	assert.Equal(t, d, BytesDigest([]byte("hello")))
	assert.True(t, Exists(path))
	assert.False(t, Exists(path+".nope"))
}

func TestFileDigestBuffer_SmallBufferMatches(t *testing.T) {
	// Given: a file larger than the read buffer
	path := filepath.Join(t.TempDir(), "f")
	data := bytes.Repeat([]byte("chunk-"), 1000)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	// When: hashing through a tiny reused buffer
	buf := make([]byte, 7)
	first, err := FileDigestBuffer(path, buf)
	require.NoError(t, err)
	second, err := FileDigestBuffer(path, buf)
	require.NoError(t, err)

	// Then: the digest matches the in-memory one each time
	assert.Equal(t, BytesDigest(data), first)
	assert.Equal(t, first, second)

	_, err = FileDigestBuffer(path+".nope", buf)
	assert.Error(t, err)
}
