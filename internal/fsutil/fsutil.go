// Package fsutil holds the crash-safe file primitives shared by the
// manifest, the index stores and backup snapshots.
//
// Persisted state is only ever replaced by rename, never rewritten in
// place, so a hard link taken before a write keeps the old bytes.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempSuffix is appended to a target path while it is being written.
const TempSuffix = ".tmp"

// WriteFileAtomic writes via write(path.tmp) + fsync + rename + dir fsync.
// The writer callback receives the temp file; on any error the temp file
// is removed and path is untouched.
func WriteFileAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp := path + TempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	return Commit(tmp, path)
}

// Commit renames a fully written temp file over path and syncs the directory.
func Commit(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return SyncDir(filepath.Dir(path))
}

// SyncDir fsyncs a directory so a preceding rename is durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// FileDigest returns the hex SHA-256 of a file, streamed in 64 KiB blocks.
func FileDigest(path string) (string, error) {
	return FileDigestBuffer(path, nil)
}

// FileDigestBuffer is FileDigest using buf for reads, so callers hashing
// many files can reuse buffers. A nil buf allocates one.
func FileDigestBuffer(path string, buf []byte) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return ReaderDigestBuffer(f, buf)
}

// ReaderDigest returns the hex SHA-256 of everything read from r.
func ReaderDigest(r io.Reader) (string, error) {
	return ReaderDigestBuffer(r, nil)
}

// ReaderDigestBuffer is ReaderDigest using buf for reads.
func ReaderDigestBuffer(r io.Reader, buf []byte) (string, error) {
	if len(buf) == 0 {
		buf = make([]byte, 64*1024)
	}
	h := sha256.New()
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BytesDigest returns the hex SHA-256 of b.
func BytesDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CopyFileAtomic copies src over dst through a temp file and rename.
func CopyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return WriteFileAtomic(dst, func(w io.Writer) error {
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
		}
		return nil
	})
}

// LinkOrCopy hard-links src to dst, falling back to a full copy when the
// filesystem refuses links (cross-device, unsupported).
func LinkOrCopy(src, dst string) (linked bool, err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	if err := os.Link(src, dst); err == nil {
		return true, nil
	}
	return false, CopyFileAtomic(src, dst)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
