// Package detect compares the source directory against the manifest and
// classifies every path as new, modified, deleted or unchanged.
package detect

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/fsutil"
	"github.com/Aman-CERP/amanrag/internal/manifest"
)

// Kind classifies a path relative to the manifest.
type Kind string

// Change kinds.
const (
	KindNew       Kind = "NEW"
	KindModified  Kind = "MODIFIED"
	KindDeleted   Kind = "DELETED"
	KindUnchanged Kind = "UNCHANGED"
)

const hashBufferSize = 64 * 1024

// Change is the classification of one path.
type Change struct {
	Path    string    `json:"path"`
	Kind    Kind      `json:"kind"`
	OldHash string    `json:"old_hash,omitempty"`
	NewHash string    `json:"new_hash,omitempty"`
	Domain  string    `json:"domain"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time,omitzero"`
}

// Summary counts changes by kind.
type Summary struct {
	New       int `json:"new"`
	Modified  int `json:"modified"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
}

// HasChanges reports whether anything other than unchanged files was seen.
func (s Summary) HasChanges() bool {
	return s.New+s.Modified+s.Deleted > 0
}

// Summarize counts changes by kind.
func Summarize(changes []Change) Summary {
	var s Summary
	for _, c := range changes {
		switch c.Kind {
		case KindNew:
			s.New++
		case KindModified:
			s.Modified++
		case KindDeleted:
			s.Deleted++
		case KindUnchanged:
			s.Unchanged++
		}
	}
	return s
}

// Options configures a Detector.
type Options struct {
	// Ignore holds gitignore-style patterns applied in addition to
	// the source root's .amanragignore file.
	Ignore []string

	// DefaultDomain tags files placed directly in the source root.
	DefaultDomain string

	// MaxFileSize skips larger files. Zero means no limit.
	MaxFileSize int64

	// Workers bounds parallel hashing. Zero means 4.
	Workers int

	// StateDir is never enumerated, even when it lives inside the source.
	StateDir string
}

// Detector enumerates and hashes source files.
type Detector struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Detector.
func New(opts Options, logger *slog.Logger) *Detector {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DefaultDomain == "" {
		opts.DefaultDomain = "general"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{opts: opts, logger: logger}
}

type candidate struct {
	rel     string
	abs     string
	size    int64
	modTime time.Time
}

// Detect classifies every file under sourceDir against m. The result is
// sorted by path. Detect does not modify m.
func (d *Detector) Detect(ctx context.Context, sourceDir string, m *manifest.Manifest) ([]Change, error) {
	start := time.Now()

	files, err := d.enumerate(ctx, sourceDir)
	if err != nil {
		return nil, err
	}

	hashes, err := d.hashAll(ctx, files)
	if err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for i, f := range files {
		seen[f.rel] = struct{}{}
		c := Change{
			Path:    f.rel,
			NewHash: hashes[i],
			Domain:  d.DomainOf(f.rel),
			Size:    f.size,
			ModTime: f.modTime,
		}
		prev, ok := m.Entry(f.rel)
		switch {
		case !ok || prev.Deleted:
			c.Kind = KindNew
		case prev.Hash != c.NewHash:
			c.Kind = KindModified
			c.OldHash = prev.Hash
		default:
			c.Kind = KindUnchanged
			c.OldHash = prev.Hash
		}
		changes = append(changes, c)
	}

	for _, e := range m.LiveEntries() {
		if _, ok := seen[e.Path]; ok {
			continue
		}
		changes = append(changes, Change{
			Path:    e.Path,
			Kind:    KindDeleted,
			OldHash: e.Hash,
			Domain:  e.Domain,
		})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	s := Summarize(changes)
	d.logger.Debug("change_detection_complete",
		slog.Int("new", s.New),
		slog.Int("modified", s.Modified),
		slog.Int("deleted", s.Deleted),
		slog.Int("unchanged", s.Unchanged),
		slog.Duration("duration", time.Since(start)))

	return changes, nil
}

// DomainOf returns the first path segment of rel, or the default domain
// for files at the source root.
func (d *Detector) DomainOf(rel string) string {
	if i := strings.IndexByte(rel, '/'); i > 0 {
		return rel[:i]
	}
	return d.opts.DefaultDomain
}

// Matcher builds the ignore matcher for sourceDir.
func (d *Detector) Matcher(sourceDir string) (*Matcher, error) {
	matcher := NewMatcher(d.opts.Ignore...)
	if err := matcher.AddFile(filepath.Join(sourceDir, IgnoreFileName)); err != nil {
		return nil, amerrors.New(amerrors.ErrCodeConfigInvalid, "failed to read ignore file", err)
	}
	return matcher, nil
}

// Ignored reports whether rel would be skipped by enumeration, not counting
// size limits. Used by the watcher to drop irrelevant events early.
func (d *Detector) Ignored(matcher *Matcher, sourceDir, rel string, isDir bool) bool {
	if rel == "." || rel == "" {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	if d.opts.StateDir != "" {
		if abs := filepath.Join(sourceDir, filepath.FromSlash(rel)); isWithin(abs, d.opts.StateDir) {
			return true
		}
	}
	return matcher.Match(rel, isDir)
}

func (d *Detector) enumerate(ctx context.Context, sourceDir string) ([]candidate, error) {
	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return nil, amerrors.New(amerrors.ErrCodeSourceNotFound,
			fmt.Sprintf("source directory %s is not accessible", filepath.Base(sourceDir)), err).
			WithSuggestion("Set source.dir in .amanrag.yaml or pass --source")
	}

	matcher, err := d.Matcher(sourceDir)
	if err != nil {
		return nil, err
	}

	var files []candidate
	err = filepath.WalkDir(sourceDir, func(path string, de fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == sourceDir {
				return walkErr
			}
			d.logger.Warn("skipping unreadable path",
				slog.String("path", path),
				slog.String("error", walkErr.Error()))
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if de.IsDir() {
			if d.Ignored(matcher, sourceDir, rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !de.Type().IsRegular() {
			// symlinks, sockets, devices
			return nil
		}
		if d.Ignored(matcher, sourceDir, rel, false) {
			return nil
		}

		fi, err := de.Info()
		if err != nil {
			return nil
		}
		if d.opts.MaxFileSize > 0 && fi.Size() > d.opts.MaxFileSize {
			d.logger.Debug("skipping large file",
				slog.String("path", rel),
				slog.Int64("size", fi.Size()))
			return nil
		}

		files = append(files, candidate{rel: rel, abs: path, size: fi.Size(), modTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, amerrors.New(amerrors.ErrCodeFilePermission, "failed to enumerate source directory", err)
	}
	return files, nil
}

func (d *Detector) hashAll(ctx context.Context, files []candidate) ([]string, error) {
	hashes := make([]string, len(files))
	bufPool := sync.Pool{New: func() any {
		b := make([]byte, hashBufferSize)
		return &b
	}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			buf := bufPool.Get().(*[]byte)
			defer bufPool.Put(buf)

			h, err := fsutil.FileDigestBuffer(f.abs, *buf)
			if err != nil {
				return amerrors.New(amerrors.ErrCodeFilePermission,
					fmt.Sprintf("failed to hash %s", f.rel), err).WithDetail("path", f.rel)
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return hashes, nil
}

// HashFile returns the hex SHA-256 of the file at path using a bounded
// read buffer.
func HashFile(path string) (string, error) {
	return fsutil.FileDigest(path)
}

func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
