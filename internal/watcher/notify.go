package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aman-CERP/amanrag/internal/detect"
)

// FSWatcher watches a source directory recursively and emits debounced
// batches of relevant events.
type FSWatcher struct {
	detector  *detect.Detector
	opts      Options
	logger    *slog.Logger
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer

	events chan []FileEvent
	errors chan error
	stopCh chan struct{}

	mu       sync.RWMutex
	root     string
	matcher  *detect.Matcher
	stopped  bool
	dropped  atomic.Uint64
	watching atomic.Int64
}

// New creates a watcher that filters with detector's ignore rules. When
// fsnotify cannot be initialized, or opts.ForcePolling is set, the watcher
// emits a rescan event every PollInterval instead.
func New(detector *detect.Detector, opts Options, logger *slog.Logger) (*FSWatcher, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.WithDefaults()

	w := &FSWatcher{
		detector:  detector,
		opts:      opts,
		logger:    logger,
		debouncer: NewDebouncer(opts.DebounceWindow, logger),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}
	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("fsnotify unavailable, falling back to polling", slog.String("error", err.Error()))
		} else {
			w.fsWatcher = fsw
		}
	}
	return w, nil
}

// Start watches root until ctx is cancelled or Stop is called.
func (w *FSWatcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", abs)
	}

	w.mu.Lock()
	w.root = abs
	w.mu.Unlock()
	if err := w.loadMatcher(); err != nil {
		return err
	}

	go w.forward(ctx)

	if w.fsWatcher == nil {
		return w.poll(ctx)
	}
	return w.watch(ctx)
}

func (w *FSWatcher) watch(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("add directories to watcher: %w", err)
	}
	w.logger.Info("watching source directory",
		slog.String("path", w.root),
		slog.Int64("directories", w.watching.Load()))

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

func (w *FSWatcher) poll(ctx context.Context) error {
	w.logger.Info("polling source directory",
		slog.String("path", w.root),
		slog.Duration("interval", w.opts.PollInterval))

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case now := <-ticker.C:
			w.debouncer.Add(FileEvent{Path: ".", Operation: OpRescan, IsDir: true, Timestamp: now})
		}
	}
}

// handle converts, filters and queues one fsnotify event.
func (w *FSWatcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if rel == detect.IgnoreFileName {
		if err := w.loadMatcher(); err != nil {
			w.emitError(err)
		}
		w.debouncer.Add(FileEvent{Path: rel, Operation: OpIgnoreChange, Timestamp: time.Now()})
		return
	}

	isDir := false
	if info, err := os.Stat(event.Name); err == nil {
		isDir = info.IsDir()
	}
	if w.ignored(rel, isDir) {
		return
	}

	var op Operation
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
		if isDir {
			// mkdir -p delivers one event for the top directory only.
			if err := w.addRecursive(event.Name); err != nil {
				w.emitError(err)
			}
		}
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		op = OpRename
	default:
		return
	}

	w.debouncer.Add(FileEvent{Path: rel, Operation: op, IsDir: isDir, Timestamp: time.Now()})
}

func (w *FSWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping unreadable directory",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		if rel != "." && w.ignored(filepath.ToSlash(rel), true) {
			return filepath.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return err
		}
		w.watching.Add(1)
		return nil
	})
}

func (w *FSWatcher) ignored(rel string, isDir bool) bool {
	if rel == "." || rel == "" {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.detector.Ignored(w.matcher, w.root, rel, isDir)
}

func (w *FSWatcher) loadMatcher() error {
	w.mu.RLock()
	root := w.root
	w.mu.RUnlock()

	matcher, err := w.detector.Matcher(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.matcher = matcher
	w.mu.Unlock()
	return nil
}

func (w *FSWatcher) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case batch, ok := <-w.debouncer.Output():
			if !ok {
				return
			}
			w.emit(batch)
		}
	}
}

func (w *FSWatcher) emit(batch []FileEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.events <- batch:
	default:
		count := w.dropped.Add(1)
		w.logger.Warn("event buffer full, dropping batch",
			slog.Int("batch_size", len(batch)),
			slog.Uint64("total_dropped_batches", count))
	}
}

func (w *FSWatcher) emitError(err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
	}
}

// Stop stops watching and closes the Events and Errors channels.
// Safe to call multiple times.
func (w *FSWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.debouncer.Stop()
	if w.fsWatcher != nil {
		_ = w.fsWatcher.Close()
	}
	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of debounced batches.
func (w *FSWatcher) Events() <-chan []FileEvent {
	return w.events
}

// Errors returns non-fatal watcher errors.
func (w *FSWatcher) Errors() <-chan error {
	return w.errors
}

// Mode returns "fsnotify" or "polling".
func (w *FSWatcher) Mode() string {
	if w.fsWatcher != nil {
		return "fsnotify"
	}
	return "polling"
}

// DroppedBatches returns the number of batches dropped on a full buffer.
func (w *FSWatcher) DroppedBatches() uint64 {
	return w.dropped.Load()
}
