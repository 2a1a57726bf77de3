package index

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/fsutil"
	"github.com/Aman-CERP/amanrag/internal/store"
)

const testDims = 4

// lineEmbedder turns every non-empty line into one chunk with a
// deterministic byte-sum vector.
type lineEmbedder struct {
	mu    sync.Mutex
	fail  map[string]error
	delay time.Duration

	// gate, when set, blocks ChunkAndEmbed until closed; entered is
	// signalled once per call before blocking.
	gate    chan struct{}
	entered chan struct{}
}

func newLineEmbedder() *lineEmbedder {
	return &lineEmbedder{fail: make(map[string]error)}
}

func (e *lineEmbedder) setFailure(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.fail, name)
		return
	}
	e.fail[name] = err
}

func (e *lineEmbedder) Dimensions() int { return testDims }

func (e *lineEmbedder) ChunkAndEmbed(ctx context.Context, path, _ string) ([]Unit, error) {
	if e.entered != nil {
		e.entered <- struct{}{}
	}
	if e.gate != nil {
		<-e.gate
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	err := e.fail[filepath.Base(path)]
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var units []Unit
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		units = append(units, Unit{Text: line, Vector: lineVector(line)})
	}
	return units, nil
}

func lineVector(s string) []float32 {
	v := make([]float32, testDims)
	v[0] = 1
	for i, b := range []byte(s) {
		v[i%testDims] += float32(b)
	}
	return v
}

// estimatingEmbedder also implements ChunkEstimator.
type estimatingEmbedder struct {
	*lineEmbedder
	perFile int
}

func (e *estimatingEmbedder) EstimateChunks(context.Context, string, int64) (int, error) {
	return e.perFile, nil
}

type harness struct {
	t        *testing.T
	src      string
	state    string
	cfg      Config
	embedder *lineEmbedder
	coord    *Coordinator

	hookMu sync.Mutex
	hook   func(target string) error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		src:      t.TempDir(),
		state:    t.TempDir(),
		embedder: newLineEmbedder(),
	}
	h.cfg = Config{
		SourceDir:       h.src,
		StateDir:        h.state,
		Incremental:     true,
		BackupRetention: 3,
		IngestTimeout:   5 * time.Second,
		Vector:          store.VectorConfig{Dimensions: testDims},
	}
	for _, m := range mutate {
		m(&h.cfg)
	}
	h.coord = h.open()
	return h
}

func (h *harness) open() *Coordinator {
	h.t.Helper()
	return h.openWith(h.embedder)
}

func (h *harness) openWith(embedder ChunkEmbedder) *Coordinator {
	h.t.Helper()
	c, err := Open(h.cfg, Dependencies{
		Embedder:  embedder,
		Tokenizer: store.NewCodeTokenizer(nil),
		Logger:    discardLogger(),
	}, WithCommitHook(h.runHook))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) runHook(target string) error {
	h.hookMu.Lock()
	fn := h.hook
	h.hookMu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(target)
}

func (h *harness) setHook(fn func(target string) error) {
	h.hookMu.Lock()
	defer h.hookMu.Unlock()
	h.hook = fn
}

func (h *harness) failOn(target string) {
	h.setHook(func(got string) error {
		if got == target {
			return errors.New("injected " + target + " write failure")
		}
		return nil
	})
}

func (h *harness) write(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.src, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
}

func (h *harness) remove(rel string) {
	h.t.Helper()
	require.NoError(h.t, os.Remove(filepath.Join(h.src, filepath.FromSlash(rel))))
}

func (h *harness) reload() *Result {
	h.t.Helper()
	res, err := h.coord.Reload(context.Background(), ReloadOptions{})
	require.NoError(h.t, err)
	require.True(h.t, res.Success)
	return res
}

// stateDigests hashes the three persisted files; absent files map to "".
func (h *harness) stateDigests() map[string]string {
	h.t.Helper()
	out := make(map[string]string)
	for name, path := range h.coord.files() {
		if !fsutil.Exists(path) {
			out[name] = ""
			continue
		}
		d, err := fsutil.FileDigest(path)
		require.NoError(h.t, err)
		out[name] = d
	}
	return out
}

func (h *harness) stateModTimes() map[string]time.Time {
	h.t.Helper()
	out := make(map[string]time.Time)
	for name, path := range h.coord.files() {
		info, err := os.Stat(path)
		require.NoError(h.t, err)
		out[name] = info.ModTime()
	}
	return out
}

// lexicalHits returns the ids matching term in the live snapshot.
func lexicalHits(s *Snapshot, term string) []uint64 {
	var ids []uint64
	for _, r := range s.Lexical.Search([]string{term}, "", 100, s.Hidden) {
		ids = append(ids, r.ID)
	}
	return ids
}
