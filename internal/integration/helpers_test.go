// Package integration exercises the reload, search and watch paths
// together over real files.
package integration

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

	"github.com/Aman-CERP/amanrag/internal/embed"
	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/reload"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/store"
)

const testDims = 48

// stack is a coordinator with the adapter and searcher wired to it.
type stack struct {
	t        *testing.T
	src      string
	state    string
	coord    *index.Coordinator
	adapter  *reload.Adapter
	searcher *search.Searcher
	embedder *flakyEmbedder
	logger   *slog.Logger

	hookMu sync.Mutex
	hook   func(target string) error
}

func newStack(t *testing.T, files map[string]string, mutate ...func(*index.Config)) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	s := &stack{
		t:      t,
		src:    t.TempDir(),
		state:  filepath.Join(t.TempDir(), "state"),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for rel, content := range files {
		s.write(rel, content)
	}

	pipeline := embed.NewDefaultPipeline(testDims, 0, 100)
	t.Cleanup(func() { _ = pipeline.Close() })
	s.embedder = &flakyEmbedder{Pipeline: pipeline}
	tokenizer := store.NewCodeTokenizer(store.DefaultStopWords)

	cfg := index.Config{
		SourceDir:       s.src,
		StateDir:        s.state,
		Incremental:     true,
		BackupRetention: 2,
		IngestTimeout:   10 * time.Second,
		Vector:          store.VectorConfig{Dimensions: testDims},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	coord, err := index.Open(cfg,
		index.Dependencies{Embedder: s.embedder, Tokenizer: tokenizer, Logger: s.logger},
		index.WithCommitHook(s.runHook))
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	s.coord = coord
	s.adapter = reload.NewAdapter(coord, s.src, s.state)
	s.searcher = search.New(coord, pipeline.Embedder(), tokenizer, search.WithLogger(s.logger))
	return s
}

func (s *stack) runHook(target string) error {
	s.hookMu.Lock()
	fn := s.hook
	s.hookMu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(target)
}

// setHook runs fn before each store file of a commit is written.
func (s *stack) setHook(fn func(target string) error) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hook = fn
}

func (s *stack) write(rel, content string) {
	s.t.Helper()
	path := filepath.Join(s.src, filepath.FromSlash(rel))
	require.NoError(s.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(s.t, os.WriteFile(path, []byte(content), 0o644))
}

func (s *stack) remove(rel string) {
	s.t.Helper()
	require.NoError(s.t, os.Remove(filepath.Join(s.src, filepath.FromSlash(rel))))
}

// mustReload runs a cycle and requires it to commit.
func (s *stack) mustReload() reload.Response {
	s.t.Helper()
	resp := s.adapter.Reload(context.Background(), reload.Request{})
	require.True(s.t, resp.Success, "reload failed: %v", resp.Errors)
	return resp
}

// paths returns the distinct result paths for query, in rank order.
func (s *stack) paths(query string) []string {
	s.t.Helper()
	resp, err := s.searcher.Search(context.Background(), query, search.Options{Limit: search.MaxLimit})
	require.NoError(s.t, err)
	var out []string
	seen := make(map[string]bool)
	for _, r := range resp.Results {
		if !seen[r.Path] {
			seen[r.Path] = true
			out = append(out, r.Path)
		}
	}
	return out
}

// texts returns the text of every result for query.
func (s *stack) texts(query string) []string {
	s.t.Helper()
	resp, err := s.searcher.Search(context.Background(), query, search.Options{Limit: search.MaxLimit})
	require.NoError(s.t, err)
	out := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, r.Text)
	}
	return out
}

// flakyEmbedder fails ingestion of files whose path ends in a chosen
// suffix.
type flakyEmbedder struct {
	*embed.Pipeline

	mu     sync.Mutex
	suffix string
}

func (e *flakyEmbedder) failOn(suffix string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suffix = suffix
}

func (e *flakyEmbedder) ChunkAndEmbed(ctx context.Context, path, domain string) ([]index.Unit, error) {
	e.mu.Lock()
	suffix := e.suffix
	e.mu.Unlock()
	if suffix != "" && strings.HasSuffix(filepath.ToSlash(path), suffix) {
		return nil, errEmbedderDown
	}
	return e.Pipeline.ChunkAndEmbed(ctx, path, domain)
}

var errEmbedderDown = errors.New("embedding backend unavailable")
