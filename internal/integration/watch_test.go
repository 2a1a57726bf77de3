package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/reload"
	"github.com/Aman-CERP/amanrag/internal/watcher"
)

// startWatch runs a watcher and trigger over the stack until the test ends.
// It returns a function reporting the generations the trigger committed.
func startWatch(t *testing.T, s *stack, opts watcher.Options) func() []uint64 {
	t.Helper()
	w, err := watcher.New(s.coord.Detector(), opts, s.logger)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		gens []uint64
	)
	trigger := watcher.NewTrigger(s.adapter,
		watcher.WithTriggerLogger(s.logger),
		watcher.WithResultHook(func(_ []watcher.FileEvent, resp reload.Response, err error) {
			if err == nil && resp.Success {
				mu.Lock()
				gens = append(gens, resp.Generation)
				mu.Unlock()
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = w.Start(ctx, s.src)
	}()
	go func() {
		defer wg.Done()
		_ = trigger.Run(ctx, w.Events())
	}()
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
		wg.Wait()
	})

	return func() []uint64 {
		mu.Lock()
		defer mu.Unlock()
		return append([]uint64(nil), gens...)
	}
}

func TestWatch_PollingAppliesNewFiles(t *testing.T) {
	// Given: an indexed corpus watched by the polling fallback
	s := newStack(t, corpus)
	s.mustReload()
	committed := startWatch(t, s, watcher.Options{
		ForcePolling:   true,
		PollInterval:   50 * time.Millisecond,
		DebounceWindow: 20 * time.Millisecond,
	})

	// When: a file is added to the source directory
	s.write("ops/alerts.md", "# Alerts\n\nPage the on-call engineer for outages.\n")

	// Then: a background cycle publishes it
	require.Eventually(t, func() bool {
		for _, p := range s.paths("on-call outages") {
			if p == "ops/alerts.md" {
				return true
			}
		}
		return false
	}, 5*time.Second, 25*time.Millisecond)
	assert.NotEmpty(t, committed())
}

func TestWatch_NotifyAppliesEditsAndDeletes(t *testing.T) {
	// Given: an indexed corpus watched with fsnotify
	s := newStack(t, corpus)
	s.mustReload()
	start := s.coord.Live().Generation
	startWatch(t, s, watcher.Options{DebounceWindow: 30 * time.Millisecond})
	// let the watcher register its directories
	time.Sleep(200 * time.Millisecond)

	// When: one file is removed
	s.remove("guides/upgrade.md")

	// Then: it disappears from results in a later generation
	require.Eventually(t, func() bool {
		for _, p := range s.paths("upgrading service") {
			if p == "guides/upgrade.md" {
				return false
			}
		}
		return s.coord.Live().Generation > start
	}, 5*time.Second, 25*time.Millisecond)

	if e, ok := s.coord.Live().Manifest.Entry("guides/upgrade.md"); ok {
		assert.True(t, e.Deleted)
	}
}

func TestWatch_FailedCyclesLeaveIndexIntact(t *testing.T) {
	// Given: a watched corpus whose next change cannot be ingested
	s := newStack(t, corpus)
	s.mustReload()
	before := s.coord.Live().Generation
	s.embedder.failOn("bad.md")
	s.write("bad.md", "cannot embed\n")

	// When: the watcher polls several times
	committed := startWatch(t, s, watcher.Options{
		ForcePolling:   true,
		PollInterval:   30 * time.Millisecond,
		DebounceWindow: 10 * time.Millisecond,
	})
	time.Sleep(300 * time.Millisecond)

	// Then: nothing was committed and the old generation is still live
	assert.Empty(t, committed())
	assert.Equal(t, before, s.coord.Live().Generation)
	assert.False(t, s.coord.Halted())
	assert.Contains(t, s.paths("installer"), "guides/install.md")
}
