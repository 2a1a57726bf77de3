package ui

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// PlainRenderer writes one line per event (for CI and pipes).
type PlainRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	stage  Stage
	errors []ErrorEvent
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
// Format: [STAGE] current/total - path (message)
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stage = event.Stage

	msg := event.Message
	switch {
	case event.Path != "" && msg != "":
		msg = fmt.Sprintf("%s (%s)", event.Path, msg)
	case event.Path != "":
		msg = event.Path
	}

	if event.Total > 0 {
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
	} else if msg != "" {
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), msg)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, event)

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}
	if event.Path != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %s\n", prefix, event.Path, event.Message)
	} else {
		_, _ = fmt.Fprintf(r.out, "%s: %s\n", prefix, event.Message)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stage = StageComplete
	d := stats.Duration.Round(100 * time.Millisecond)

	switch {
	case stats.DryRun:
		_, _ = fmt.Fprintf(r.out, "Dry run: %d added, %d modified, %d deleted; about %d chunks to ingest\n",
			stats.Added, stats.Modified, stats.Deleted, stats.EstimatedChunks)
		return
	case stats.Success:
		_, _ = fmt.Fprintf(r.out, "Complete: %d added, %d modified, %d deleted; %d chunks in %s (generation %d)",
			stats.Added, stats.Modified, stats.Deleted, stats.Chunks, d, stats.Generation)
	default:
		_, _ = fmt.Fprintf(r.out, "Failed after %s; index left at its previous state", d)
	}
	if stats.Errors > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors)", stats.Errors)
	}
	_, _ = fmt.Fprintln(r.out)

	if len(stats.Stages) > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "Stage Breakdown:")
		for _, name := range stageOrder(stats.Stages) {
			_, _ = fmt.Fprintf(r.out, "  %-13s %s\n", name+":", stats.Stages[name].Round(time.Millisecond))
		}
	}

	if stats.Embedder.Model != "" {
		_, _ = fmt.Fprintf(r.out, "\nEmbedder: %s (%d dims)\n", stats.Embedder.Model, stats.Embedder.Dimensions)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

// stageOrder lists the timed stages in cycle order. Unknown names go last.
func stageOrder(stages map[string]time.Duration) []string {
	known := []string{"detecting", "backing_up", "ingesting", "committing", "rolling_back"}
	names := make([]string, 0, len(stages))
	seen := make(map[string]bool, len(known))
	for _, name := range known {
		if _, ok := stages[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range stages {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

var _ Renderer = (*PlainRenderer)(nil)
