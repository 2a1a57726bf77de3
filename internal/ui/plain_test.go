package ui

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlain() (*PlainRenderer, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewPlainRenderer(NewConfig(buf)), buf
}

func TestPlainRenderer_UpdateProgress(t *testing.T) {
	tests := []struct {
		name  string
		event ProgressEvent
		want  string
	}{
		{
			name:  "path and message",
			event: ProgressEvent{Stage: StageIngesting, Current: 3, Total: 10, Path: "guides/a.md", Message: "NEW"},
			want:  "[INGEST] 3/10 - guides/a.md (NEW)\n",
		},
		{
			name:  "message only",
			event: ProgressEvent{Stage: StageDetecting, Current: 4, Total: 4, Message: "change detection complete"},
			want:  "[DETECT] 4/4 - change detection complete\n",
		},
		{
			name:  "no total",
			event: ProgressEvent{Stage: StageRollingBack, Path: "b.md", Message: "timeout"},
			want:  "[ROLLBACK] b.md (timeout)\n",
		},
		{
			name:  "nothing to say",
			event: ProgressEvent{Stage: StageCommitting},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, buf := newPlain()
			r.UpdateProgress(tt.event)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPlainRenderer_AddError(t *testing.T) {
	r, buf := newPlain()

	r.AddError(ErrorEvent{Path: "a.md", Message: "boom"})
	r.AddError(ErrorEvent{Message: "skipped", IsWarn: true})

	assert.Equal(t, "ERROR: a.md: boom\nWARN: skipped\n", buf.String())
}

func TestPlainRenderer_Complete(t *testing.T) {
	tests := []struct {
		name  string
		stats CompletionStats
		want  []string
	}{
		{
			name:  "success with breakdown",
			stats: CompletionStats{Success: true, Added: 2, Chunks: 5, Generation: 3, Duration: 1200 * time.Millisecond, Stages: map[string]time.Duration{"ingesting": time.Second, "detecting": 5 * time.Millisecond}},
			want:  []string{"Complete: 2 added, 0 modified, 0 deleted; 5 chunks in 1.2s (generation 3)", "Stage Breakdown:", "detecting:"},
		},
		{
			name:  "dry run",
			stats: CompletionStats{DryRun: true, Success: true, Modified: 1, EstimatedChunks: 4},
			want:  []string{"Dry run: 0 added, 1 modified, 0 deleted; about 4 chunks to ingest"},
		},
		{
			name:  "failure counts errors",
			stats: CompletionStats{Errors: 1},
			want:  []string{"Failed after 0s; index left at its previous state (1 errors)"},
		},
		{
			name:  "embedder",
			stats: CompletionStats{Success: true, Embedder: EmbedderInfo{Model: "static-256", Dimensions: 256}},
			want:  []string{"Embedder: static-256 (256 dims)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, buf := newPlain()
			r.Complete(tt.stats)
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestPlainRenderer_StageBreakdownOrder(t *testing.T) {
	r, buf := newPlain()

	r.Complete(CompletionStats{Success: true, Stages: map[string]time.Duration{
		"committing": time.Millisecond,
		"detecting":  time.Millisecond,
		"ingesting":  time.Millisecond,
	}})

	out := buf.String()
	assert.Less(t, bytes.Index([]byte(out), []byte("detecting")), bytes.Index([]byte(out), []byte("ingesting")))
	assert.Less(t, bytes.Index([]byte(out), []byte("ingesting")), bytes.Index([]byte(out), []byte("committing")))
}

func TestPlainRenderer_Lifecycle(t *testing.T) {
	r, _ := newPlain()
	require.NoError(t, r.Start(context.Background()))
	assert.NoError(t, r.Stop())
}
