// Package ui renders reload progress and index status in the terminal.
//
// A Renderer consumes the progress events of one reload cycle. Interactive
// terminals get a bubbletea view; pipes, CI and --plain get line output.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/reload"
)

// Stage is a step of the update cycle as shown to the user.
type Stage int

const (
	StageDetecting Stage = iota
	StageBackingUp
	StageIngesting
	StageCommitting
	StageRollingBack
	StageComplete
)

// pipelineStages are the stages a successful cycle walks through.
var pipelineStages = []Stage{StageDetecting, StageBackingUp, StageIngesting, StageCommitting}

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageDetecting:
		return "Detecting"
	case StageBackingUp:
		return "Backing up"
	case StageIngesting:
		return "Ingesting"
	case StageCommitting:
		return "Committing"
	case StageRollingBack:
		return "Rolling back"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short tag used by plain output.
func (s Stage) Icon() string {
	switch s {
	case StageDetecting:
		return "DETECT"
	case StageBackingUp:
		return "BACKUP"
	case StageIngesting:
		return "INGEST"
	case StageCommitting:
		return "COMMIT"
	case StageRollingBack:
		return "ROLLBACK"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ParseStage maps a coordinator state name ("ingesting") to a Stage.
func ParseStage(name string) Stage {
	switch name {
	case index.StateDetecting.String():
		return StageDetecting
	case index.StateBackingUp.String():
		return StageBackingUp
	case index.StateIngesting.String():
		return StageIngesting
	case index.StateCommitting.String():
		return StageCommitting
	case index.StateRollingBack.String():
		return StageRollingBack
	default:
		return StageComplete
	}
}

// ProgressEvent is one progress update.
type ProgressEvent struct {
	Stage   Stage
	Current int
	Total   int
	Path    string
	Message string
}

// EventFrom converts a coordinator event.
func EventFrom(e index.Event) ProgressEvent {
	return ProgressEvent{
		Stage:   ParseStage(e.Stage),
		Current: e.Current,
		Total:   e.Total,
		Path:    e.Path,
		Message: e.Message,
	}
}

// ErrorEvent is a cycle error or warning.
type ErrorEvent struct {
	Path    string
	Message string
	IsWarn  bool
}

// EmbedderInfo describes the embedding model behind the index.
type EmbedderInfo struct {
	Model      string
	Dimensions int
}

// CompletionStats summarizes a finished cycle.
type CompletionStats struct {
	Success         bool
	DryRun          bool
	Added           int
	Modified        int
	Deleted         int
	Chunks          int
	EstimatedChunks int
	Generation      uint64
	Duration        time.Duration
	Errors          int
	Stages          map[string]time.Duration
	Embedder        EmbedderInfo
}

// StatsFrom converts an adapter response.
func StatsFrom(resp reload.Response) CompletionStats {
	stats := CompletionStats{
		Success:         resp.Success,
		DryRun:          resp.DryRun,
		Added:           resp.FilesAdded,
		Modified:        resp.FilesModified,
		Deleted:         resp.FilesDeleted,
		Chunks:          resp.ChunksAdded,
		EstimatedChunks: resp.EstimatedChunks,
		Generation:      resp.Generation,
		Duration:        time.Duration(resp.DurationSeconds * float64(time.Second)),
		Errors:          len(resp.Errors),
	}
	if len(resp.StageDurations) > 0 {
		stats.Stages = make(map[string]time.Duration, len(resp.StageDurations))
		for name, secs := range resp.StageDurations {
			stats.Stages[name] = time.Duration(secs * float64(time.Second))
		}
	}
	return stats
}

// Renderer displays the progress of one cycle.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// UpdateProgress updates the progress display.
	UpdateProgress(event ProgressEvent)

	// AddError records an error to display.
	AddError(event ErrorEvent)

	// Complete shows the final summary.
	Complete(stats CompletionStats)

	// Stop stops the renderer and cleans up.
	Stop() error
}

// Config configures the renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// SourceDir is shown in the TUI header.
	SourceDir string
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// WithSourceDir sets the directory shown in the TUI header.
func WithSourceDir(dir string) ConfigOption {
	return func(c *Config) {
		c.SourceDir = dir
	}
}

// NewConfig creates a Config writing to output.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer picks the TUI for interactive terminals and plain text for
// pipes, CI, or when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if the NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
