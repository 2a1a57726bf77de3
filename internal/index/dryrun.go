package index

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/amanrag/internal/detect"
)

// dryRun detects changes against the live manifest and estimates the chunks
// a real cycle would add. It takes no lock and writes nothing.
func (c *Coordinator) dryRun(ctx context.Context, cy *cycle) (*Result, error) {
	live := c.Live()

	t := time.Now()
	changes, err := c.detector.Detect(ctx, c.cfg.SourceDir, live.Manifest)
	if err != nil {
		return cy.fail(err, StateDetecting, "")
	}
	cy.timed(StateDetecting, t)

	cy.result.Summary = detect.Summarize(changes)
	cy.result.Changes = changes
	cy.result.Generation = live.Generation

	estimator, _ := c.embedder.(ChunkEstimator)
	total := 0
	for i, ch := range changes {
		if ch.Kind == detect.KindDeleted || (ch.Kind == detect.KindUnchanged && !cy.full) {
			continue
		}
		cy.emit(StateDetecting, i+1, len(changes), ch.Path, "estimating")
		total += c.estimate(ctx, estimator, ch)
	}
	cy.result.EstimatedChunks = total
	cy.result.Success = true
	cy.result.Duration = time.Since(cy.start)

	c.logger.Info("reload_dry_run",
		slog.String("cycle_id", cy.id),
		slog.Int("files_added", cy.result.Summary.New),
		slog.Int("files_modified", cy.result.Summary.Modified),
		slog.Int("files_deleted", cy.result.Summary.Deleted),
		slog.Int("estimated_chunks", total))
	return cy.result, nil
}

func (c *Coordinator) estimate(ctx context.Context, estimator ChunkEstimator, ch detect.Change) int {
	if estimator != nil {
		abs := filepath.Join(c.cfg.SourceDir, filepath.FromSlash(ch.Path))
		n, err := estimator.EstimateChunks(ctx, abs, ch.Size)
		if err == nil {
			return n
		}
		c.logger.Debug("chunk estimate failed, using size heuristic",
			slog.String("path", ch.Path),
			slog.String("error", err.Error()))
	}
	return EstimateBySize(ch.Size, c.cfg.EstimateBytesPerChunk)
}

// EstimateBySize returns ceil(size / bytesPerChunk).
func EstimateBySize(size int64, bytesPerChunk int) int {
	if size <= 0 || bytesPerChunk <= 0 {
		return 0
	}
	per := int64(bytesPerChunk)
	return int((size + per - 1) / per)
}
