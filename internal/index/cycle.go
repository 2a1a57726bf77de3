package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/detect"
	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/manifest"
	"github.com/Aman-CERP/amanrag/internal/snapshot"
	"github.com/Aman-CERP/amanrag/internal/store"
)

// cycle carries the state of one in-flight update.
type cycle struct {
	id       string
	opts     ReloadOptions
	full     bool
	start    time.Time
	result   *Result
	changes  []detect.Change
	snapshot *snapshot.Snapshot

	draft *manifest.Manifest
	vec   *store.VectorStore
	lex   *store.LexicalStore
}

func (cy *cycle) emit(stage State, current, total int, path, msg string) {
	if cy.opts.Progress == nil {
		return
	}
	cy.opts.Progress(Event{
		CycleID: cy.id,
		Stage:   stage.String(),
		Current: current,
		Total:   total,
		Path:    path,
		Message: msg,
	})
}

func (cy *cycle) timed(stage State, since time.Time) {
	cy.result.Stages[stage.String()] = time.Since(since)
}

// Reload runs one update cycle. On failure the returned Result has
// Success=false and the error is a *CycleError wrapping the coded cause.
func (c *Coordinator) Reload(ctx context.Context, opts ReloadOptions) (*Result, error) {
	cy := &cycle{
		id:    uuid.NewString(),
		opts:  opts,
		full:  opts.Full || !c.cfg.Incremental,
		start: time.Now(),
	}
	cy.result = &Result{
		CycleID: cy.id,
		DryRun:  opts.DryRun,
		Full:    cy.full,
		Stages:  make(map[string]time.Duration),
	}

	if opts.DryRun {
		return c.dryRun(ctx, cy)
	}

	if c.Halted() {
		return cy.fail(c.haltError(), StateIdle, "")
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return cy.fail(err, StateIdle, "")
	}
	defer release()

	// a cycle that waited in the queue may find the coordinator halted
	if c.Halted() {
		return cy.fail(c.haltError(), StateIdle, "")
	}

	c.logger.Info("reload_cycle_started",
		slog.String("cycle_id", cy.id),
		slog.Bool("full", cy.full),
		slog.String("source_dir", c.cfg.SourceDir))

	res, err := c.run(ctx, cy)
	c.setState(StateIdle, cy.id)
	return res, err
}

func (c *Coordinator) run(ctx context.Context, cy *cycle) (*Result, error) {
	live := c.Live()

	// DETECTING
	c.setState(StateDetecting, cy.id)
	t := time.Now()
	changes, err := c.detector.Detect(ctx, c.cfg.SourceDir, live.Manifest)
	if err != nil {
		return cy.fail(err, StateDetecting, "")
	}
	cy.changes = changes
	cy.result.Summary = detect.Summarize(changes)
	cy.timed(StateDetecting, t)
	cy.emit(StateDetecting, len(changes), len(changes), "", "change detection complete")

	if !cy.full && !cy.result.Summary.HasChanges() {
		cy.result.Success = true
		cy.result.Summary = detect.Summary{Unchanged: cy.result.Summary.Unchanged}
		cy.result.Generation = live.Generation
		cy.result.Duration = time.Since(cy.start)
		c.logger.Info("reload_cycle_noop", slog.String("cycle_id", cy.id))
		return cy.result, nil
	}

	// BACKING_UP
	c.setState(StateBackingUp, cy.id)
	t = time.Now()
	snap, err := c.snapshots.Create(cy.id, "reload", c.files())
	if err != nil {
		c.setState(StateRollingBack, cy.id)
		return cy.fail(err, StateBackingUp, "")
	}
	cy.snapshot = snap
	cy.result.SnapshotID = snap.ID
	cy.timed(StateBackingUp, t)
	cy.emit(StateBackingUp, 1, 1, "", "backup snapshot "+snap.ID)

	// from here on the cycle runs to completion or rollback
	ctx = context.WithoutCancel(ctx)

	// INGESTING
	c.setState(StateIngesting, cy.id)
	t = time.Now()
	if stage, path, err := c.ingest(ctx, cy, live); err != nil {
		return c.rollback(cy, stage, path, err)
	}
	cy.timed(StateIngesting, t)

	// COMMITTING
	c.setState(StateCommitting, cy.id)
	t = time.Now()
	if err := c.commit(cy); err != nil {
		return c.rollback(cy, StateCommitting, "", err)
	}
	cy.timed(StateCommitting, t)

	c.vectors, c.lexical = cy.vec, cy.lex
	published := c.publish(cy.draft, cy.vec, cy.lex)

	if !c.cfg.KeepBackupOnSuccess {
		if err := c.snapshots.Discard(snap); err != nil {
			c.logger.Warn("failed to discard backup snapshot",
				slog.String("snapshot_id", snap.ID),
				slog.String("error", err.Error()))
		}
	}

	cy.result.Success = true
	cy.result.Generation = published.Generation
	cy.result.Duration = time.Since(cy.start)
	cy.emit(StateCommitting, 1, 1, "", "committed")

	c.logger.Info("reload_cycle_completed",
		slog.String("cycle_id", cy.id),
		slog.Int("files_added", cy.result.Summary.New),
		slog.Int("files_modified", cy.result.Summary.Modified),
		slog.Int("files_deleted", cy.result.Summary.Deleted),
		slog.Int("chunks_added", cy.result.ChunksAdded),
		slog.Int("errors", len(cy.result.Errors)),
		slog.Uint64("generation", published.Generation),
		slog.Duration("duration", cy.result.Duration))
	return cy.result, nil
}

// ingest applies the changes to a cloned manifest and to the stores. The
// live snapshot keeps its own views, so readers are unaffected.
func (c *Coordinator) ingest(ctx context.Context, cy *cycle, live *Snapshot) (State, string, error) {
	cy.draft = live.Manifest.Clone()
	cy.vec, cy.lex = c.vectors, c.lexical
	if cy.full {
		cy.draft.Rebase()
		vec, lex, err := c.newStores()
		if err != nil {
			return StateIngesting, "", err
		}
		cy.vec, cy.lex = vec, lex
	}

	work := make([]detect.Change, 0, len(cy.changes))
	for _, ch := range cy.changes {
		if ch.Kind != detect.KindUnchanged || cy.full {
			work = append(work, ch)
		}
	}

	var (
		adds    []store.LexicalDoc
		removes []uint64
	)
	now := c.now().UTC()
	for i, ch := range work {
		cy.emit(StateIngesting, i+1, len(work), ch.Path, string(ch.Kind))

		if ch.Kind == detect.KindDeleted {
			if cy.full {
				continue
			}
			if err := cy.draft.MarkDeleted(ch.Path, now); err != nil {
				return StateIngesting, ch.Path, err
			}
			if e, ok := live.Manifest.Entry(ch.Path); ok {
				removes = append(removes, e.Range().IDs()...)
			}
			continue
		}

		units, err := c.chunkAndEmbed(ctx, ch)
		if err == nil {
			err = checkWidths(units, cy.vec.Dimensions())
		}
		if err != nil {
			ierr := asIngestionFailure(ch.Path, err)
			if c.cfg.Strictness != config.StrictnessSkip {
				return StateIngesting, ch.Path, ierr
			}
			c.logger.Warn("ingestion_skipped",
				slog.String("cycle_id", cy.id),
				slog.String("path", ch.Path),
				slog.String("error", ierr.Error()))
			cy.result.Errors = append(cy.result.Errors, FileError{
				Path:    ch.Path,
				Stage:   StateIngesting.String(),
				Code:    amerrors.GetCode(ierr),
				Message: rootCause(ierr),
			})
			continue
		}

		r, err := cy.draft.AllocateRange(ch.Path, len(units))
		if err != nil {
			return StateIngesting, ch.Path, err
		}
		ids := r.IDs()
		vectors := make([][]float32, len(units))
		for j, u := range units {
			vectors[j] = u.Vector
			adds = append(adds, store.LexicalDoc{
				ID:     ids[j],
				Domain: ch.Domain,
				Tokens: c.tokenizer.Tokenize(u.Text),
				Text:   u.Text,
			})
		}
		if err := cy.vec.Add(ids, vectors); err != nil {
			return StateIngesting, ch.Path, err
		}

		if ch.Kind == detect.KindModified && !cy.full {
			if e, ok := live.Manifest.Entry(ch.Path); ok {
				removes = append(removes, e.Range().IDs()...)
			}
		}
		cy.draft.RecordFile(ch.Path, ch.NewHash, r, ch.Domain, ch.ModTime, now)
		cy.result.ChunksAdded += len(units)
	}

	if err := cy.lex.Update(adds, removes); err != nil {
		return StateIngesting, "", err
	}
	c.logger.Debug("ingest_complete",
		slog.String("cycle_id", cy.id),
		slog.Int("files", len(work)),
		slog.Int("lexical_added", len(adds)),
		slog.Int("lexical_removed", len(removes)))
	return StateIngesting, "", nil
}

func (c *Coordinator) chunkAndEmbed(ctx context.Context, ch detect.Change) ([]Unit, error) {
	abs := filepath.Join(c.cfg.SourceDir, filepath.FromSlash(ch.Path))
	retry := amerrors.RetryConfig{
		MaxRetries:   c.cfg.IngestRetries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
	return amerrors.RetryWithResult(ctx, retry, func() ([]Unit, error) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.cfg.IngestTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.IngestTimeout)
		}
		defer cancel()

		type outcome struct {
			units []Unit
			err   error
		}
		done := make(chan outcome, 1)
		go func() {
			units, err := c.embedder.ChunkAndEmbed(callCtx, abs, ch.Domain)
			done <- outcome{units, err}
		}()

		// a collaborator that ignores its context still cannot stall the cycle
		select {
		case out := <-done:
			return out.units, out.err
		case <-callCtx.Done():
			return nil, fmt.Errorf("chunk and embed timed out after %s: %w", c.cfg.IngestTimeout, callCtx.Err())
		}
	})
}

func checkWidths(units []Unit, dims int) error {
	for _, u := range units {
		if len(u.Vector) != dims {
			return amerrors.DimensionMismatch(dims, len(u.Vector))
		}
	}
	return nil
}

func asIngestionFailure(path string, err error) error {
	if errors.Is(err, amerrors.ErrIngestionFailed) {
		return err
	}
	return amerrors.IngestionFailed(path, err)
}

func rootCause(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

// commit writes the vector file, then the lexical file, then the manifest
// carrying both store digests. The manifest rename is the commit point.
func (c *Coordinator) commit(cy *cycle) error {
	if got, want := uint64(cy.vec.Size()), cy.draft.TotalChunkCount; got != want {
		return amerrors.InternalError(fmt.Sprintf("vector store holds %d vectors, manifest records %d chunks", got, want), nil)
	}

	if err := c.hook("vector"); err != nil {
		return err
	}
	vdigest, err := cy.vec.Save(c.cfg.VectorPath)
	if err != nil {
		return err
	}

	if err := c.hook("lexical"); err != nil {
		return err
	}
	ldigest, err := cy.lex.Save(c.cfg.LexicalPath)
	if err != nil {
		return err
	}

	cy.draft.Vector = manifest.StoreDigest{Digest: vdigest, Size: cy.vec.Size()}
	cy.draft.Lexical = manifest.StoreDigest{Digest: ldigest, Size: cy.lex.Len()}
	cy.draft.UpdatedAt = c.now().UTC()

	if err := c.hook("manifest"); err != nil {
		return err
	}
	return c.manifests.Save(cy.draft)
}

func (c *Coordinator) hook(target string) error {
	if c.commitHook == nil {
		return nil
	}
	if err := c.commitHook(target); err != nil {
		return amerrors.New(amerrors.ErrCodeFilePermission, "failed to write "+target+" store", err)
	}
	return nil
}

// rollback restores the pre-cycle files and reloads the stores from them.
// The live snapshot is left untouched. If the restore fails writes halt.
func (c *Coordinator) rollback(cy *cycle, stage State, path string, cause error) (*Result, error) {
	c.setState(StateRollingBack, cy.id)
	t := time.Now()
	c.logger.Warn("rollback_started",
		slog.String("cycle_id", cy.id),
		slog.String("stage", stage.String()),
		slog.String("path", path),
		slog.String("error", cause.Error()))
	cy.emit(StateRollingBack, 0, 1, path, cause.Error())

	restoreErr := c.snapshots.Restore(cy.snapshot, c.files())
	if restoreErr == nil {
		var (
			vec *store.VectorStore
			lex *store.LexicalStore
		)
		_, vec, lex, restoreErr = c.loadPersisted()
		if restoreErr == nil {
			c.vectors, c.lexical = vec, lex
		}
	}
	if restoreErr != nil {
		rerr := restoreErr
		if !errors.Is(rerr, amerrors.ErrRestoreFailed) {
			rerr = amerrors.RestoreFailed("failed to reload restored stores", restoreErr)
		}
		c.halt(rerr, cy.id)
		res, _ := cy.fail(cause, stage, path)
		return res, &CycleError{
			CycleID:    cy.id,
			Stage:      StateRollingBack,
			Path:       path,
			Err:        rerr,
			CauseStage: stage,
			Cause:      cause,
		}
	}

	cy.timed(StateRollingBack, t)
	cy.emit(StateRollingBack, 1, 1, path, "rollback complete")
	c.logger.Info("rollback_completed",
		slog.String("cycle_id", cy.id),
		slog.String("snapshot_id", cy.snapshot.ID))
	return cy.fail(cause, stage, path)
}

func (cy *cycle) fail(err error, stage State, path string) (*Result, error) {
	cy.result.Success = false
	cy.result.ChunksAdded = 0
	cy.result.Duration = time.Since(cy.start)
	fe := FileError{
		Path:    path,
		Stage:   stage.String(),
		Code:    amerrors.GetCode(err),
		Message: err.Error(),
	}
	cy.result.Errors = append(cy.result.Errors, fe)
	return cy.result, &CycleError{CycleID: cy.id, Stage: stage, Path: path, Err: err}
}
