package watcher

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/reload"
)

// Reloader runs one reload cycle.
type Reloader interface {
	Reload(ctx context.Context, req reload.Request) reload.Response
}

// Trigger runs a reload for each event batch. Consecutive failed cycles
// open a circuit breaker. While it is open batches are skipped and Run
// schedules one reload for when the breaker half-opens, so changes seen
// during the open period are still applied.
type Trigger struct {
	reloader Reloader
	breaker  *amerrors.CircuitBreaker
	logger   *slog.Logger
	onResult func([]FileEvent, reload.Response, error)
}

// TriggerOption configures a Trigger.
type TriggerOption func(*Trigger)

// WithTriggerLogger sets the logger.
func WithTriggerLogger(l *slog.Logger) TriggerOption {
	return func(t *Trigger) { t.logger = l }
}

// WithBreaker replaces the default breaker (3 failures, 1 minute).
func WithBreaker(cb *amerrors.CircuitBreaker) TriggerOption {
	return func(t *Trigger) { t.breaker = cb }
}

// WithResultHook is called after every batch, including skipped ones.
func WithResultHook(fn func(batch []FileEvent, resp reload.Response, err error)) TriggerOption {
	return func(t *Trigger) { t.onResult = fn }
}

// NewTrigger creates a Trigger driving r.
func NewTrigger(r Reloader, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		reloader: r,
		breaker:  amerrors.NewCircuitBreaker("watch-reload", amerrors.WithResetTimeout(time.Minute)),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run consumes batches until ctx ends or the channel is closed. Batches
// refused by the open breaker are merged and retried once it half-opens.
func (t *Trigger) Run(ctx context.Context, batches <-chan []FileEvent) error {
	var (
		skipped []FileEvent
		retry   *time.Timer
		retryC  <-chan time.Time
	)
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	fire := func(batch []FileEvent) {
		_, err := t.Fire(ctx, batch)
		if !errors.Is(err, amerrors.ErrCircuitOpen) {
			return
		}
		skipped = append(skipped, batch...)
		if retryC == nil {
			retry = time.NewTimer(t.breaker.RetryIn())
			retryC = retry.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-retryC:
			retryC = nil
			pending := skipped
			skipped = nil
			t.logger.Info("retrying skipped changes", slog.Int("events", len(pending)))
			fire(pending)
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			if len(batch) == 0 {
				continue
			}
			fire(batch)
		}
	}
}

// Fire runs one reload for batch. It returns amerrors.ErrCircuitOpen
// without reloading while the breaker is open.
func (t *Trigger) Fire(ctx context.Context, batch []FileEvent) (reload.Response, error) {
	var resp reload.Response
	err := t.breaker.Execute(func() error {
		resp = t.reloader.Reload(ctx, reload.Request{})
		if !resp.Success {
			return errors.New(strings.Join(resp.Errors, "; "))
		}
		return nil
	})

	switch {
	case errors.Is(err, amerrors.ErrCircuitOpen):
		t.logger.Warn("reload skipped, circuit open",
			slog.Int("events", len(batch)),
			slog.Int("failures", t.breaker.Failures()))
	case err != nil:
		t.logger.Error("watch reload failed",
			slog.String("cycle_id", resp.CycleID),
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()))
	default:
		t.logger.Info("watch reload complete",
			slog.String("cycle_id", resp.CycleID),
			slog.Int("events", len(batch)),
			slog.Int("files_added", resp.FilesAdded),
			slog.Int("files_modified", resp.FilesModified),
			slog.Int("files_deleted", resp.FilesDeleted),
			slog.Uint64("generation", resp.Generation))
	}
	if t.onResult != nil {
		t.onResult(batch, resp, err)
	}
	return resp, err
}

// Breaker exposes the circuit breaker state for status reporting.
func (t *Trigger) Breaker() *amerrors.CircuitBreaker {
	return t.breaker
}
