package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/reload"
	"github.com/Aman-CERP/amanrag/internal/watcher"
)

type watchOptions struct {
	initial bool
	polling bool
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reload the index whenever source files change",
		Long: `Watch the source directory and run a reload cycle after each burst
of changes settles (watch.debounce). Ignored paths and the state directory
never trigger a cycle. Stop with Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out := output.New(cmd.OutOrStdout())
			if opts.initial {
				resp := a.adapter.Reload(cmd.Context(), reload.Request{})
				reportCycle(out, resp)
			}
			return runWatch(cmd.Context(), a, opts, out)
		},
	}

	cmd.Flags().BoolVar(&opts.initial, "initial", true, "Run one reload before watching")
	cmd.Flags().BoolVar(&opts.polling, "poll", false, "Poll for changes instead of using filesystem events")

	return cmd
}

// runWatch blocks until ctx ends, reloading on every debounced batch.
func runWatch(ctx context.Context, a *app, opts *watchOptions, out *output.Writer) error {
	w, err := watcher.New(a.coord.Detector(), watcher.Options{
		DebounceWindow: a.cfg.WatchDebounce(),
		ForcePolling:   opts.polling,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx, a.cfg.Source.Dir); err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	if out != nil {
		out.Successf("Watching %s (%s)", a.cfg.Source.Dir, w.Mode())
	}
	a.logger.Info("watch_started", slog.String("source_dir", a.cfg.Source.Dir), slog.String("mode", w.Mode()))

	trigger := watcher.NewTrigger(a.adapter,
		watcher.WithTriggerLogger(a.logger),
		watcher.WithResultHook(func(_ []watcher.FileEvent, resp reload.Response, err error) {
			if out == nil || errors.Is(err, amerrors.ErrCircuitOpen) {
				return
			}
			reportCycle(out, resp)
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return trigger.Run(gctx, w.Events())
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-w.Errors():
				if !ok {
					return nil
				}
				a.logger.Warn("watcher error", slog.String("error", err.Error()))
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reportCycle prints one line per reload cycle.
func reportCycle(out *output.Writer, resp reload.Response) {
	if resp.Success {
		out.Successf("Generation %d: %d added, %d modified, %d deleted (%d chunks)",
			resp.Generation, resp.FilesAdded, resp.FilesModified, resp.FilesDeleted, resp.ChunksAdded)
		return
	}
	out.Errorf("Reload failed; index left at its previous state")
	for _, e := range resp.Errors {
		out.Infof("%s", e)
	}
}
