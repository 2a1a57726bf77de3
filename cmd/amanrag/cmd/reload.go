package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/reload"
	"github.com/Aman-CERP/amanrag/internal/ui"
)

type reloadOptions struct {
	dryRun  bool
	stream  bool
	json    bool
	full    bool
	plain   bool
	noColor bool
}

func newReloadCmd(flags *globalFlags) *cobra.Command {
	opts := &reloadOptions{}

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Bring the index in line with the source directory",
		Long: `Detect new, modified and deleted files and apply them to the index.

The index is backed up before any change and restored if a file fails to
ingest. Use --dry-run to see what would change without touching anything.

With --json the progress events and the final response are written as
newline-delimited JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReload(cmd, flags, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Report changes and a chunk estimate without modifying the index")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Show per-file progress events")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Write events and the response as NDJSON")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Rebuild from scratch instead of applying changes")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "Plain text output even on a terminal")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	return cmd
}

func runReload(cmd *cobra.Command, flags *globalFlags, opts *reloadOptions) error {
	a, err := openApp(flags)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx := cmd.Context()
	req := reload.Request{DryRun: opts.dryRun, Stream: opts.stream || opts.json, Full: opts.full}
	out := cmd.OutOrStdout()

	var resp reload.Response
	if opts.json {
		resp, err = reload.WriteNDJSON(out, a.adapter.Stream(ctx, req))
		if err != nil {
			return err
		}
	} else {
		cfg := ui.NewConfig(out,
			ui.WithForcePlain(opts.plain || !opts.stream),
			ui.WithNoColor(opts.noColor || ui.DetectNoColor()),
			ui.WithSourceDir(a.cfg.Source.Dir),
		)
		embedder := ui.EmbedderInfo{Model: a.pipeline.Embedder().ModelName(), Dimensions: a.pipeline.Dimensions()}
		var msgs <-chan reload.Message
		if opts.stream {
			msgs = a.adapter.Stream(ctx, req)
		} else {
			msgs = single(a.adapter.Reload(ctx, req))
		}
		resp, err = ui.Drive(ctx, ui.NewRenderer(cfg), msgs, ui.WithEmbedderInfo(embedder))
		if err != nil {
			return err
		}
	}

	if !resp.Success {
		return &exitError{code: reloadExitCode(resp), err: errors.New(failureSummary(resp))}
	}
	return nil
}

// single wraps a finished response as a one-message stream.
func single(resp reload.Response) <-chan reload.Message {
	out := make(chan reload.Message, 1)
	out <- reload.Message{Response: &resp}
	close(out)
	return out
}

// reloadExitCode is exitHalted when the cycle left writes halted.
func reloadExitCode(resp reload.Response) int {
	for _, e := range resp.Errors {
		if strings.Contains(e, amerrors.ErrCodeRestoreFailed) || strings.Contains(e, amerrors.ErrCodeWritesHalted) {
			return exitHalted
		}
	}
	return exitFailure
}

// failureSummary names the error that failed the cycle, which the
// response lists after any skipped files.
func failureSummary(resp reload.Response) string {
	if len(resp.Errors) == 0 {
		return "reload failed"
	}
	return fmt.Sprintf("reload failed: %s", resp.Errors[len(resp.Errors)-1])
}
