package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanrag/internal/mcp"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Serve the reload_index, search and index_status tools over the Model
Context Protocol on stdin/stdout. Stdout carries only protocol messages;
logs go to the state directory (and stderr with --debug).

With --watch, source changes are also applied in the background.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			server, err := mcp.NewServer(mcp.Ports{
				Index:     a.coord,
				Reload:    a.adapter,
				Search:    a.searcher,
				Embedder:  a.pipeline.Embedder(),
				Metrics:   a.metrics,
				SourceDir: a.cfg.Source.Dir,
				Logger:    a.logger,
			})
			if err != nil {
				return err
			}

			if !watch {
				return server.Serve(cmd.Context())
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				// the watcher stops when the client disconnects
				defer cancel()
				return server.Serve(gctx)
			})
			g.Go(func() error {
				if err := runWatch(gctx, a, &watchOptions{}, nil); err != nil {
					a.logger.Error("watcher stopped", slog.String("error", err.Error()))
				}
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Also reload on source changes")

	return cmd
}
