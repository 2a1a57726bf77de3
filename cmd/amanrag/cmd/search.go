package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit  int
	domain string
	json   bool
}

func newSearchCmd(flags *globalFlags) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed documents",
		Long: `Search the live index with hybrid keyword and semantic retrieval,
fused with Reciprocal Rank Fusion.

Examples:
  amanrag search "rotate the logs"
  amanrag search installer --domain guides --limit 5
  amanrag search "backup policy" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, flags, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", search.DefaultLimit, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.domain, "domain", "d", "", "Restrict results to one domain")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Output as JSON")

	return cmd
}

func runSearch(cmd *cobra.Command, flags *globalFlags, query string, opts searchOptions) error {
	a, err := openApp(flags)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	limit := opts.limit
	if limit > search.MaxLimit {
		limit = search.MaxLimit
	}
	a.logger.Info("search_started", slog.String("query", query), slog.Int("limit", limit), slog.String("domain", opts.domain))

	resp, err := a.searcher.Search(cmd.Context(), query, search.Options{Limit: limit, Domain: opts.domain})
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printResults(output.New(cmd.OutOrStdout()), resp)
	return nil
}

func printResults(out *output.Writer, resp *search.Response) {
	if resp.Degraded != "" {
		out.Warningf("%s search unavailable; showing keyword matches only", resp.Degraded)
	}
	if len(resp.Results) == 0 {
		out.Status("", fmt.Sprintf("No results found for %q", resp.Query))
		return
	}
	for i, r := range resp.Results {
		out.Status(fmt.Sprintf("%d.", i+1), fmt.Sprintf("%s [%s] score %.4f", r.Path, r.Domain, r.Score))
		out.Block(r.Text)
		out.Newline()
	}
	out.Infof("%d results from generation %d", len(resp.Results), resp.Generation)
}
