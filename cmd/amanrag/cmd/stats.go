package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/mcp"
	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

func newStatsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage statistics",
	}
	cmd.AddCommand(newStatsQueriesCmd(flags))
	return cmd
}

func newStatsQueriesCmd(flags *globalFlags) *cobra.Command {
	var (
		jsonOutput bool
		days       int
		top        int
	)

	cmd := &cobra.Command{
		Use:   "queries",
		Short: "Show query pattern statistics",
		Long: `Display the query telemetry persisted under the state directory:
totals, domains queried, top terms, recent zero-result queries and the
latency distribution.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}
			sum, err := loadQueryStats(flags, days, top)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(mcp.ToQueryMetricsOutput(sum, top))
			}
			printQueryStats(cmd.OutOrStdout(), sum, days)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&days, "days", 7, "Number of days to include")
	cmd.Flags().IntVar(&top, "top", 10, "Number of terms and zero-result queries to show")

	return cmd
}

// loadQueryStats reads the telemetry database without opening the index.
// A missing database yields an empty summary.
func loadQueryStats(flags *globalFlags, days, top int) (*telemetry.Summary, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	since := time.Now().AddDate(0, 0, -(days - 1))
	since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, since.Location())

	path := cfg.TelemetryPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &telemetry.Summary{
			DomainCounts:        map[string]int64{},
			TopTerms:            []telemetry.TermCount{},
			ZeroResultQueries:   []string{},
			LatencyDistribution: map[telemetry.LatencyBucket]int64{},
			Since:               since,
		}, nil
	}
	st, err := telemetry.OpenSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()
	return st.Summary(since, top)
}

func printQueryStats(w io.Writer, sum *telemetry.Summary, days int) {
	out := output.New(w)
	fmt.Fprintf(w, "Query statistics (last %d days)\n", days)
	out.Newline()
	if sum.TotalQueries == 0 {
		out.Infof("No queries recorded")
		return
	}

	out.Infof("Total queries: %d", sum.TotalQueries)
	out.Infof("Zero results:  %.1f%%", sum.ZeroResultPercentage())
	out.Infof("Repeated:      %.1f%%", sum.RepeatRate()*100)
	if sum.DegradedCount > 0 {
		out.Infof("Degraded:      %d", sum.DegradedCount)
	}
	out.Newline()

	domains := make([]string, 0, len(sum.DomainCounts))
	for d := range sum.DomainCounts {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	rows := make([][]string, 0, len(domains))
	for _, d := range domains {
		name := d
		if d == telemetry.AllDomains {
			name = "(all)"
		}
		rows = append(rows, []string{name, fmt.Sprint(sum.DomainCounts[d])})
	}
	out.Table([]string{"DOMAIN", "QUERIES"}, rows)
	out.Newline()

	if len(sum.TopTerms) > 0 {
		fmt.Fprintln(w, "Top terms:")
		for i, tc := range sum.TopTerms {
			out.Infof("%d. %s (%d)", i+1, tc.Term, tc.Count)
		}
		out.Newline()
	}

	if len(sum.ZeroResultQueries) > 0 {
		fmt.Fprintln(w, "Recent zero-result queries:")
		for _, q := range sum.ZeroResultQueries {
			out.Infof("%q", q)
		}
		out.Newline()
	}

	var hist []string
	for _, b := range telemetry.Buckets {
		hist = append(hist, fmt.Sprintf("%s=%d", b, sum.LatencyDistribution[b]))
	}
	out.Infof("Latency: %s", strings.Join(hist, " "))
}
