package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/manifest"
	"github.com/Aman-CERP/amanrag/internal/output"
)

// validateReport is the --json form of `amanrag validate`.
type validateReport struct {
	OK              bool                  `json:"ok"`
	Violations      []manifest.Violation  `json:"violations"`
	Checked         int                   `json:"checked"`
	Inconsistencies []index.Inconsistency `json:"inconsistencies"`
	DurationMS      int64                 `json:"duration_ms"`
}

func newValidateCmd(flags *globalFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the manifest and stores for consistency",
		Long: `Validate the committed manifest (identifier ranges, tombstones,
chunk counts) and cross-check every live chunk against the vector and
lexical stores. Exits non-zero when a problem is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, flags, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runValidate(cmd *cobra.Command, flags *globalFlags, jsonOutput bool) error {
	a, err := openApp(flags)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	live := a.coord.Live()
	violations := live.Manifest.Validate()
	check := a.coord.Check()

	report := validateReport{
		OK:              len(violations) == 0 && check.OK(),
		Violations:      violations,
		Checked:         check.Checked,
		Inconsistencies: check.Inconsistencies,
		DurationMS:      check.Duration.Milliseconds(),
	}
	if report.Violations == nil {
		report.Violations = []manifest.Violation{}
	}
	if report.Inconsistencies == nil {
		report.Inconsistencies = []index.Inconsistency{}
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printValidate(output.New(cmd.OutOrStdout()), report, check.Duration)
	}

	if !report.OK {
		return &exitError{code: exitFailure, err: fmt.Errorf("validation found %d problems", len(violations)+len(check.Inconsistencies))}
	}
	return nil
}

func printValidate(out *output.Writer, report validateReport, d time.Duration) {
	if len(report.Violations) == 0 {
		out.Successf("Manifest: no violations")
	} else {
		out.Errorf("Manifest: %d violations", len(report.Violations))
		for _, v := range report.Violations {
			out.Infof("%s", v)
		}
	}

	if len(report.Inconsistencies) == 0 {
		out.Successf("Stores: %d chunks consistent (%s)", report.Checked, d.Round(time.Millisecond))
		return
	}
	out.Errorf("Stores: %d inconsistencies in %d chunks", len(report.Inconsistencies), report.Checked)
	rows := make([][]string, 0, len(report.Inconsistencies))
	for _, inc := range report.Inconsistencies {
		rows = append(rows, []string{inc.Type.String(), fmt.Sprint(inc.ChunkID), inc.Path, inc.Details})
	}
	out.Table([]string{"TYPE", "CHUNK", "PATH", "DETAILS"}, rows)
}
