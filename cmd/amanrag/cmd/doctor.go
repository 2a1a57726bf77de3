package cmd

import (
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/preflight"
)

func newDoctorCmd(flags *globalFlags) *cobra.Command {
	var (
		jsonOutput bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the environment can run reload cycles",
		Long: `Run preflight checks against the configured source and state
directories: permissions, free disk space for store rewrites, file
descriptor limits, the writer lock and hard-link support for backups.

The index is not opened, so doctor also works on a damaged index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			indexBytes := fileSize(cfg.State.ManifestPath) + fileSize(cfg.State.VectorPath) + fileSize(cfg.State.LexicalPath)
			target := preflight.Target{
				SourceDir:  cfg.Source.Dir,
				StateDir:   cfg.State.Dir,
				BackupDir:  cfg.State.BackupDir,
				LockFile:   filepath.Join(cfg.State.Dir, index.LockFileName),
				IndexBytes: indexBytes,
			}
			checker := preflight.New(preflight.WithOutput(cmd.OutOrStdout()), preflight.WithVerbose(verbose))
			results := checker.RunAll(cmd.Context(), target)

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{
					"status": checker.SummaryStatus(results),
					"checks": results,
				}); err != nil {
					return err
				}
			} else {
				checker.PrintResults(results)
			}

			if checker.HasCriticalFailures(results) {
				return &exitError{code: exitFailure, err: errors.New("preflight checks failed")}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show check details")

	return cmd
}
