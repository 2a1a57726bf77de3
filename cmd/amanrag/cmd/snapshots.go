package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/snapshot"
)

func newSnapshotsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Manage backup snapshots",
		Long: `Backup snapshots are taken before every reload cycle. They are
discarded after a successful commit unless backup.keep_on_success is set,
and kept after a rollback for inspection.`,
	}
	cmd.AddCommand(newSnapshotsListCmd(flags), newSnapshotsPruneCmd(flags))
	return cmd
}

// openSnapshots opens the backup directory without opening the index, so
// snapshots stay reachable when the index itself does not load.
func openSnapshots(flags *globalFlags) (*snapshot.Manager, *config.Config, func(), error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := setupLogger(cfg, flags.debug)
	if err != nil {
		return nil, nil, nil, err
	}
	return snapshot.NewManager(cfg.State.BackupDir, cfg.Backup.Retention, logger), cfg, closeLog, nil
}

func newSnapshotsListCmd(flags *globalFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retained snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, _, done, err := openSnapshots(flags)
			if err != nil {
				return err
			}
			defer done()

			snaps, err := mgr.List()
			if err != nil {
				return err
			}
			if jsonOutput {
				if snaps == nil {
					snaps = []*snapshot.Snapshot{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snaps)
			}
			printSnapshots(output.New(cmd.OutOrStdout()), snaps)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printSnapshots(out *output.Writer, snaps []*snapshot.Snapshot) {
	if len(snaps) == 0 {
		out.Status("", "No snapshots")
		return
	}
	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, []string{
			s.ID,
			s.CreatedAt.Local().Format(time.DateTime),
			s.Reason,
			s.CycleID,
			fmt.Sprintf("%d/%d", s.Linked, len(s.Files)),
		})
	}
	out.Table([]string{"ID", "CREATED", "REASON", "CYCLE", "LINKED"}, rows)
}

func newSnapshotsPruneCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots beyond backup.retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, cfg, done, err := openSnapshots(flags)
			if err != nil {
				return err
			}
			defer done()

			n, err := mgr.Prune()
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Pruned %d snapshots (retention %d)", n, cfg.Backup.Retention)
			return nil
		},
	}
}
