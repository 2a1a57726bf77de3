package cmd

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/output"
)

func newRecoverCmd(flags *globalFlags) *cobra.Command {
	var snapshotID string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore the index from a backup snapshot",
		Long: `Restore the manifest and both stores from a backup snapshot and
clear a halted state. Without --snapshot the newest snapshot whose store
copies match its manifest is used.

This also repairs an index whose manifest can no longer be read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecover(cmd, flags, snapshotID)
		},
	}

	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "Snapshot ID to restore (see 'amanrag snapshots list')")

	return cmd
}

func runRecover(cmd *cobra.Command, flags *globalFlags, snapshotID string) error {
	out := output.New(cmd.OutOrStdout())

	a, err := openApp(flags)
	if isUnreadableIndex(err) {
		snap, rerr := restoreOffline(cmd, flags, snapshotID)
		if rerr != nil {
			return rerr
		}
		out.Successf("Restored snapshot %s", snap)
		a, err = openApp(flags)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		out.Infof("Generation %d, %d files", a.coord.Live().Generation, a.coord.Status().Manifest.Files)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	live, err := a.coord.Recover(cmd.Context(), snapshotID)
	if err != nil {
		return err
	}
	a.logger.Info("recover_command_completed", slog.Uint64("generation", live.Generation))
	out.Successf("Index recovered")
	out.Infof("Generation %d, %d files", live.Generation, live.Manifest.Stats().Files)
	return nil
}

// isUnreadableIndex reports whether Open failed on the persisted state
// rather than on configuration.
func isUnreadableIndex(err error) bool {
	return errors.Is(err, amerrors.ErrManifestCorrupt) || errors.Is(err, amerrors.ErrCorruptIndex)
}

func restoreOffline(cmd *cobra.Command, flags *globalFlags, snapshotID string) (string, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return "", err
	}
	logger, closeLog, err := setupLogger(cfg, flags.debug)
	if err != nil {
		return "", err
	}
	defer closeLog()

	logger.Warn("index unreadable, restoring without opening", slog.String("snapshot_id", snapshotID))
	snap, err := index.RestoreOffline(cmd.Context(), index.ConfigFrom(cfg), snapshotID, logger)
	if err != nil {
		return "", err
	}
	return snap.ID, nil
}
