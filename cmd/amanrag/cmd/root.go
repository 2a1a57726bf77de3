// Package cmd provides the CLI commands for amanrag.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	amerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/profiling"
	"github.com/Aman-CERP/amanrag/pkg/version"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	source     string
	stateDir   string
	debug      bool
	profile    profiling.Options
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	var session *profiling.Session

	cmd := &cobra.Command{
		Use:   "amanrag",
		Short: "Incremental hybrid-search index over a directory of documents",
		Long: `amanrag keeps a lexical and a vector index in line with a source
directory. Each reload processes only new, modified and deleted files,
backs up the index first and rolls back if anything fails.

Run 'amanrag reload' to build or update the index, then 'amanrag search'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !flags.profile.Enabled() {
				return nil
			}
			s, err := profiling.Start(flags.profile)
			if err != nil {
				return err
			}
			session = s
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if session == nil {
				return nil
			}
			err := session.Stop()
			session = nil
			return err
		},
	}
	cmd.SetVersionTemplate("amanrag version {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file layered over .amanrag.yaml")
	pf.StringVar(&flags.source, "source", "", "Source directory (overrides source.dir)")
	pf.StringVar(&flags.stateDir, "state-dir", "", "State directory (overrides state.dir)")
	pf.BoolVar(&flags.debug, "debug", false, "Debug logging, mirrored to stderr")
	pf.StringVar(&flags.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	pf.StringVar(&flags.profile.Heap, "profile-mem", "", "Write heap profile to file")
	pf.StringVar(&flags.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(
		newReloadCmd(flags),
		newSearchCmd(flags),
		newStatusCmd(flags),
		newValidateCmd(flags),
		newSnapshotsCmd(flags),
		newRecoverCmd(flags),
		newWatchCmd(flags),
		newServeCmd(flags),
		newStatsCmd(flags),
		newDoctorCmd(flags),
		newInitCmd(),
		newVersionCmd(),
	)
	return cmd
}

// exitError carries a process exit code for failures already reported to
// the user.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	// exitHalted means writes are halted and need 'amanrag recover'.
	exitHalted = 3
)

// exitCode maps err to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch amerrors.GetCode(err) {
	case amerrors.ErrCodeWritesHalted, amerrors.ErrCodeRestoreFailed:
		return exitHalted
	}
	return exitFailure
}

// Execute runs the root command with signal handling and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) {
			fmt.Fprint(os.Stderr, amerrors.FormatForCLI(err))
		}
	}
	return exitCode(err)
}
