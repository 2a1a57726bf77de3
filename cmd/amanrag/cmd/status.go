package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/ui"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index status",
		Long: `Display the live index:
  - Coordinator state and whether writes are halted
  - Generation and time of the last commit
  - Files, live chunks and tombstoned identifiers
  - Storage sizes and retained backup snapshots`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, flags, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, flags *globalFlags, jsonOutput bool) error {
	a, err := openApp(flags)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	info, err := collectStatus(a)
	if err != nil {
		return err
	}

	renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), ui.DetectNoColor())
	if jsonOutput {
		return renderer.RenderJSON(info)
	}
	return renderer.Render(info)
}

func collectStatus(a *app) (ui.StatusInfo, error) {
	info := ui.StatusFrom(a.coord.Status())

	info.ManifestSize = fileSize(a.cfg.State.ManifestPath)
	info.VectorSize = fileSize(a.cfg.State.VectorPath)
	info.LexicalSize = fileSize(a.cfg.State.LexicalPath)

	snaps, err := a.coord.Snapshots().List()
	if err != nil {
		return info, err
	}
	info.Snapshots = len(snaps)

	info.EmbedderModel = a.pipeline.Embedder().ModelName()
	info.Dimensions = a.pipeline.Dimensions()
	return info, nil
}
