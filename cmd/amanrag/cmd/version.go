package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/manifest"
	"github.com/Aman-CERP/amanrag/internal/store"
	"github.com/Aman-CERP/amanrag/pkg/version"
)

// versionOutput adds the on-disk format versions this binary reads and
// writes, so an operator can tell whether a state dir needs a full rebuild.
type versionOutput struct {
	version.BuildInfo
	ManifestFormat int `json:"manifest_format"`
	LexicalSchema  int `json:"lexical_schema"`
}

func newVersionCmd() *cobra.Command {
	var jsonOutput bool
	var shortOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print the build version and the manifest and lexical store formats it supports.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if shortOutput {
				_, err := fmt.Fprintln(w, version.Short())
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(versionOutput{
					BuildInfo:      version.GetInfo(),
					ManifestFormat: manifest.Version,
					LexicalSchema:  store.LexicalSchemaVersion,
				})
			}
			_, err := fmt.Fprintf(w, "%s\nformats: manifest v%d, lexical v%d\n",
				version.String(), manifest.Version, store.LexicalSchemaVersion)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	cmd.Flags().BoolVar(&shortOutput, "short", false, "Output only the version number")

	return cmd
}
