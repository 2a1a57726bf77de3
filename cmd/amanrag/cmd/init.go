package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/configs"
	"github.com/Aman-CERP/amanrag/internal/config"
	"github.com/Aman-CERP/amanrag/internal/output"
)

// projectConfigFiles are checked before writing, so an existing file in
// any supported format is preserved.
var projectConfigFiles = []string{".amanrag.yaml", ".amanrag.yml", ".amanrag.toml"}

func newInitCmd() *cobra.Command {
	var (
		dir   string
		user  bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration template",
		Long: `Write a commented .amanrag.yaml into the project directory, or with
--user the machine-wide config under ~/.config/amanrag. An existing file
is preserved unless --force is given. Defaults work without either file.`,
		Example: `  # Project config in the current directory
  amanrag init

  # Machine-wide config
  amanrag init --user`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			if user {
				return writeTemplate(out, config.GetUserConfigPath(), configs.UserConfigTemplate, force)
			}
			if dir == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get working directory: %w", err)
				}
				dir = cwd
			}
			if !force {
				for _, name := range projectConfigFiles {
					if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
						out.Status("ℹ", fmt.Sprintf("Existing %s preserved", name))
						return nil
					}
				}
			}
			return writeTemplate(out, filepath.Join(dir, projectConfigFiles[0]), configs.ProjectConfigTemplate, force)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Project directory (default: current directory)")
	cmd.Flags().BoolVar(&user, "user", false, "Write the user config instead")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func writeTemplate(out *output.Writer, path, content string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		out.Status("ℹ", fmt.Sprintf("Existing %s preserved", path))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	out.Successf("Wrote %s", path)
	return nil
}
