package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// workspace is a temp source directory with its own state directory.
type workspace struct {
	t     *testing.T
	src   string
	state string
	extra []string
}

func newWorkspace(t *testing.T, files map[string]string) *workspace {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("NO_COLOR", "1")

	w := &workspace{t: t, src: t.TempDir(), state: filepath.Join(t.TempDir(), "state")}
	for rel, content := range files {
		w.write(rel, content)
	}
	return w
}

func (w *workspace) write(rel, content string) {
	w.t.Helper()
	path := filepath.Join(w.src, filepath.FromSlash(rel))
	require.NoError(w.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(w.t, os.WriteFile(path, []byte(content), 0o644))
}

// withConfig layers a YAML config file over the defaults.
func (w *workspace) withConfig(yaml string) {
	w.t.Helper()
	path := filepath.Join(w.t.TempDir(), "amanrag.yaml")
	require.NoError(w.t, os.WriteFile(path, []byte(yaml), 0o644))
	w.extra = append(w.extra, "--config", path)
}

// run executes the root command with the workspace flags appended.
func (w *workspace) run(args ...string) (string, error) {
	w.t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	full := append(append([]string{}, args...), "--source", w.src, "--state-dir", w.state)
	cmd.SetArgs(append(full, w.extra...))
	err := cmd.Execute()
	return buf.String(), err
}

func (w *workspace) mustRun(args ...string) string {
	w.t.Helper()
	out, err := w.run(args...)
	require.NoError(w.t, err, out)
	return out
}

var corpus = map[string]string{
	"guides/install.md": "# Install\n\nRun the installer and follow the prompts.\n",
	"notes.txt":         "Rotate the logs weekly.\n",
}
