package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/mcp"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/snapshot"
	"github.com/Aman-CERP/amanrag/internal/ui"
	"github.com/Aman-CERP/amanrag/pkg/version"
)

func TestSearchCmd_FindsIndexedDocument(t *testing.T) {
	// Given: an indexed corpus
	w := newWorkspace(t, corpus)
	w.mustRun("reload")

	// When: searching within the guides domain as JSON
	out := w.mustRun("search", "installer", "--domain", "guides", "--json")

	// Then: the guide is the top hit
	var resp search.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "guides/install.md", resp.Results[0].Path)
	assert.Equal(t, "guides", resp.Results[0].Domain)
	// each process counts generations from the state it opened
	assert.Zero(t, resp.Generation)
}

func TestSearchCmd_TextOutput(t *testing.T) {
	w := newWorkspace(t, corpus)
	w.mustRun("reload")

	out := w.mustRun("search", "rotate", "logs")

	assert.Contains(t, out, "1. notes.txt [general]")
	assert.Contains(t, out, "    Rotate the logs weekly.")
	assert.Contains(t, out, "results from generation 0")
}

func TestSearchCmd_RequiresQuery(t *testing.T) {
	w := newWorkspace(t, corpus)

	_, err := w.run("search")

	assert.Error(t, err)
}

func TestStatusCmd_ReportsCommittedIndex(t *testing.T) {
	// Given: an indexed corpus
	w := newWorkspace(t, corpus)
	w.mustRun("reload")

	// When: reading status as JSON
	out := w.mustRun("status", "--json")

	// Then: counts and sizes describe the committed state
	var info ui.StatusInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "idle", info.State)
	assert.False(t, info.Halted)
	assert.Zero(t, info.Generation)
	assert.False(t, info.CommittedAt.IsZero())
	assert.Equal(t, 2, info.Files)
	assert.ElementsMatch(t, []string{"general", "guides"}, info.Domains)
	assert.Positive(t, info.ManifestSize)
	assert.Positive(t, info.VectorSize)
	assert.Zero(t, info.Snapshots)
	assert.True(t, strings.HasPrefix(info.EmbedderModel, "static-"))
}

func TestStatusCmd_Text(t *testing.T) {
	w := newWorkspace(t, corpus)
	w.mustRun("reload")

	out := w.mustRun("status")

	assert.Contains(t, out, "Index Status: "+w.src)
	assert.Contains(t, out, "Generation:   0")
	assert.Contains(t, out, "Files:        2 (0 deleted)")
}

func TestValidateCmd_ConsistentIndex(t *testing.T) {
	w := newWorkspace(t, corpus)
	w.mustRun("reload")

	out := w.mustRun("validate")

	assert.Contains(t, out, "✓ Manifest: no violations")
	assert.Contains(t, out, "✓ Stores:")
}

func TestValidateCmd_JSON(t *testing.T) {
	w := newWorkspace(t, corpus)
	w.mustRun("reload")

	out := w.mustRun("validate", "--json")

	var report validateReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.OK)
	assert.Empty(t, report.Violations)
	assert.Empty(t, report.Inconsistencies)
	assert.Positive(t, report.Checked)
}

func TestSnapshotsCmd_ListAndPrune(t *testing.T) {
	// Given: snapshots kept after every successful cycle, retention 1
	w := newWorkspace(t, corpus)
	w.withConfig("backup:\n  keep_on_success: true\n  retention: 1\n")

	out := w.mustRun("snapshots", "list")
	assert.Contains(t, out, "No snapshots")

	w.mustRun("reload")
	w.write("notes.txt", "Rotate the logs daily.\n")
	w.mustRun("reload")

	// When: listing as JSON
	out = w.mustRun("snapshots", "list", "--json")

	// Then: the cycle prunes down to retention
	var snaps []snapshot.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "reload", snaps[0].Reason)

	out = w.mustRun("snapshots", "list")
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, snaps[0].ID)

	out = w.mustRun("snapshots", "prune")
	assert.Contains(t, out, "✓ Pruned 0 snapshots (retention 1)")
}

func TestRecoverCmd_RepairsCorruptManifest(t *testing.T) {
	// Given: two committed cycles with snapshots kept and a corrupt manifest
	w := newWorkspace(t, corpus)
	w.withConfig("backup:\n  keep_on_success: true\n")
	w.mustRun("reload")
	w.write("extra.md", "# Extra\n\nMore text.\n")
	w.mustRun("reload")
	manifestPath := filepath.Join(w.state, "manifest.json")
	require.NoError(t, os.WriteFile(manifestPath, []byte("{not json"), 0o644))

	_, err := w.run("status")
	require.Error(t, err)

	// When: recovering
	out := w.mustRun("recover")

	// Then: the state before the second cycle is back
	assert.Contains(t, out, "Restored snapshot")
	assert.Contains(t, out, "2 files")
	w.mustRun("validate")
}

func TestRecoverCmd_HealthyIndex(t *testing.T) {
	w := newWorkspace(t, corpus)
	w.mustRun("reload")

	out := w.mustRun("recover")

	assert.Contains(t, out, "✓ Index recovered")
	assert.Contains(t, out, "Generation 1, 2 files")
}

func TestRecoverCmd_UnknownSnapshot(t *testing.T) {
	w := newWorkspace(t, corpus)
	w.mustRun("reload")

	_, err := w.run("recover", "--snapshot", "01J0000000000000000000000X")

	assert.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"short", []string{"version", "--short"}, version.Short() + "\n"},
		{"full", []string{"version"}, version.String() + "\nformats: manifest v1, lexical v1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newWorkspace(t, nil).mustRun(tt.args...)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestVersionCmd_JSON(t *testing.T) {
	out := newWorkspace(t, nil).mustRun("version", "--json")

	var info versionOutput
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Version, info.Version)
	assert.Equal(t, 1, info.ManifestFormat)
	assert.Equal(t, 1, info.LexicalSchema)
}

func TestRootCmd_ProfilesWhenRequested(t *testing.T) {
	w := newWorkspace(t, nil)
	cpu := filepath.Join(t.TempDir(), "cpu.pprof")
	heap := filepath.Join(t.TempDir(), "heap.pprof")

	w.mustRun("version", "--profile-cpu", cpu, "--profile-mem", heap)

	assert.FileExists(t, cpu)
	assert.FileExists(t, heap)
}

func TestRootCmd_RegistersCommands(t *testing.T) {
	root := NewRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"reload", "search", "status", "validate", "snapshots", "recover", "watch", "serve", "stats", "doctor", "init", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestDoctorCmd_ReportsReady(t *testing.T) {
	// Given: a fresh workspace
	w := newWorkspace(t, corpus)

	// When: running doctor as JSON
	out := w.mustRun("doctor", "--json")

	// Then: every required check passes
	var report struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.NotEqual(t, "failed", report.Status)
	require.NotEmpty(t, report.Checks)
	assert.Equal(t, "source_dir", report.Checks[0].Name)
	assert.Equal(t, "pass", report.Checks[0].Status)
}

func TestDoctorCmd_MissingSourceFails(t *testing.T) {
	w := newWorkspace(t, nil)
	w.src = filepath.Join(w.src, "missing")

	out, err := w.run("doctor")

	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
	assert.Contains(t, out, "[FAIL] source_dir")
}

func TestStatsQueriesCmd_AggregatesSearches(t *testing.T) {
	// Given: an indexed corpus searched twice
	w := newWorkspace(t, corpus)
	w.mustRun("reload")
	w.mustRun("search", "installer", "--domain", "guides", "--json")
	w.mustRun("search", "rotate logs")

	// When: reading query stats as JSON
	out := w.mustRun("stats", "queries", "--json")

	// Then: both searches were persisted by their processes
	var stats mcp.QueryMetricsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, int64(2), stats.TotalQueries)
	assert.Equal(t, int64(1), stats.DomainCounts["guides"])
	assert.Equal(t, int64(1), stats.DomainCounts["*"])
	assert.NotEmpty(t, stats.TopTerms)

	text := w.mustRun("stats", "queries")
	assert.Contains(t, text, "Total queries: 2")
	assert.Contains(t, text, "(all)")
	assert.Contains(t, text, "Top terms:")
}

func TestStatsQueriesCmd_NoTelemetryYet(t *testing.T) {
	w := newWorkspace(t, corpus)

	out := w.mustRun("stats", "queries")

	assert.Contains(t, out, "No queries recorded")
	assert.NoFileExists(t, filepath.Join(w.state, "telemetry.db"))
}

func TestStatsQueriesCmd_TelemetryDisabled(t *testing.T) {
	w := newWorkspace(t, corpus)
	w.withConfig("telemetry:\n  enabled: false\n")
	w.mustRun("reload")
	w.mustRun("search", "installer")

	assert.NoFileExists(t, filepath.Join(w.state, "telemetry.db"))
	_, err := w.run("stats", "queries", "--days", "0")
	assert.Error(t, err)
}

func TestInitCmd_WritesProjectTemplate(t *testing.T) {
	// Given: an empty project directory
	w := newWorkspace(t, nil)
	dir := t.TempDir()

	// When: init runs twice, the second time over an edited file
	out := w.mustRun("init", "--dir", dir)
	path := filepath.Join(dir, ".amanrag.yaml")
	assert.Contains(t, out, "Wrote "+path)
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o644))
	out = w.mustRun("init", "--dir", dir)

	// Then: the edit is preserved until --force
	assert.Contains(t, out, "Existing .amanrag.yaml preserved")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	w.mustRun("init", "--dir", dir, "--force")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "busy_policy: queue")
}

func TestInitCmd_UserTemplate(t *testing.T) {
	w := newWorkspace(t, nil)

	out := w.mustRun("init", "--user")

	path := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "amanrag", "config.yaml")
	assert.Contains(t, out, "Wrote "+path)
	assert.FileExists(t, path)
}
