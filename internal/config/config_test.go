package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config lookup at an empty directory.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: defaults favor safety
	assert.True(t, cfg.Index.Incremental)
	assert.Equal(t, StrictnessAbort, cfg.Index.Strictness)
	assert.Equal(t, BusyQueue, cfg.Reload.BusyPolicy)
	assert.Equal(t, 3, cfg.Backup.Retention)
	assert.False(t, cfg.Backup.KeepOnSuccess)
	assert.Equal(t, 256, cfg.Vector.Dimensions)
	assert.Equal(t, 1.2, cfg.Lexical.K1)
	assert.Equal(t, 0.75, cfg.Lexical.B)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, time.Minute, cfg.TelemetryFlushInterval())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ResolvesDerivedStatePaths(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	// When: loading with no config files
	cfg, err := Load(dir)

	// Then: state paths live under <dir>/.amanrag
	require.NoError(t, err)
	stateDir := filepath.Join(dir, DefaultStateDirName)
	assert.Equal(t, filepath.Join(dir, "corpus"), cfg.Source.Dir)
	assert.Equal(t, filepath.Join(stateDir, "manifest.json"), cfg.State.ManifestPath)
	assert.Equal(t, filepath.Join(stateDir, "vectors.bin"), cfg.State.VectorPath)
	assert.Equal(t, filepath.Join(stateDir, "lexical.db"), cfg.State.LexicalPath)
	assert.Equal(t, filepath.Join(stateDir, "backups"), cfg.State.BackupDir)
	assert.Equal(t, filepath.Join(stateDir, "logs"), cfg.LogDir())
}

func TestLoad_ProjectYAMLOverridesDefaultsIncludingFalse(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	yaml := `
source:
  dir: docs
index:
  incremental: false
  strictness: skip
backup:
  retention: 7
ingest:
  timeout: 30s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amanrag.yaml"), []byte(yaml), 0644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.False(t, cfg.Index.Incremental)
	assert.Equal(t, StrictnessSkip, cfg.Index.Strictness)
	assert.Equal(t, 7, cfg.Backup.Retention)
	assert.Equal(t, 30*time.Second, cfg.IngestTimeout())
	assert.Equal(t, filepath.Join(dir, "docs"), cfg.Source.Dir)
	// untouched keys keep defaults
	assert.Equal(t, BusyQueue, cfg.Reload.BusyPolicy)
}

func TestLoad_ProjectTOML(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	toml := `
[reload]
busy_policy = "reject"

[vector]
dimensions = 64
approximate = true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amanrag.toml"), []byte(toml), 0644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, BusyReject, cfg.Reload.BusyPolicy)
	assert.Equal(t, 64, cfg.Vector.Dimensions)
	assert.True(t, cfg.Vector.Approximate)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amanrag.yaml"), []byte("backup:\n  retention: 2\n"), 0644))

	t.Setenv("AMANRAG_BACKUP_RETENTION", "9")
	t.Setenv("AMANRAG_INCREMENTAL", "false")
	t.Setenv("AMANRAG_MANIFEST_PATH", "/var/lib/amanrag/m.json")
	t.Setenv("AMANRAG_BUSY_POLICY", "REJECT")
	t.Setenv("AMANRAG_TELEMETRY", "off")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Backup.Retention)
	assert.False(t, cfg.Index.Incremental)
	assert.Equal(t, "/var/lib/amanrag/m.json", cfg.State.ManifestPath)
	assert.Equal(t, BusyReject, cfg.Reload.BusyPolicy)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, filepath.Join(cfg.State.Dir, "telemetry.db"), cfg.TelemetryPath())
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"strictness", "index:\n  strictness: lenient\n"},
		{"busy policy", "reload:\n  busy_policy: drop\n"},
		{"metric", "vector:\n  metric: dot\n"},
		{"dimensions", "vector:\n  dimensions: 0\n"},
		{"timeout", "ingest:\n  timeout: soon\n"},
		{"tokenizer", "lexical:\n  tokenizer: whitespace\n"},
		{"bm25 b", "lexical:\n  b: 1.5\n"},
		{"telemetry flush", "telemetry:\n  flush_interval: -1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, ".amanrag.yaml"), []byte(tt.yaml), 0644))

			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amanrag.yaml"), []byte("index: [unterminated"), 0644))

	_, err := Load(dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoad_UserConfigAppliesBeforeProject(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "amanrag"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "amanrag", "config.yaml"),
		[]byte("logging:\n  level: debug\nbackup:\n  retention: 5\n"), 0644))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amanrag.yaml"), []byte("backup:\n  retention: 1\n"), 0644))

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 1, cfg.Backup.Retention)
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := NewConfig()
	cfg.Backup.Retention = 4

	require.NoError(t, cfg.WriteYAML(path))

	loaded := NewConfig()
	require.NoError(t, loaded.LoadFile(path))
	assert.Equal(t, 4, loaded.Backup.Retention)
}

func TestLoad_OptionsApplyLast(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	t.Setenv("AMANRAG_SOURCE_DIR", "from-env")
	extra := filepath.Join(t.TempDir(), "extra.toml")
	require.NoError(t, os.WriteFile(extra, []byte("[backup]\nretention = 7\n"), 0644))

	// When: flags override source and state directories
	cfg, err := Load(dir,
		WithFile(extra),
		WithSourceDir("from-flag"),
		WithStateDir("/tmp/amanrag-state"),
		WithLogLevel("debug"),
	)

	// Then: flags beat the environment and derived paths follow the state dir
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "from-flag"), cfg.Source.Dir)
	assert.Equal(t, "/tmp/amanrag-state", cfg.State.Dir)
	assert.Equal(t, "/tmp/amanrag-state/manifest.json", cfg.State.ManifestPath)
	assert.Equal(t, 7, cfg.Backup.Retention)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	isolate(t)

	_, err := Load(t.TempDir(), WithFile("/does/not/exist.yaml"))

	assert.Error(t, err)
}
