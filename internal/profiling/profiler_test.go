package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Enabled(t *testing.T) {
	assert.False(t, Options{}.Enabled())
	assert.True(t, Options{Heap: "heap.out"}.Enabled())
}

func TestSession_WritesAllProfiles(t *testing.T) {
	// Given: all three profiles requested
	dir := t.TempDir()
	opts := Options{
		CPU:   filepath.Join(dir, "cpu.out"),
		Heap:  filepath.Join(dir, "heap.out"),
		Trace: filepath.Join(dir, "trace.out"),
	}

	// When: a session runs and stops
	s, err := Start(opts)
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	// Then: every file exists and has content
	for _, path := range []string{opts.CPU, opts.Heap, opts.Trace} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Positive(t, info.Size(), path)
	}

	// Stopping again is a no-op.
	assert.NoError(t, s.Stop())
}

func TestStart_BadPathFails(t *testing.T) {
	_, err := Start(Options{CPU: filepath.Join(t.TempDir(), "missing", "cpu.out")})
	assert.Error(t, err)
}

func TestStart_TraceFailureStopsCPU(t *testing.T) {
	dir := t.TempDir()

	_, err := Start(Options{CPU: filepath.Join(dir, "cpu.out"), Trace: filepath.Join(dir, "missing", "trace.out")})
	require.Error(t, err)

	// CPU profiling was released, so a new session can start it.
	s, err := Start(Options{CPU: filepath.Join(dir, "cpu2.out")})
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
}
