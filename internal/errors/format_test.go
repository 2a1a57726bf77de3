package errors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForCLI_IncludesHintAndCode(t *testing.T) {
	// Given: a manifest corruption error
	err := ManifestCorrupt("manifest digest mismatch", nil)

	// When: formatting for CLI
	out := FormatForCLI(err)

	// Then: message, hint and code are present
	assert.Contains(t, out, "Error: manifest digest mismatch")
	assert.Contains(t, out, "Hint: restore from a backup snapshot")
	assert.Contains(t, out, "Code: ERR_206_MANIFEST_CORRUPT")
}

func TestFormatForCLI_WrapsPlainErrors(t *testing.T) {
	out := FormatForCLI(errors.New("boom"))

	assert.Contains(t, out, "Error: boom")
	assert.Contains(t, out, "Code: ERR_501_INTERNAL")
	assert.Empty(t, FormatForCLI(nil))
}

func TestFormatJSON_RoundTripsFields(t *testing.T) {
	err := IngestionFailed("a.md", errors.New("embedder offline"))

	data, jerr := FormatJSON(err)
	require.NoError(t, jerr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ErrCodeIngestionFailed, decoded["code"])
	assert.Equal(t, "embedder offline", decoded["cause"])
	assert.Equal(t, true, decoded["retryable"])
}

func TestFormatForResponse_SortsDetails(t *testing.T) {
	err := New(ErrCodeInternal, "cycle failed", errors.New("root cause")).
		WithDetail("stage", "ingesting").
		WithDetail("file", "a.md")

	assert.Equal(t, "[ERR_501_INTERNAL] cycle failed file=a.md stage=ingesting: root cause", FormatForResponse(err))
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs(BackupFailed("link failed", errors.New("EXDEV")))

	assert.Contains(t, attrs, "error_code")
	assert.Contains(t, attrs, ErrCodeBackupFailed)
	assert.Contains(t, attrs, "EXDEV")
	assert.Equal(t, []any{"error", "plain"}, LogAttrs(errors.New("plain")))
	assert.Nil(t, LogAttrs(nil))
}
