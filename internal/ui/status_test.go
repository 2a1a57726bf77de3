package ui

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/manifest"
)

func sampleStatus() index.Status {
	return index.Status{
		State:       "idle",
		Generation:  7,
		CommittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Manifest: manifest.Stats{
			Files:          3,
			DeletedFiles:   1,
			LiveChunks:     12,
			TombstonedIDs:  4,
			NextIdentifier: 16,
			Domains:        []string{"api", "guides"},
		},
		Vectors:   16,
		Lexical:   12,
		SourceDir: "/srv/docs",
	}
}

func TestStatusFrom(t *testing.T) {
	info := StatusFrom(sampleStatus())

	assert.Equal(t, "/srv/docs", info.SourceDir)
	assert.Equal(t, uint64(7), info.Generation)
	assert.Equal(t, 3, info.Files)
	assert.Equal(t, uint64(16), info.NextIdentifier)
	assert.Equal(t, []string{"api", "guides"}, info.Domains)
	assert.Equal(t, 12, info.LexicalDocs)

	empty := StatusFrom(index.Status{})
	assert.NotNil(t, empty.Domains)
}

func TestStatusRenderer_Render(t *testing.T) {
	// Given: a status committed two hours ago
	buf := &bytes.Buffer{}
	r := NewStatusRenderer(buf, true)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC) }
	info := StatusFrom(sampleStatus())
	info.VectorSize = 2048
	info.Snapshots = 2
	info.EmbedderModel = "static-256"
	info.Dimensions = 256

	// When: rendering
	require.NoError(t, r.Render(info))

	// Then: every section is present
	out := buf.String()
	assert.Contains(t, out, "Index Status: /srv/docs")
	assert.Contains(t, out, "State:        idle")
	assert.Contains(t, out, "Committed:    2 hours ago")
	assert.Contains(t, out, "Files:        3 (1 deleted)")
	assert.Contains(t, out, "Domains:      api, guides")
	assert.Contains(t, out, "Vectors:    2.0 KB (16 records)")
	assert.Contains(t, out, "Snapshots:  2")
	assert.Contains(t, out, "Embedder:     static-256 (256 dims)")
}

func TestStatusRenderer_Halted(t *testing.T) {
	buf := &bytes.Buffer{}
	info := StatusFrom(sampleStatus())
	info.Halted = true

	require.NoError(t, NewStatusRenderer(buf, true).Render(info))

	assert.Contains(t, buf.String(), "halted (run 'amanrag recover')")
}

func TestStatusRenderer_RenderJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, NewStatusRenderer(buf, true).RenderJSON(StatusFrom(sampleStatus())))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "idle", got["state"])
	assert.EqualValues(t, 12, got["live_chunks"])
	assert.Equal(t, "/srv/docs", got["source_dir"])
}

func TestFormatAge(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	tests := []struct {
		diff time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{time.Minute, "1 minute ago"},
		{5 * time.Minute, "5 minutes ago"},
		{3 * time.Hour, "3 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{30 * 24 * time.Hour, "2026-01-02 03:04"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatAge(tt.diff, at))
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "1.0 GB", FormatBytes(1<<30))
}
