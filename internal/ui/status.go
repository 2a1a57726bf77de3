package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Aman-CERP/amanrag/internal/index"
)

// StatusInfo is the index status shown by `amanrag status`.
type StatusInfo struct {
	SourceDir   string    `json:"source_dir"`
	State       string    `json:"state"`
	Halted      bool      `json:"halted"`
	Generation  uint64    `json:"generation"`
	CommittedAt time.Time `json:"committed_at,omitzero"`

	Files          int      `json:"files"`
	DeletedFiles   int      `json:"deleted_files"`
	LiveChunks     uint64   `json:"live_chunks"`
	TombstonedIDs  uint64   `json:"tombstoned_ids"`
	NextIdentifier uint64   `json:"next_identifier"`
	Domains        []string `json:"domains"`
	Vectors        int      `json:"vectors"`
	LexicalDocs    int      `json:"lexical_documents"`

	// Sizes of the persisted state, in bytes.
	ManifestSize int64 `json:"manifest_size"`
	VectorSize   int64 `json:"vector_size"`
	LexicalSize  int64 `json:"lexical_size"`

	Snapshots int `json:"snapshots"`

	EmbedderModel string `json:"embedder_model,omitempty"`
	Dimensions    int    `json:"dimensions,omitempty"`
}

// StatusFrom fills the index fields of a StatusInfo.
func StatusFrom(st index.Status) StatusInfo {
	domains := st.Manifest.Domains
	if domains == nil {
		domains = []string{}
	}
	return StatusInfo{
		SourceDir:      st.SourceDir,
		State:          st.State,
		Halted:         st.Halted,
		Generation:     st.Generation,
		CommittedAt:    st.CommittedAt,
		Files:          st.Manifest.Files,
		DeletedFiles:   st.Manifest.DeletedFiles,
		LiveChunks:     st.Manifest.LiveChunks,
		TombstonedIDs:  st.Manifest.TombstonedIDs,
		NextIdentifier: st.Manifest.NextIdentifier,
		Domains:        domains,
		Vectors:        st.Vectors,
		LexicalDocs:    st.Lexical,
	}
}

// StatusRenderer displays index status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
	now    func() time.Time
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor), now: time.Now}
}

// Render writes status as text.
func (r *StatusRenderer) Render(info StatusInfo) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", r.styles.Header.Render("Index Status: "+info.SourceDir))

	fmt.Fprintf(&b, "  State:        %s\n", r.renderState(info))
	fmt.Fprintf(&b, "  Generation:   %d\n", info.Generation)
	if !info.CommittedAt.IsZero() {
		fmt.Fprintf(&b, "  Committed:    %s\n", formatAge(r.now().Sub(info.CommittedAt), info.CommittedAt))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "  Files:        %d (%d deleted)\n", info.Files, info.DeletedFiles)
	fmt.Fprintf(&b, "  Live chunks:  %d\n", info.LiveChunks)
	fmt.Fprintf(&b, "  Tombstoned:   %d\n", info.TombstonedIDs)
	fmt.Fprintf(&b, "  Next id:      %d\n", info.NextIdentifier)
	if len(info.Domains) > 0 {
		fmt.Fprintf(&b, "  Domains:      %s\n", strings.Join(info.Domains, ", "))
	}
	b.WriteString("\n")

	b.WriteString("  Storage:\n")
	fmt.Fprintf(&b, "    Manifest:   %s\n", FormatBytes(info.ManifestSize))
	fmt.Fprintf(&b, "    Vectors:    %s (%d records)\n", FormatBytes(info.VectorSize), info.Vectors)
	fmt.Fprintf(&b, "    Lexical:    %s (%d documents)\n", FormatBytes(info.LexicalSize), info.LexicalDocs)
	fmt.Fprintf(&b, "    Snapshots:  %d\n", info.Snapshots)

	if info.EmbedderModel != "" {
		b.WriteString("\n")
		fmt.Fprintf(&b, "  Embedder:     %s (%d dims)\n", info.EmbedderModel, info.Dimensions)
	}

	_, err := io.WriteString(r.out, b.String())
	return err
}

// RenderJSON writes status as indented JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func (r *StatusRenderer) renderState(info StatusInfo) string {
	if info.Halted {
		return r.styles.Error.Render("halted (run 'amanrag recover')")
	}
	if info.State == "idle" {
		return r.styles.Success.Render(info.State)
	}
	return r.styles.Warning.Render(info.State)
}

// formatAge renders how long ago t was.
func formatAge(diff time.Duration, t time.Time) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit + " ago"
		}
		return fmt.Sprintf("%d %ss ago", n, unit)
	}
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	default:
		return t.Format("2006-01-02 15:04")
	}
}

// FormatBytes formats bytes to human-readable format.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
