package mcp

import (
	"fmt"
	"strings"

	"github.com/Aman-CERP/amanrag/internal/search"
)

// FormatSearchResults formats search results as markdown.
func FormatSearchResults(out SearchOutput) string {
	if len(out.Results) == 0 {
		return fmt.Sprintf("No results found for \"%s\"", out.Query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Search Results for \"%s\"\n\n", out.Query)
	fmt.Fprintf(&sb, "Found %d result", len(out.Results))
	if len(out.Results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")
	if out.Degraded != "" {
		fmt.Fprintf(&sb, "> %s search unavailable; showing keyword matches only.\n\n", out.Degraded)
	}

	for i, r := range out.Results {
		formatResult(&sb, i+1, r)
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, num int, r SearchResultOutput) {
	fmt.Fprintf(sb, "### %d. %s (domain: %s, score: %.2f)\n\n", num, r.FilePath, r.Domain, r.Score)
	if MimeTypeForPath(r.FilePath) == "text/markdown" {
		// markdown renders as-is
		sb.WriteString(r.Content)
		sb.WriteString("\n\n---\n\n")
		return
	}
	fmt.Fprintf(sb, "```\n%s\n```\n\n", r.Content)
}

// FormatReloadSummary renders a one-paragraph summary of a reload.
func FormatReloadSummary(resp ReloadIndexOutput) string {
	var sb strings.Builder
	switch {
	case resp.DryRun:
		fmt.Fprintf(&sb, "Dry run: %d added, %d modified, %d deleted; about %d chunks to ingest.",
			resp.FilesAdded, resp.FilesModified, resp.FilesDeleted, resp.EstimatedChunks)
	case resp.Success:
		fmt.Fprintf(&sb, "Reload complete: %d added, %d modified, %d deleted; %d chunks added; generation %d (%.2fs).",
			resp.FilesAdded, resp.FilesModified, resp.FilesDeleted, resp.ChunksAdded, resp.Generation, resp.DurationSeconds)
	default:
		sb.WriteString("Reload failed; the index was left at its previous state.")
	}
	for _, e := range resp.Errors {
		fmt.Fprintf(&sb, "\n- %s", e)
	}
	return sb.String()
}

// clampLimit ensures limit is within bounds.
func clampLimit(limit, defaultVal, min, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

// ToSearchResultOutput converts a search result to the output format.
func ToSearchResultOutput(r search.Result) SearchResultOutput {
	return SearchResultOutput{
		ChunkID:      r.ID,
		FilePath:     r.Path,
		Domain:       r.Domain,
		Content:      r.Text,
		Score:        r.Score,
		LexicalScore: r.LexicalScore,
		VectorScore:  r.VectorScore,
		InBothLists:  r.InBoth,
		MatchReason:  matchReason(r),
	}
}

func matchReason(r search.Result) string {
	switch {
	case r.InBoth:
		return "found in both keyword and semantic search"
	case r.LexicalScore > 0:
		return "keyword match"
	case r.VectorScore != 0:
		return "semantic match"
	default:
		return "matched content"
	}
}
