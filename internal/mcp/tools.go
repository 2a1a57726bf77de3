package mcp

import (
	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/reload"
)

// Tool names.
const (
	ToolReloadIndex = "reload_index"
	ToolSearch      = "search"
	ToolIndexStatus = "index_status"
)

// ReloadIndexInput defines the input schema for the reload_index tool.
type ReloadIndexInput struct {
	DryRun bool `json:"dry_run,omitempty" jsonschema:"detect changes and estimate chunks without modifying the index"`
	Stream bool `json:"stream,omitempty" jsonschema:"also return the progress events of the cycle"`
	Full   bool `json:"full,omitempty" jsonschema:"re-ingest every file into fresh stores"`
}

// ReloadIndexOutput defines the output schema for the reload_index tool.
// It mirrors reload.Response with changes reduced to path, kind and domain.
type ReloadIndexOutput struct {
	Success         bool               `json:"success"`
	DryRun          bool               `json:"dry_run"`
	FilesAdded      int                `json:"files_added"`
	FilesModified   int                `json:"files_modified"`
	FilesDeleted    int                `json:"files_deleted"`
	ChunksAdded     int                `json:"chunks_added"`
	EstimatedChunks int                `json:"estimated_chunks,omitempty"`
	DurationSeconds float64            `json:"duration_seconds"`
	Errors          []string           `json:"errors"`
	CycleID         string             `json:"cycle_id,omitempty"`
	Generation      uint64             `json:"generation"`
	Changes         []ChangeOutput     `json:"changes,omitempty"`
	StageDurations  map[string]float64 `json:"stage_durations,omitempty"`
	Events          []index.Event      `json:"events,omitempty" jsonschema:"progress events, present when stream is set"`
}

// ChangeOutput is one detected change in a dry run.
type ChangeOutput struct {
	Path   string `json:"path"`
	Kind   string `json:"kind"`
	Domain string `json:"domain"`
}

// ToReloadIndexOutput converts an adapter response.
func ToReloadIndexOutput(resp reload.Response, events []index.Event) ReloadIndexOutput {
	out := ReloadIndexOutput{
		Success:         resp.Success,
		DryRun:          resp.DryRun,
		FilesAdded:      resp.FilesAdded,
		FilesModified:   resp.FilesModified,
		FilesDeleted:    resp.FilesDeleted,
		ChunksAdded:     resp.ChunksAdded,
		EstimatedChunks: resp.EstimatedChunks,
		DurationSeconds: resp.DurationSeconds,
		Errors:          resp.Errors,
		CycleID:         resp.CycleID,
		Generation:      resp.Generation,
		StageDurations:  resp.StageDurations,
		Events:          events,
	}
	if out.Errors == nil {
		out.Errors = []string{}
	}
	for _, c := range resp.Changes {
		out.Changes = append(out.Changes, ChangeOutput{Path: c.Path, Kind: string(c.Kind), Domain: c.Domain})
	}
	return out
}

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Query  string `json:"query" jsonschema:"the search query to execute"`
	Domain string `json:"domain,omitempty" jsonschema:"restrict results to one domain (first directory under the source root)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Query      string               `json:"query"`
	Generation uint64               `json:"generation" jsonschema:"index generation the results were read from"`
	Degraded   string               `json:"degraded,omitempty" jsonschema:"set to vector when only lexical results are available"`
	Results    []SearchResultOutput `json:"results" jsonschema:"list of search results"`
}

// SearchResultOutput defines a single search result.
type SearchResultOutput struct {
	ChunkID      uint64  `json:"chunk_id"`
	FilePath     string  `json:"file_path" jsonschema:"file path relative to the source root"`
	Domain       string  `json:"domain"`
	Content      string  `json:"content" jsonschema:"matched chunk text"`
	Score        float64 `json:"score" jsonschema:"relevance score between 0 and 1"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	VectorScore  float64 `json:"vector_score,omitempty"`
	InBothLists  bool    `json:"in_both_lists,omitempty" jsonschema:"true if the chunk matched both keyword and semantic search"`
	MatchReason  string  `json:"match_reason,omitempty"`
}

// IndexStatusInput defines the input schema for the index_status tool (no parameters).
type IndexStatusInput struct{}

// IndexStatusOutput defines the output schema for the index_status tool.
type IndexStatusOutput struct {
	State            string        `json:"state" jsonschema:"current cycle stage, idle between cycles"`
	Halted           bool          `json:"halted" jsonschema:"true when writes are halted until an operator recovers"`
	Generation       uint64        `json:"generation"`
	CommittedAt      string        `json:"committed_at,omitempty"`
	Files            int           `json:"files"`
	DeletedFiles     int           `json:"deleted_files"`
	LiveChunks       uint64        `json:"live_chunks"`
	TombstonedIDs    uint64        `json:"tombstoned_ids"`
	NextIdentifier   uint64        `json:"next_identifier"`
	Domains          []string      `json:"domains"`
	Vectors          int           `json:"vectors"`
	LexicalDocuments int           `json:"lexical_documents"`
	Embeddings       EmbeddingInfo `json:"embeddings"`
}

// EmbeddingInfo describes the active embedder.
type EmbeddingInfo struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}
