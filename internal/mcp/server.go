package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/amanrag/internal/embed"
	"github.com/Aman-CERP/amanrag/internal/index"
	"github.com/Aman-CERP/amanrag/internal/reload"
	"github.com/Aman-CERP/amanrag/internal/search"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
	"github.com/Aman-CERP/amanrag/pkg/version"
)

// ServerName is the implementation name reported to clients.
const ServerName = "amanrag"

// Indexer is the read side of the coordinator.
type Indexer interface {
	Status() index.Status
	Live() *index.Snapshot
}

// Reloader runs reload cycles.
type Reloader interface {
	Reload(ctx context.Context, req reload.Request) reload.Response
	Stream(ctx context.Context, req reload.Request) <-chan reload.Message
}

// Searcher answers hybrid queries.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) (*search.Response, error)
}

// Sentinel errors returned by Ports.Validate.
var (
	ErrMissingIndex    = errors.New("index is required")
	ErrMissingReloader = errors.New("reloader is required")
	ErrMissingSearcher = errors.New("searcher is required")
)

// Ports are the services the server exposes.
type Ports struct {
	Index  Indexer
	Reload Reloader
	Search Searcher

	// Embedder is reported by index_status. Optional.
	Embedder embed.Embedder

	// Metrics backs the query metrics resource. Optional.
	Metrics *telemetry.QueryMetrics

	// SourceDir roots the document resources.
	SourceDir string

	Logger *slog.Logger
}

// Validate checks that the required ports are set.
func (p *Ports) Validate() error {
	switch {
	case p.Index == nil:
		return ErrMissingIndex
	case p.Reload == nil:
		return ErrMissingReloader
	case p.Search == nil:
		return ErrMissingSearcher
	}
	return nil
}

// Server is the MCP server for amanrag. It exposes reloading, search and
// status over a stdio transport.
type Server struct {
	mcp    *mcp.Server
	ports  Ports
	logger *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        ToolReloadIndex,
		Description: "Bring the index in line with the source directory. Only new, modified and deleted files are processed; a failed cycle is rolled back. Use dry_run to preview the changes.",
	},
	{
		Name:        ToolSearch,
		Description: "Hybrid keyword and semantic search over the indexed documents. Optionally restrict to one domain.",
	},
	{
		Name:        ToolIndexStatus,
		Description: "Report index statistics, the live generation and whether writes are halted.",
	},
}

// NewServer creates a new MCP server.
func NewServer(ports Ports) (*Server, error) {
	if err := ports.Validate(); err != nil {
		return nil, err
	}
	logger := ports.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{ports: ports, logger: logger}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: ServerName, Version: version.Version},
		nil,
	)
	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(tools))
	copy(out, tools)
	return out
}

// CallTool invokes a tool by name with JSON-shaped arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolReloadIndex:
		var in ReloadIndexInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.handleReloadIndex(ctx, in)
	case ToolSearch:
		var in SearchInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.handleSearch(ctx, in)
	case ToolIndexStatus:
		return s.handleIndexStatus(ctx)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func decodeArgs(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError(err.Error())
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewInvalidParamsError(fmt.Sprintf("invalid arguments: %v", err))
	}
	return nil
}

func (s *Server) handleReloadIndex(ctx context.Context, in ReloadIndexInput) (ReloadIndexOutput, error) {
	start := time.Now()
	requestID := generateRequestID()
	req := reload.Request{DryRun: in.DryRun, Stream: in.Stream, Full: in.Full}

	s.logger.Info("reload_index started",
		slog.String("request_id", requestID),
		slog.Bool("dry_run", in.DryRun),
		slog.Bool("stream", in.Stream),
		slog.Bool("full", in.Full))

	var (
		resp   reload.Response
		events []index.Event
	)
	if in.Stream {
		events, resp = reload.Collect(s.ports.Reload.Stream(ctx, req))
	} else {
		resp = s.ports.Reload.Reload(ctx, req)
	}

	s.logger.Info("reload_index completed",
		slog.String("request_id", requestID),
		slog.String("cycle_id", resp.CycleID),
		slog.Bool("success", resp.Success),
		slog.Int("errors", len(resp.Errors)),
		slog.Duration("duration", time.Since(start)))
	return ToReloadIndexOutput(resp, events), nil
}

func (s *Server) handleSearch(ctx context.Context, in SearchInput) (SearchOutput, error) {
	start := time.Now()
	requestID := generateRequestID()

	query := strings.TrimSpace(in.Query)
	if query == "" {
		return SearchOutput{}, NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}
	limit := clampLimit(in.Limit, search.DefaultLimit, 1, search.MaxLimit)

	s.logger.Info("search started",
		slog.String("request_id", requestID),
		slog.String("query", query),
		slog.String("domain", in.Domain),
		slog.Int("limit", limit))

	resp, err := s.ports.Search.Search(ctx, query, search.Options{Limit: limit, Domain: in.Domain})
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("search failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return SearchOutput{}, MapError(err)
	}

	s.logger.Info("search completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("result_count", len(resp.Results)),
		slog.String("degraded", resp.Degraded))

	out := SearchOutput{
		Query:      resp.Query,
		Generation: resp.Generation,
		Degraded:   resp.Degraded,
		Results:    make([]SearchResultOutput, 0, len(resp.Results)),
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, ToSearchResultOutput(r))
	}
	return out, nil
}

func (s *Server) handleIndexStatus(_ context.Context) (*IndexStatusOutput, error) {
	st := s.ports.Index.Status()
	out := &IndexStatusOutput{
		State:            st.State,
		Halted:           st.Halted,
		Generation:       st.Generation,
		Files:            st.Manifest.Files,
		DeletedFiles:     st.Manifest.DeletedFiles,
		LiveChunks:       st.Manifest.LiveChunks,
		TombstonedIDs:    st.Manifest.TombstonedIDs,
		NextIdentifier:   st.Manifest.NextIdentifier,
		Domains:          st.Manifest.Domains,
		Vectors:          st.Vectors,
		LexicalDocuments: st.Lexical,
	}
	if out.Domains == nil {
		out.Domains = []string{}
	}
	if !st.CommittedAt.IsZero() {
		out.CommittedAt = st.CommittedAt.UTC().Format(time.RFC3339)
	}
	if e := s.ports.Embedder; e != nil {
		out.Embeddings = EmbeddingInfo{Model: e.ModelName(), Dimensions: e.Dimensions()}
	}
	return out, nil
}

// registerTools registers all tools with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[0].Name, Description: tools[0].Description}, s.mcpReloadIndexHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[1].Name, Description: tools[1].Description}, s.mcpSearchHandler)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[2].Name, Description: tools[2].Description}, s.mcpIndexStatusHandler)
	s.logger.Debug("MCP tools registered", slog.Int("count", len(tools)))
}

// mcpReloadIndexHandler is the MCP SDK handler for the reload_index tool.
// A failed cycle is a tool-level error carrying the full response.
func (s *Server) mcpReloadIndexHandler(ctx context.Context, _ *mcp.CallToolRequest, in ReloadIndexInput) (
	*mcp.CallToolResult,
	ReloadIndexOutput,
	error,
) {
	out, err := s.handleReloadIndex(ctx, in)
	if err != nil {
		return nil, ReloadIndexOutput{}, MapError(err)
	}
	summary := FormatReloadSummary(out)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: summary}},
		IsError: !out.Success,
	}, out, nil
}

// mcpSearchHandler is the MCP SDK handler for the search tool.
func (s *Server) mcpSearchHandler(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	out, err := s.handleSearch(ctx, in)
	if err != nil {
		return nil, SearchOutput{}, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: FormatSearchResults(out)}},
	}, out, nil
}

// mcpIndexStatusHandler is the MCP SDK handler for the index_status tool.
func (s *Server) mcpIndexStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	*IndexStatusOutput,
	error,
) {
	out, err := s.handleIndexStatus(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, out, nil
}

// Serve runs the server on the stdio transport until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("Starting MCP server", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("MCP server stopped gracefully")
	return nil
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
