package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

// MaxResourceSize is the maximum file size for resources (1MB).
const MaxResourceSize = 1024 * 1024

const (
	uriScheme      = "amanrag://"
	statusURI      = uriScheme + "status"
	metricsURI     = uriScheme + "metrics/queries"
	documentPrefix = uriScheme + "documents/"
)

// registerResources registers the status resource and the document
// template. Documents resolve against the live manifest on every read, so
// the template never goes stale after a reload.
func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		URI:         statusURI,
		Name:        "status",
		Description: "Index status as JSON",
		MIMEType:    "application/json",
	}, s.handleStatusResource)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: documentPrefix + "{+path}",
		Name:        "document",
		Description: "Content of an indexed source document, by path relative to the source root",
	}, s.handleDocumentResource)

	if s.ports.Metrics != nil {
		s.mcp.AddResource(&mcp.Resource{
			URI:         metricsURI,
			Name:        "query_metrics",
			Description: "Query pattern telemetry for this server session",
			MIMEType:    "application/json",
		}, s.handleMetricsResource)
	}
}

func (s *Server) handleStatusResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	out, err := s.handleIndexStatus(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      statusURI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

// QueryMetricsOutput is the JSON body of the query metrics resource.
type QueryMetricsOutput struct {
	TotalQueries        int64                 `json:"total_queries"`
	ZeroResultPct       float64               `json:"zero_result_pct"`
	RepeatRate          float64               `json:"repeat_rate"`
	DegradedQueries     int64                 `json:"degraded_queries"`
	DomainCounts        map[string]int64      `json:"domain_counts"`
	TopTerms            []telemetry.TermCount `json:"top_terms"`
	ZeroResultQueries   []string              `json:"zero_result_queries"`
	LatencyDistribution map[string]int64      `json:"latency_distribution"`
	Since               string                `json:"since"`
}

// ToQueryMetricsOutput converts a telemetry summary, keeping at most
// limit terms.
func ToQueryMetricsOutput(sum *telemetry.Summary, limit int) QueryMetricsOutput {
	out := QueryMetricsOutput{
		TotalQueries:        sum.TotalQueries,
		ZeroResultPct:       sum.ZeroResultPercentage(),
		RepeatRate:          sum.RepeatRate(),
		DegradedQueries:     sum.DegradedCount,
		DomainCounts:        sum.DomainCounts,
		TopTerms:            sum.TopTerms,
		ZeroResultQueries:   sum.ZeroResultQueries,
		LatencyDistribution: make(map[string]int64, len(sum.LatencyDistribution)),
		Since:               sum.Since.UTC().Format(time.RFC3339),
	}
	if len(out.TopTerms) > limit {
		out.TopTerms = out.TopTerms[:limit]
	}
	for b, n := range sum.LatencyDistribution {
		out.LatencyDistribution[string(b)] = n
	}
	return out
}

func (s *Server) handleMetricsResource(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(ToQueryMetricsOutput(s.ports.Metrics.Snapshot(), 20), "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      metricsURI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

func (s *Server) handleDocumentResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	rel, ok := strings.CutPrefix(uri, documentPrefix)
	if !ok {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	return s.readDocument(ctx, rel)
}

// readDocument serves a file that the live manifest tracks.
func (s *Server) readDocument(_ context.Context, rel string) (*mcp.ReadResourceResult, error) {
	if !isValidPath(rel) {
		return nil, NewInvalidParamsError(fmt.Sprintf("invalid path: %s", rel))
	}
	rel = filepath.ToSlash(filepath.Clean(rel))
	uri := documentPrefix + rel

	snap := s.ports.Index.Live()
	if snap == nil {
		return nil, mcp.ResourceNotFoundError(uri)
	}
	e, ok := snap.Manifest.Entry(rel)
	if !ok || e.Deleted {
		return nil, mcp.ResourceNotFoundError(uri)
	}

	fullPath := filepath.Join(s.ports.SourceDir, filepath.FromSlash(rel))
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &MCPError{Code: ErrCodeFileNotFound, Message: fmt.Sprintf("file not found: %s", rel)}
		}
		return nil, MapError(err)
	}
	if info.Size() > MaxResourceSize {
		return nil, &MCPError{
			Code:    ErrCodeFileTooLarge,
			Message: fmt.Sprintf("file too large: %d bytes (max %d)", info.Size(), MaxResourceSize),
		}
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, MapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: MimeTypeForPath(rel),
			Text:     string(content),
		}},
	}, nil
}

// isValidPath rejects empty, absolute and traversing paths.
func isValidPath(path string) bool {
	if path == "" || filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return false
	}
	// Windows drive letters
	if len(path) >= 2 && path[1] == ':' {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
