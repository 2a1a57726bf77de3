package embed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Aman-CERP/amanrag/internal/chunk"
	"github.com/Aman-CERP/amanrag/internal/index"
)

// Pipeline chunks a source file and embeds every chunk. It is the default
// collaborator the coordinator ingests through.
type Pipeline struct {
	chunker  *chunk.Registry
	embedder Embedder
}

// NewPipeline composes a chunker registry and an embedder.
func NewPipeline(chunker *chunk.Registry, embedder Embedder) *Pipeline {
	return &Pipeline{chunker: chunker, embedder: embedder}
}

// NewDefaultPipeline builds the static embedder behind an LRU cache, with
// the markdown and text chunkers.
func NewDefaultPipeline(dims, maxChunkChars, cacheSize int) *Pipeline {
	return NewPipeline(
		chunk.NewRegistry(chunk.Options{MaxChunkChars: maxChunkChars}),
		NewCachedEmbedder(NewStaticEmbedder(dims), cacheSize),
	)
}

// Embedder returns the embedder, which also serves queries.
func (p *Pipeline) Embedder() Embedder {
	return p.embedder
}

// Dimensions returns the embedding width.
func (p *Pipeline) Dimensions() int {
	return p.embedder.Dimensions()
}

// ChunkAndEmbed reads path, splits it and embeds each chunk in order.
func (p *Pipeline) ChunkAndEmbed(ctx context.Context, path, _ string) ([]index.Unit, error) {
	chunks, err := p.chunk(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed %d chunks: %w", len(texts), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
	}

	units := make([]index.Unit, len(chunks))
	for i := range chunks {
		units[i] = index.Unit{Text: texts[i], Vector: vectors[i]}
	}
	return units, nil
}

// EstimateChunks chunks path without embedding it.
func (p *Pipeline) EstimateChunks(ctx context.Context, path string, _ int64) (int, error) {
	chunks, err := p.chunk(ctx, path)
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Close releases the embedder.
func (p *Pipeline) Close() error {
	return p.embedder.Close()
}

func (p *Pipeline) chunk(ctx context.Context, path string) ([]*chunk.Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	chunks, err := p.chunker.Chunk(ctx, &chunk.FileInput{Path: path, Content: data})
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", path, err)
	}
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) != "" {
			out = append(out, c)
		}
	}
	return out, nil
}
