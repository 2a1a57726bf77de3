package chunk

import (
	"context"
	"path/filepath"
	"strings"
)

// DefaultMaxChunkChars bounds a chunk's size before it is split further.
const DefaultMaxChunkChars = 1500

// ContentType represents the type of content in a chunk
type ContentType string

const (
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// Chunk is a retrievable unit of content.
type Chunk struct {
	FilePath    string      // Relative to the source root
	Content     string      // Text that is embedded and indexed
	ContentType ContentType // markdown or text
	StartLine   int         // 1-indexed
	EndLine     int         // Inclusive
	HeaderPath  string      // "Title > Section" for markdown, empty otherwise
}

// FileInput is input for the Chunker interface
type FileInput struct {
	Path    string // Relative path
	Content []byte // File content
}

// Chunker is the interface for splitting files into chunks
type Chunker interface {
	// Chunk splits a file into chunks in document order
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)

	// SupportedExtensions returns file extensions this chunker handles
	SupportedExtensions() []string
}

// Options configures the default chunkers.
type Options struct {
	MaxChunkChars int
}

func (o Options) withDefaults() Options {
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = DefaultMaxChunkChars
	}
	return o
}

// Registry picks a chunker by file extension, falling back to plain text.
type Registry struct {
	byExt    map[string]Chunker
	fallback Chunker
}

// NewRegistry creates a registry with the markdown and plain text chunkers.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		byExt:    make(map[string]Chunker),
		fallback: NewTextChunker(opts),
	}
	r.Register(NewMarkdownChunker(opts))
	return r
}

// Register maps every extension c supports to c.
func (r *Registry) Register(c Chunker) {
	for _, ext := range c.SupportedExtensions() {
		r.byExt[strings.ToLower(ext)] = c
	}
}

// For returns the chunker for path.
func (r *Registry) For(path string) Chunker {
	if c, ok := r.byExt[strings.ToLower(filepath.Ext(path))]; ok {
		return c
	}
	return r.fallback
}

// Chunk splits file with the chunker registered for its extension.
func (r *Registry) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	return r.For(file.Path).Chunk(ctx, file)
}

// lineOf returns the 1-indexed line containing byte offset off.
func lineOf(src []byte, off int) int {
	if off > len(src) {
		off = len(src)
	}
	n := 1
	for _, b := range src[:off] {
		if b == '\n' {
			n++
		}
	}
	return n
}
