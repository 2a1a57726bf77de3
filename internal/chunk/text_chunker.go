package chunk

import (
	"bytes"
	"context"
	"unicode/utf8"
)

// span is a half-open byte range of the source.
type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// TextChunker splits plain text at blank lines, packing paragraphs up to the
// size limit. A paragraph over the limit is split at line boundaries, and a
// single line over the limit at rune boundaries.
type TextChunker struct {
	options Options
}

// NewTextChunker creates a plain text chunker.
func NewTextChunker(opts Options) *TextChunker {
	return &TextChunker{options: opts.withDefaults()}
}

// SupportedExtensions returns file extensions this chunker handles
func (c *TextChunker) SupportedExtensions() []string {
	return []string{".txt", ".text", ".rst", ".log"}
}

// Chunk splits a text file into chunks.
func (c *TextChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := file.Content
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, nil
	}

	limit := c.options.MaxChunkChars
	var pieces []span
	for _, p := range paragraphs(src, span{0, len(src)}) {
		if p.len() > limit {
			pieces = append(pieces, splitOversized(src, p, limit)...)
			continue
		}
		pieces = append(pieces, p)
	}

	var chunks []*Chunk
	for _, sp := range pack(pieces, limit) {
		chunks = append(chunks, newChunk(file.Path, src, sp, ContentTypeText, ""))
	}
	return chunks, nil
}

// paragraphs returns the runs of non-blank lines inside within.
func paragraphs(src []byte, within span) []span {
	var (
		out   []span
		start = -1
		last  int
	)
	for pos := within.start; pos < within.end; {
		end := bytes.IndexByte(src[pos:within.end], '\n')
		lineEnd := within.end
		if end >= 0 {
			lineEnd = pos + end
		}
		blank := len(bytes.TrimSpace(src[pos:lineEnd])) == 0
		switch {
		case !blank && start < 0:
			start = pos
			last = lineEnd
		case !blank:
			last = lineEnd
		case blank && start >= 0:
			out = append(out, span{start, last})
			start = -1
		}
		pos = lineEnd + 1
	}
	if start >= 0 {
		out = append(out, span{start, last})
	}
	return out
}

// pack merges consecutive spans while the merged range fits in limit. A span
// larger than limit on its own is emitted alone.
func pack(spans []span, limit int) []span {
	var out []span
	for _, sp := range spans {
		if n := len(out); n > 0 && sp.end-out[n-1].start <= limit {
			out[n-1].end = sp.end
			continue
		}
		out = append(out, sp)
	}
	return out
}

// splitOversized cuts sp at line boundaries, then at rune boundaries for
// lines that are themselves over limit.
func splitOversized(src []byte, sp span, limit int) []span {
	var lines []span
	for pos := sp.start; pos < sp.end; {
		end := sp.end
		if i := bytes.IndexByte(src[pos:sp.end], '\n'); i >= 0 {
			end = pos + i
		}
		line := span{pos, end}
		for line.len() > limit {
			cut := line.start + limit
			for cut > line.start && !utf8.RuneStart(src[cut]) {
				cut--
			}
			if cut == line.start {
				cut = line.start + limit
			}
			lines = append(lines, span{line.start, cut})
			line.start = cut
		}
		if line.len() > 0 {
			lines = append(lines, line)
		}
		pos = end + 1
	}
	return pack(lines, limit)
}

func newChunk(path string, src []byte, sp span, kind ContentType, headerPath string) *Chunk {
	end := sp.end
	if end > sp.start {
		end--
	}
	return &Chunk{
		FilePath:    path,
		Content:     string(src[sp.start:sp.end]),
		ContentType: kind,
		StartLine:   lineOf(src, sp.start),
		EndLine:     lineOf(src, end),
		HeaderPath:  headerPath,
	}
}
