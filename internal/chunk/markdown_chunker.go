package chunk

import (
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownChunker implements header-based Markdown chunking.
//
// Sections start at headings. A section over the size limit is split between
// top-level blocks, so fenced code, lists and quotes are never cut in half;
// a single block over the limit becomes its own chunk.
type MarkdownChunker struct {
	options Options
	md      goldmark.Markdown
}

// Matches frontmatter: ---\n...\n---
var frontmatterPattern = regexp.MustCompile(`(?s)^---\r?\n(.+?)\r?\n---[ \t]*(\r?\n)*`)

// NewMarkdownChunker creates a new markdown chunker.
func NewMarkdownChunker(opts Options) *MarkdownChunker {
	return &MarkdownChunker{options: opts.withDefaults(), md: goldmark.New()}
}

// SupportedExtensions returns file extensions this chunker handles
func (c *MarkdownChunker) SupportedExtensions() []string {
	return []string{".md", ".markdown", ".mdx"}
}

// section is a heading and everything up to the next heading.
type section struct {
	span
	level      int
	title      string
	headerPath string
	bodyStart  int // first byte after the heading line
}

// Chunk splits a markdown file into semantic chunks
func (c *MarkdownChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := file.Content
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, nil
	}

	var chunks []*Chunk
	body := 0
	if loc := frontmatterPattern.FindIndex(src); loc != nil {
		fm := trimSpan(src, span{0, loc[1]})
		chunks = append(chunks, newChunk(file.Path, src, fm, ContentTypeMarkdown, ""))
		body = loc[1]
	}

	doc := c.md.Parser().Parse(text.NewReader(src[body:]))
	boundaries, sections := c.outline(doc, src, body)

	for _, sec := range sections {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		chunks = append(chunks, c.sectionChunks(file.Path, src, sec, boundaries)...)
	}
	return chunks, nil
}

// outline collects the start offset of every top-level block and groups the
// document into sections. Offsets are absolute in src.
func (c *MarkdownChunker) outline(doc ast.Node, src []byte, base int) ([]int, []section) {
	rest := src[base:]
	var (
		boundaries []int
		heads      []section
		stack      [6]string
	)
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		start, ok := blockStart(n, rest)
		if !ok {
			continue
		}
		boundaries = append(boundaries, base+start)

		h, isHeading := n.(*ast.Heading)
		if !isHeading {
			continue
		}
		title := headingText(h, rest)
		stack[h.Level-1] = title
		for i := h.Level; i < len(stack); i++ {
			stack[i] = ""
		}
		var parts []string
		for _, s := range stack[:h.Level] {
			if s != "" {
				parts = append(parts, s)
			}
		}
		heads = append(heads, section{
			span:       span{start: base + start},
			level:      h.Level,
			title:      title,
			headerPath: strings.Join(parts, " > "),
		})
	}

	var sections []section
	firstHead := len(src)
	if len(heads) > 0 {
		firstHead = heads[0].start
	}
	if pre := (span{base, firstHead}); len(bytes.TrimSpace(src[pre.start:pre.end])) > 0 {
		sections = append(sections, section{span: pre, bodyStart: base})
	}
	for i := range heads {
		sec := heads[i]
		sec.end = len(src)
		if i+1 < len(heads) {
			sec.end = heads[i+1].start
		}
		sec.bodyStart = sec.end
		if nl := bytes.IndexByte(src[sec.start:sec.end], '\n'); nl >= 0 {
			sec.bodyStart = sec.start + nl + 1
		}
		sections = append(sections, sec)
	}
	return boundaries, sections
}

func (c *MarkdownChunker) sectionChunks(path string, src []byte, sec section, boundaries []int) []*Chunk {
	// a heading with nothing under it carries no content of its own
	if sec.level > 0 && len(bytes.TrimSpace(src[sec.bodyStart:sec.end])) == 0 {
		return nil
	}

	whole := trimSpan(src, sec.span)
	if whole.len() <= c.options.MaxChunkChars {
		return []*Chunk{newChunk(path, src, whole, ContentTypeMarkdown, sec.headerPath)}
	}

	var blocks []span
	start := sec.start
	for _, b := range boundaries {
		if b <= sec.start || b >= sec.end {
			continue
		}
		if sp := trimSpan(src, span{start, b}); sp.len() > 0 {
			blocks = append(blocks, sp)
		}
		start = b
	}
	if sp := trimSpan(src, span{start, sec.end}); sp.len() > 0 {
		blocks = append(blocks, sp)
	}

	var chunks []*Chunk
	for i, sp := range pack(blocks, c.options.MaxChunkChars) {
		ch := newChunk(path, src, sp, ContentTypeMarkdown, sec.headerPath)
		if i > 0 && sec.headerPath != "" {
			ch.Content = "<!-- Section: " + sec.headerPath + " -->\n\n" + ch.Content
		}
		chunks = append(chunks, ch)
	}
	return chunks
}

// blockStart returns the offset of the first source line of block n.
func blockStart(n ast.Node, src []byte) (int, bool) {
	if fc, ok := n.(*ast.FencedCodeBlock); ok {
		// the opening fence is not part of the block's lines
		if fc.Info != nil {
			return lineStart(src, fc.Info.Segment.Start), true
		}
		if fc.Lines().Len() > 0 {
			first := lineStart(src, fc.Lines().At(0).Start)
			if first > 0 {
				return lineStart(src, first-1), true
			}
			return first, true
		}
		return 0, false
	}
	if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
		return lineStart(src, n.Lines().At(0).Start), true
	}
	for ch := n.FirstChild(); ch != nil; ch = ch.NextSibling() {
		if s, ok := blockStart(ch, src); ok {
			return s, true
		}
	}
	return 0, false
}

func headingText(h *ast.Heading, src []byte) string {
	var b strings.Builder
	lines := h.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return strings.TrimSpace(b.String())
}

func lineStart(src []byte, off int) int {
	if off > len(src) {
		off = len(src)
	}
	return bytes.LastIndexByte(src[:off], '\n') + 1
}

// trimSpan narrows sp to exclude leading and trailing whitespace.
func trimSpan(src []byte, sp span) span {
	for sp.start < sp.end && isSpace(src[sp.start]) {
		sp.start++
	}
	for sp.end > sp.start && isSpace(src[sp.end-1]) {
		sp.end--
	}
	return sp
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
