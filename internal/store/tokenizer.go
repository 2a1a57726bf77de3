package store

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/registry"
)

// Tokenizer names accepted by NewTokenizer.
const (
	TokenizerCode     = "code"
	TokenizerStandard = "standard"
)

// Tokenizer turns chunk text and queries into lexical terms. The same
// tokenizer must be used for indexing and querying.
type Tokenizer interface {
	Tokenize(text string) []string
}

// NewTokenizer returns the tokenizer registered under name.
func NewTokenizer(name string) (Tokenizer, error) {
	switch name {
	case "", TokenizerCode:
		return NewCodeTokenizer(DefaultStopWords), nil
	case TokenizerStandard:
		return NewAnalyzerTokenizer()
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}

// DefaultStopWords are dropped by the code tokenizer. Identifier noise
// words from source listings plus the most frequent English function words.
var DefaultStopWords = []string{
	"the", "and", "or", "of", "to", "in", "is", "it", "an", "on", "as", "at", "be", "by",
	"var", "let", "const", "func", "function", "def", "return", "err", "ctx", "tmp",
}

var wordRegex = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// CodeTokenizer splits on non-word characters, then breaks camelCase and
// snake_case identifiers apart. Terms are lowercased; terms shorter than two
// characters and stop words are dropped.
type CodeTokenizer struct {
	stop   map[string]struct{}
	minLen int
}

// NewCodeTokenizer creates a CodeTokenizer with the given stop words.
func NewCodeTokenizer(stopWords []string) *CodeTokenizer {
	stop := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		stop[strings.ToLower(w)] = struct{}{}
	}
	return &CodeTokenizer{stop: stop, minLen: 2}
}

// Tokenize implements Tokenizer.
func (t *CodeTokenizer) Tokenize(text string) []string {
	var out []string
	for _, word := range wordRegex.FindAllString(text, -1) {
		for _, part := range SplitIdentifier(word) {
			term := strings.ToLower(part)
			if len([]rune(term)) < t.minLen {
				continue
			}
			if _, ok := t.stop[term]; ok {
				continue
			}
			out = append(out, term)
		}
	}
	return out
}

// SplitIdentifier breaks snake_case on underscores and camelCase on case
// boundaries, keeping acronyms together:
//
//	"parseHTTPRequest" -> parse, HTTP, Request
//	"max_chunk_size"   -> max, chunk, size
func SplitIdentifier(word string) []string {
	var out []string
	for _, seg := range strings.Split(word, "_") {
		if seg != "" {
			out = append(out, splitCamel(seg)...)
		}
	}
	return out
}

func splitCamel(s string) []string {
	runes := []rune(s)
	var out []string
	start := 0
	for i := 1; i < len(runes); i++ {
		if !unicode.IsUpper(runes[i]) {
			continue
		}
		prevLower := unicode.IsLower(runes[i-1])
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
			out = append(out, string(runes[start:i]))
			start = i
		}
	}
	return append(out, string(runes[start:]))
}

// AnalyzerTokenizer runs text through the bleve standard analyzer:
// Unicode word segmentation, lowercasing and English stop word removal.
type AnalyzerTokenizer struct {
	analyzer analysis.Analyzer
}

// NewAnalyzerTokenizer builds the standard analyzer from the bleve registry.
func NewAnalyzerTokenizer() (*AnalyzerTokenizer, error) {
	a, err := registry.NewCache().AnalyzerNamed(standard.Name)
	if err != nil {
		return nil, fmt.Errorf("load %s analyzer: %w", standard.Name, err)
	}
	return &AnalyzerTokenizer{analyzer: a}, nil
}

// Tokenize implements Tokenizer.
func (t *AnalyzerTokenizer) Tokenize(text string) []string {
	stream := t.analyzer.Analyze([]byte(text))
	out := make([]string, 0, len(stream))
	for _, tok := range stream {
		out = append(out, string(tok.Term))
	}
	return out
}
