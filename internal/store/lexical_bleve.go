package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
	index "github.com/blevesearch/bleve_index_api"
)

const (
	// TermsTokenizerName is the bleve tokenizer that splits pre-tokenized
	// content back into its terms.
	TermsTokenizerName = "amanrag_terms"

	// TermsAnalyzerName is the analyzer built on TermsTokenizerName.
	TermsAnalyzerName = "amanrag_terms"

	contentField = "content"
	domainField  = "domain"

	// termSeparator joins a document's terms into one field value. Neither
	// tokenizer emits it inside a term.
	termSeparator = "\x1f"
)

func init() {
	_ = registry.RegisterTokenizer(TermsTokenizerName, termsTokenizerConstructor)
}

// newLexicalMapping indexes content with the pass-through analyzer and the
// domain as a single keyword, scored with BM25.
func newLexicalMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(TermsAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": TermsTokenizerName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add terms analyzer: %w", err)
	}
	im.DefaultAnalyzer = TermsAnalyzerName
	im.ScoringModel = index.BM25Scoring

	content := bleve.NewTextFieldMapping()
	content.Analyzer = TermsAnalyzerName
	content.Store = false
	content.IncludeInAll = false
	content.IncludeTermVectors = false

	domain := bleve.NewKeywordFieldMapping()
	domain.Store = false
	domain.IncludeInAll = false
	domain.IncludeTermVectors = false

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(contentField, content)
	doc.AddFieldMappingsAt(domainField, domain)
	im.DefaultMapping = doc
	return im, nil
}

func termsTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return termsTokenizer{}, nil
}

// termsTokenizer emits the terms joined by termSeparator unchanged. Terms
// were produced by the store's Tokenizer before indexing, and queries are
// term queries, so no further analysis happens inside bleve.
type termsTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (termsTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	if text == "" {
		return analysis.TokenStream{}
	}
	parts := strings.Split(text, termSeparator)
	stream := make(analysis.TokenStream, 0, len(parts))
	offset := 0
	pos := 1
	for _, term := range parts {
		end := offset + len(term)
		if term != "" {
			stream = append(stream, &analysis.Token{
				Term:     []byte(term),
				Start:    offset,
				End:      end,
				Position: pos,
				Type:     analysis.AlphaNumeric,
			})
			pos++
		}
		offset = end + len(termSeparator)
	}
	return stream
}

var scoringMu sync.Mutex

// useScoringParams sets bleve's BM25 k1 and b. bleve keeps them in
// process-wide variables, so the last store created with different
// parameters wins; a process runs a single coordinator.
func useScoringParams(p LexicalParams) {
	scoringMu.Lock()
	defer scoringMu.Unlock()
	if search.BM25_k1 != p.K1 {
		search.BM25_k1 = p.K1
	}
	if search.BM25_b != p.B {
		search.BM25_b = p.B
	}
}
