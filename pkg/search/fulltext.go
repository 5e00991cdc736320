package search

import (
	"math"
	"strings"
	"sync"
	"unicode"
)

// BM25Params are the Okapi BM25 parameters. k1 controls term-frequency
// saturation, b controls document-length normalization.
type BM25Params struct {
	K1 float64
	B  float64
}

// DefaultBM25Params returns the standard k1=1.2, b=0.75.
func DefaultBM25Params() BM25Params {
	return BM25Params{K1: 1.2, B: 0.75}
}

// FulltextIndex provides BM25 keyword search over the text-indexed fields
// of one record type.
//
// A document is a node: all its indexed fields are concatenated for scoring,
// so a query term matches regardless of which field carries it. Indexing is
// idempotent per (node, field) — re-indexing a field replaces its prior
// text.
//
// Tokenization is deliberately language-agnostic: Unicode letter/digit word
// segmentation with case folding, no stemming, no stop words.
type FulltextIndex struct {
	params BM25Params

	mu sync.RWMutex

	// fields: docID -> field name -> raw text
	fields map[string]map[string]string

	// invertedIndex: term -> docID -> term frequency
	invertedIndex map[string]map[string]int

	// docLengths: docID -> token count across all fields
	docLengths map[string]int

	avgDocLength float64
	docCount     int
}

// NewFulltextIndex creates an index with the given BM25 parameters.
func NewFulltextIndex(params BM25Params) *FulltextIndex {
	if params.K1 == 0 {
		params = DefaultBM25Params()
	}
	return &FulltextIndex{
		params:        params,
		fields:        make(map[string]map[string]string),
		invertedIndex: make(map[string]map[string]int),
		docLengths:    make(map[string]int),
	}
}

// Index adds or replaces the text of one field of a document.
func (f *FulltextIndex) Index(docID, field, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, exists := f.fields[docID]
	if exists {
		f.removeFromPostings(docID)
	} else {
		doc = make(map[string]string)
		f.fields[docID] = doc
		f.docCount++
	}
	doc[field] = text

	tokens := tokenize(f.concatLocked(docID))
	f.docLengths[docID] = len(tokens)

	termFreq := make(map[string]int)
	for _, tok := range tokens {
		termFreq[tok]++
	}
	for term, freq := range termFreq {
		if f.invertedIndex[term] == nil {
			f.invertedIndex[term] = make(map[string]int)
		}
		f.invertedIndex[term][docID] = freq
	}

	f.updateAvgDocLength()
}

// Remove deletes a document and all its fields from the index.
func (f *FulltextIndex) Remove(docID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.fields[docID]; !exists {
		return
	}
	f.removeFromPostings(docID)
	delete(f.fields, docID)
	delete(f.docLengths, docID)
	f.docCount--
	f.updateAvgDocLength()
}

// removeFromPostings drops docID from the inverted index, leaving the field
// texts in place. Callers re-index or delete afterwards.
func (f *FulltextIndex) removeFromPostings(docID string) {
	tokens := tokenize(f.concatLocked(docID))
	seen := make(map[string]struct{})
	for _, tok := range tokens {
		if _, done := seen[tok]; done {
			continue
		}
		seen[tok] = struct{}{}
		if docs, ok := f.invertedIndex[tok]; ok {
			delete(docs, docID)
			if len(docs) == 0 {
				delete(f.invertedIndex, tok)
			}
		}
	}
}

func (f *FulltextIndex) concatLocked(docID string) string {
	doc := f.fields[docID]
	if len(doc) == 0 {
		return ""
	}
	parts := make([]string, 0, len(doc))
	for _, text := range doc {
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n")
}

// Search scores documents against query with Okapi BM25 and returns the top
// limit results, score descending, ties by ID.
func (f *FulltextIndex) Search(query string, limit int) []Result {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.docCount == 0 {
		return nil
	}
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		docs, exists := f.invertedIndex[term]
		if !exists {
			continue
		}
		idf := f.idf(term)
		for docID, termFreq := range docs {
			docLen := float64(f.docLengths[docID])
			tf := float64(termFreq)
			numerator := tf * (f.params.K1 + 1)
			denominator := tf + f.params.K1*(1-f.params.B+f.params.B*(docLen/f.avgDocLength))
			scores[docID] += idf * (numerator / denominator)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ID: id, Score: score})
	}
	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// idf uses the Lucene BM25 variant log(1 + (N - df + 0.5)/(df + 0.5)),
// which stays non-negative for very common terms.
func (f *FulltextIndex) idf(term string) float64 {
	df := float64(len(f.invertedIndex[term]))
	n := float64(f.docCount)
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

func (f *FulltextIndex) updateAvgDocLength() {
	if f.docCount == 0 {
		f.avgDocLength = 0
		return
	}
	var total int
	for _, l := range f.docLengths {
		total += l
	}
	f.avgDocLength = float64(total) / float64(f.docCount)
}

// Count returns the number of indexed documents.
func (f *FulltextIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docCount
}

// tokenize splits text into case-folded tokens at Unicode word boundaries.
// No stemming and no stop-word removal: behavior stays language-agnostic.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
}
