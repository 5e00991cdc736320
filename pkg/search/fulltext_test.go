package search

import (
	"testing"
)

func TestFulltextSearch(t *testing.T) {
	idx := NewFulltextIndex(DefaultBM25Params())

	idx.Index("doc1", "readme", "async runtime performance tuning for servers")
	idx.Index("doc2", "readme", "GUI theme customization and color palettes")
	idx.Index("doc3", "readme", "database performance and storage engines")

	t.Run("relevant doc ranks first", func(t *testing.T) {
		results := idx.Search("async performance", 10)
		if len(results) == 0 {
			t.Fatal("no results")
		}
		if results[0].ID != "doc1" {
			t.Errorf("top = %s, want doc1", results[0].ID)
		}
	})

	t.Run("no match", func(t *testing.T) {
		if results := idx.Search("quantum entanglement", 10); len(results) != 0 {
			t.Errorf("results = %v, want none", results)
		}
	})

	t.Run("limit", func(t *testing.T) {
		if results := idx.Search("performance", 1); len(results) != 1 {
			t.Errorf("len = %d, want 1", len(results))
		}
	})

	t.Run("case folding", func(t *testing.T) {
		results := idx.Search("ASYNC", 10)
		if len(results) == 0 || results[0].ID != "doc1" {
			t.Errorf("case-folded search failed: %v", results)
		}
	})
}

func TestFulltextMultiField(t *testing.T) {
	idx := NewFulltextIndex(DefaultBM25Params())

	idx.Index("n1", "title", "graph traversal")
	idx.Index("n1", "body", "breadth first search over labeled edges")

	// A term from either field hits the same document.
	if results := idx.Search("traversal", 5); len(results) != 1 || results[0].ID != "n1" {
		t.Errorf("title term: %v", results)
	}
	if results := idx.Search("breadth", 5); len(results) != 1 || results[0].ID != "n1" {
		t.Errorf("body term: %v", results)
	}
	if idx.Count() != 1 {
		t.Errorf("count = %d, want 1 document", idx.Count())
	}
}

func TestFulltextReindexIdempotent(t *testing.T) {
	idx := NewFulltextIndex(DefaultBM25Params())

	idx.Index("n1", "body", "old text about caching")
	idx.Index("n1", "body", "new text about sharding")

	if results := idx.Search("caching", 5); len(results) != 0 {
		t.Errorf("stale postings survived re-index: %v", results)
	}
	if results := idx.Search("sharding", 5); len(results) != 1 {
		t.Errorf("new postings missing: %v", results)
	}
	if idx.Count() != 1 {
		t.Errorf("count = %d, want 1", idx.Count())
	}
}

func TestFulltextRemove(t *testing.T) {
	idx := NewFulltextIndex(DefaultBM25Params())
	idx.Index("n1", "body", "ephemeral content")
	idx.Remove("n1")

	if results := idx.Search("ephemeral", 5); len(results) != 0 {
		t.Errorf("removed doc still matches: %v", results)
	}
	if idx.Count() != 0 {
		t.Errorf("count = %d, want 0", idx.Count())
	}
}

func TestTokenizeLanguageAgnostic(t *testing.T) {
	tokens := tokenize("The QUICK-brown fox_2 jumps! über café")
	want := map[string]bool{}
	for _, tok := range tokens {
		want[tok] = true
	}
	// No stop-word removal: "the" stays. No stemming: "jumps" stays intact.
	for _, expect := range []string{"the", "quick", "brown", "fox", "2", "jumps", "über", "café"} {
		if !want[expect] {
			t.Errorf("token %q missing from %v", expect, tokens)
		}
	}
}

func TestDeterministicTieOrder(t *testing.T) {
	idx := NewFulltextIndex(DefaultBM25Params())
	// Identical documents tie on score; order must be by ID.
	idx.Index("b", "f", "same words here")
	idx.Index("a", "f", "same words here")

	results := idx.Search("same words", 10)
	if len(results) != 2 || results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("tie order = %v, want a then b", results)
	}
}
