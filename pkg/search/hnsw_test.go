package search

import (
	"context"
	"testing"
)

func TestHNSWAddSearch(t *testing.T) {
	idx := NewHNSWIndex(4, DefaultHNSWConfig())
	ctx := context.Background()

	vectors := map[string][]float32{
		"x": {1, 0, 0, 0},
		"y": {0, 1, 0, 0},
		"z": {0, 0, 1, 0},
	}
	for id, v := range vectors {
		if err := idx.Add(id, v); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}

	t.Run("nearest neighbor", func(t *testing.T) {
		results, err := idx.Search(ctx, []float32{0.9, 0.1, 0, 0}, 1)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(results) != 1 || results[0].ID != "x" {
			t.Errorf("results = %v, want x", results)
		}
		if results[0].Score < 0.9 {
			t.Errorf("score = %v, want close to 1", results[0].Score)
		}
	})

	t.Run("exact match scores one", func(t *testing.T) {
		results, err := idx.Search(ctx, []float32{0, 1, 0, 0}, 1)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if results[0].ID != "y" || results[0].Score < 0.999 {
			t.Errorf("results = %v", results)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		if err := idx.Add("bad", []float32{1, 0}); err != ErrDimensionMismatch {
			t.Errorf("Add: expected ErrDimensionMismatch, got %v", err)
		}
		if _, err := idx.Search(ctx, []float32{1}, 1); err != ErrDimensionMismatch {
			t.Errorf("Search: expected ErrDimensionMismatch, got %v", err)
		}
	})

	t.Run("k larger than index", func(t *testing.T) {
		results, err := idx.Search(ctx, []float32{1, 1, 1, 1}, 10)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(results) != 3 {
			t.Errorf("len = %d, want 3", len(results))
		}
	})
}

func TestHNSWReplaceByID(t *testing.T) {
	idx := NewHNSWIndex(2, DefaultHNSWConfig())
	ctx := context.Background()

	idx.Add("a", []float32{1, 0})
	idx.Add("a", []float32{0, 1}) // replaces

	if idx.Size() != 1 {
		t.Fatalf("size = %d, want 1", idx.Size())
	}
	results, err := idx.Search(ctx, []float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if results[0].Score < 0.999 {
		t.Errorf("replaced vector not searchable: %v", results)
	}
}

func TestHNSWRemove(t *testing.T) {
	idx := NewHNSWIndex(2, DefaultHNSWConfig())
	ctx := context.Background()

	idx.Add("a", []float32{1, 0})
	idx.Add("b", []float32{0, 1})
	idx.Remove("a")

	if idx.Size() != 1 {
		t.Fatalf("size = %d, want 1", idx.Size())
	}
	results, err := idx.Search(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, r := range results {
		if r.ID == "a" {
			t.Error("removed vector still returned")
		}
	}
}

func TestHNSWEmptyIndex(t *testing.T) {
	idx := NewHNSWIndex(2, DefaultHNSWConfig())
	results, err := idx.Search(context.Background(), []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
}

func TestHNSWTieOrder(t *testing.T) {
	idx := NewHNSWIndex(2, DefaultHNSWConfig())
	ctx := context.Background()

	// Identical vectors score identically; order must fall back to ID.
	idx.Add("b", []float32{1, 0})
	idx.Add("a", []float32{1, 0})

	results, err := idx.Search(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 || results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("tie order = %v, want a then b", results)
	}
}

func TestHNSWRecallMonotoneInEf(t *testing.T) {
	idx := NewHNSWIndex(4, DefaultHNSWConfig())
	ctx := context.Background()

	seed := [][]float32{
		{1, 0, 0, 0}, {0.9, 0.1, 0, 0}, {0, 1, 0, 0}, {0, 0.9, 0.1, 0},
		{0, 0, 1, 0}, {0, 0, 0.9, 0.1}, {0, 0, 0, 1}, {0.5, 0.5, 0, 0},
	}
	for i, v := range seed {
		idx.Add(string(rune('a'+i)), v)
	}

	query := []float32{1, 0.05, 0, 0}
	small, err := idx.SearchEf(ctx, query, 3, 4)
	if err != nil {
		t.Fatalf("SearchEf(small) error = %v", err)
	}
	large, err := idx.SearchEf(ctx, query, 3, 64)
	if err != nil {
		t.Fatalf("SearchEf(large) error = %v", err)
	}
	if len(large) < len(small) {
		t.Errorf("larger ef returned fewer results: %d < %d", len(large), len(small))
	}
	if len(large) > 0 && large[0].ID != "a" {
		t.Errorf("top at high ef = %s, want a", large[0].ID)
	}
}
