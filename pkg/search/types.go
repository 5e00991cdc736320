// Package search provides the hot engine's secondary indexes: an HNSW
// vector index and a BM25 full-text index, plus the service that keeps them
// fed from storage and rebuilds them on open.
//
// Both indexes are in-memory structures derived from the durable hot store.
// They are rebuilt by Service.Rebuild at startup, and updated incrementally
// as the synchronizer projects batches.
package search

import (
	"errors"
	"sort"
)

// Common errors
var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrUnknownType       = errors.New("unknown index type")
)

// Result is one scored hit from an index.
type Result struct {
	ID    string
	Score float64
}

// sortResults orders by score descending, ties broken by ID ascending so
// equal-scored hits always enumerate deterministically.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
