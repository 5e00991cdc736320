// Package storage provides the hot engine: an embedded graph + vector store
// over BadgerDB.
//
// The hot store is a projection of the cold lake. It holds typed nodes,
// labeled edges, and vectors, keyed by stable IDs, and serves the
// low-latency primitives the query layer is built on: point lookups, prefix
// iteration, neighbor enumeration, bounded BFS, and shortest path. Vector
// and full-text indexes live in pkg/search and are fed from this engine.
//
// Write semantics are merge-on-id everywhere: re-projecting the same batch
// converges to the same state, which is what lets the synchronizer replay
// cold rows after a crash without bookkeeping.
//
// Example Usage:
//
//	engine, err := storage.Open("./data/engine", storage.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	created, _ := engine.PutNode("Project", id, map[string]any{"url": u})
//	_ = engine.PutEdge("HAS_VERSION", id, versionID, nil)
//
//	neighbors, _ := engine.Neighbors(id, storage.DirectionOut, nil, 10)
package storage

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrStorageClosed = errors.New("storage closed")
	ErrLocked        = errors.New("engine directory is locked by another process")
	ErrStopIteration = errors.New("iteration stopped") // sentinel to stop streaming early
)

// NodeID is the stable 128-bit identifier of a node or vector, in string
// form. IDs are derived deterministically by pkg/schema.
type NodeID string

// Node is a typed graph node.
type Node struct {
	ID         NodeID         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Edge is a directed, labeled relationship between two nodes. Identity is
// the (label, src, dst) triple; writing the same triple again merges the
// payload.
type Edge struct {
	Label      string         `json:"label"`
	Src        NodeID         `json:"src"`
	Dst        NodeID         `json:"dst"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Vector is a stored embedding with its non-vector payload.
type Vector struct {
	ID         NodeID         `json:"id"`
	Type       string         `json:"type"`
	Embedding  []float32      `json:"embedding"`
	Properties map[string]any `json:"properties"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Direction selects edge orientation for neighbor queries.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// Neighbor pairs an edge with the node on its far side.
type Neighbor struct {
	Edge *Edge
	Node *Node
}

// Path is an ordered node sequence returned by ShortestPath.
type Path struct {
	Nodes []NodeID
}

// Len returns the number of hops (edges) in the path.
func (p *Path) Len() int {
	if len(p.Nodes) == 0 {
		return 0
	}
	return len(p.Nodes) - 1
}

// mergeProps copies src into dst, overwriting existing keys. Property merge
// over disjoint key sets is associative and commutative, which keeps
// replayed projections convergent.
func mergeProps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
