package storage

import (
	"context"
	"errors"
	"testing"
)

func openTest(t *testing.T) *Engine {
	t.Helper()
	e, err := Open("", Options{InMemory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutNodeMerge(t *testing.T) {
	e := openTest(t)

	created, err := e.PutNode("Project", "n1", map[string]any{"url": "u", "stars": 1})
	if err != nil {
		t.Fatalf("PutNode() error = %v", err)
	}
	if !created {
		t.Error("first put should report created")
	}

	created, err = e.PutNode("Project", "n1", map[string]any{"stars": 2, "forks": 3})
	if err != nil {
		t.Fatalf("PutNode() second error = %v", err)
	}
	if created {
		t.Error("second put should report updated")
	}

	node, err := e.GetNode("n1")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	// Merge keeps untouched keys and overwrites mentioned ones.
	if node.Properties["url"] != "u" {
		t.Errorf("url = %v, want preserved", node.Properties["url"])
	}
	if node.Properties["stars"] != float64(2) && node.Properties["stars"] != 2 {
		t.Errorf("stars = %v, want 2", node.Properties["stars"])
	}
	if node.Properties["forks"] != float64(3) && node.Properties["forks"] != 3 {
		t.Errorf("forks = %v, want 3", node.Properties["forks"])
	}
}

func TestGetNodeNotFound(t *testing.T) {
	e := openTest(t)
	if _, err := e.GetNode("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutEdgeIdempotent(t *testing.T) {
	e := openTest(t)
	e.PutNode("T", "a", nil)
	e.PutNode("T", "b", nil)

	if err := e.PutEdge("CALLS", "a", "b", map[string]any{"count": 1}); err != nil {
		t.Fatalf("PutEdge() error = %v", err)
	}
	if err := e.PutEdge("CALLS", "a", "b", map[string]any{"count": 2}); err != nil {
		t.Fatalf("PutEdge() second error = %v", err)
	}

	count, err := e.EdgeCount()
	if err != nil {
		t.Fatalf("EdgeCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("edge count = %d, want 1 (idempotent on triple)", count)
	}

	edge, err := e.GetEdge("CALLS", "a", "b")
	if err != nil {
		t.Fatalf("GetEdge() error = %v", err)
	}
	if edge.Properties["count"] != float64(2) && edge.Properties["count"] != 2 {
		t.Errorf("count = %v, want merged payload 2", edge.Properties["count"])
	}
}

func TestIterNodesByTypeOrder(t *testing.T) {
	e := openTest(t)
	for _, id := range []NodeID{"c", "a", "b"} {
		e.PutNode("T", id, nil)
	}
	e.PutNode("Other", "x", nil)

	var got []NodeID
	err := e.IterNodesByType("T", func(n *Node) error {
		got = append(got, n.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("IterNodesByType() error = %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("order = %v, want [a b c]", got)
	}
}

func TestNeighbors(t *testing.T) {
	e := openTest(t)
	for _, id := range []NodeID{"hub", "n1", "n2", "n3"} {
		e.PutNode("T", id, nil)
	}
	e.PutEdge("B_LABEL", "hub", "n2", nil)
	e.PutEdge("A_LABEL", "hub", "n3", nil)
	e.PutEdge("A_LABEL", "hub", "n1", nil)
	e.PutEdge("A_LABEL", "n2", "hub", nil) // incoming

	t.Run("ordered by label then id", func(t *testing.T) {
		got, err := e.Neighbors("hub", DirectionOut, nil, 0)
		if err != nil {
			t.Fatalf("Neighbors() error = %v", err)
		}
		want := []NodeID{"n1", "n3", "n2"} // A_LABEL:n1, A_LABEL:n3, B_LABEL:n2
		if len(got) != 3 {
			t.Fatalf("len = %d, want 3", len(got))
		}
		for i, n := range got {
			if n.Node.ID != want[i] {
				t.Errorf("pos %d = %s, want %s", i, n.Node.ID, want[i])
			}
		}
	})

	t.Run("limit is a deterministic prefix", func(t *testing.T) {
		full, _ := e.Neighbors("hub", DirectionOut, nil, 0)
		limited, err := e.Neighbors("hub", DirectionOut, nil, 2)
		if err != nil {
			t.Fatalf("Neighbors() error = %v", err)
		}
		if len(limited) != 2 {
			t.Fatalf("len = %d, want 2", len(limited))
		}
		for i := range limited {
			if limited[i].Node.ID != full[i].Node.ID {
				t.Errorf("limited result diverges at %d", i)
			}
		}
	})

	t.Run("label filter", func(t *testing.T) {
		got, err := e.Neighbors("hub", DirectionOut, []string{"B_LABEL"}, 0)
		if err != nil {
			t.Fatalf("Neighbors() error = %v", err)
		}
		if len(got) != 1 || got[0].Node.ID != "n2" {
			t.Errorf("filtered = %v", got)
		}
	})

	t.Run("direction in", func(t *testing.T) {
		got, err := e.Neighbors("hub", DirectionIn, nil, 0)
		if err != nil {
			t.Fatalf("Neighbors() error = %v", err)
		}
		if len(got) != 1 || got[0].Node.ID != "n2" || got[0].Edge.Src != "n2" {
			t.Errorf("incoming = %+v", got)
		}
	})

	t.Run("direction both", func(t *testing.T) {
		got, err := e.Neighbors("hub", DirectionBoth, nil, 0)
		if err != nil {
			t.Fatalf("Neighbors() error = %v", err)
		}
		if len(got) != 4 {
			t.Errorf("len = %d, want 4", len(got))
		}
	})
}

func TestSubgraphBFS(t *testing.T) {
	e := openTest(t)
	// Chain a-b-c-d plus a side branch a-x.
	for _, id := range []NodeID{"a", "b", "c", "d", "x"} {
		e.PutNode("T", id, nil)
	}
	e.PutEdge("L", "a", "b", nil)
	e.PutEdge("L", "b", "c", nil)
	e.PutEdge("L", "c", "d", nil)
	e.PutEdge("M", "a", "x", nil)
	ctx := context.Background()

	t.Run("depth bound", func(t *testing.T) {
		sub, err := e.SubgraphBFS(ctx, "a", nil, 2, 0, 0)
		if err != nil {
			t.Fatalf("SubgraphBFS() error = %v", err)
		}
		// Within 2 hops of a: a, b, x, c — not d.
		if len(sub.Nodes) != 4 {
			t.Errorf("nodes = %d, want 4", len(sub.Nodes))
		}
		for _, n := range sub.Nodes {
			if n.ID == "d" {
				t.Error("node d is 3 hops away, must not appear")
			}
		}
	})

	t.Run("node limit counts start", func(t *testing.T) {
		sub, err := e.SubgraphBFS(ctx, "a", nil, 3, 2, 0)
		if err != nil {
			t.Fatalf("SubgraphBFS() error = %v", err)
		}
		if len(sub.Nodes) != 2 {
			t.Errorf("nodes = %d, want 2", len(sub.Nodes))
		}
		if sub.Nodes[0].ID != "a" {
			t.Errorf("first node = %s, want start", sub.Nodes[0].ID)
		}
	})

	t.Run("edge limit", func(t *testing.T) {
		sub, err := e.SubgraphBFS(ctx, "a", nil, 3, 0, 1)
		if err != nil {
			t.Fatalf("SubgraphBFS() error = %v", err)
		}
		if len(sub.Edges) != 1 {
			t.Errorf("edges = %d, want 1", len(sub.Edges))
		}
	})

	t.Run("label restriction", func(t *testing.T) {
		sub, err := e.SubgraphBFS(ctx, "a", []string{"L"}, 3, 0, 0)
		if err != nil {
			t.Fatalf("SubgraphBFS() error = %v", err)
		}
		for _, n := range sub.Nodes {
			if n.ID == "x" {
				t.Error("label-filtered BFS reached x over M edge")
			}
		}
	})

	t.Run("missing start", func(t *testing.T) {
		if _, err := e.SubgraphBFS(ctx, "ghost", nil, 1, 0, 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

// Mirrors the canonical A-B-C / label-filter scenario: CALLS chain plus an
// IMPORTS shortcut.
func TestShortestPath(t *testing.T) {
	e := openTest(t)
	for _, id := range []NodeID{"A", "B", "C"} {
		e.PutNode("T", id, nil)
	}
	e.PutEdge("CALLS", "A", "B", nil)
	e.PutEdge("CALLS", "B", "C", nil)
	e.PutEdge("IMPORTS", "A", "C", nil)
	ctx := context.Background()

	t.Run("label filtered", func(t *testing.T) {
		p, err := e.ShortestPath(ctx, "A", "C", "CALLS")
		if err != nil {
			t.Fatalf("ShortestPath() error = %v", err)
		}
		if p == nil || len(p.Nodes) != 3 || p.Nodes[0] != "A" || p.Nodes[1] != "B" || p.Nodes[2] != "C" {
			t.Errorf("path = %+v, want [A B C]", p)
		}
	})

	t.Run("unrestricted takes shortcut", func(t *testing.T) {
		p, err := e.ShortestPath(ctx, "A", "C", "")
		if err != nil {
			t.Fatalf("ShortestPath() error = %v", err)
		}
		if p == nil || len(p.Nodes) != 2 || p.Nodes[1] != "C" {
			t.Errorf("path = %+v, want [A C]", p)
		}
	})

	t.Run("absent label", func(t *testing.T) {
		p, err := e.ShortestPath(ctx, "A", "C", "NESTED_IN")
		if err != nil {
			t.Fatalf("ShortestPath() error = %v", err)
		}
		if p != nil {
			t.Errorf("path = %+v, want none", p)
		}
	})

	t.Run("undirected projection", func(t *testing.T) {
		p, err := e.ShortestPath(ctx, "C", "A", "IMPORTS")
		if err != nil {
			t.Fatalf("ShortestPath() error = %v", err)
		}
		if p == nil || len(p.Nodes) != 2 {
			t.Errorf("reverse path = %+v", p)
		}
	})

	t.Run("same node", func(t *testing.T) {
		p, err := e.ShortestPath(ctx, "A", "A", "")
		if err != nil {
			t.Fatalf("ShortestPath() error = %v", err)
		}
		if p == nil || p.Len() != 0 {
			t.Errorf("self path = %+v", p)
		}
	})

	t.Run("lexicographic tie break", func(t *testing.T) {
		// Two shortest paths s->m1->t and s->m2->t; m1 < m2 must win.
		for _, id := range []NodeID{"s", "m1", "m2", "t"} {
			e.PutNode("T", id, nil)
		}
		e.PutEdge("L", "s", "m2", nil)
		e.PutEdge("L", "s", "m1", nil)
		e.PutEdge("L", "m2", "t", nil)
		e.PutEdge("L", "m1", "t", nil)

		p, err := e.ShortestPath(ctx, "s", "t", "L")
		if err != nil {
			t.Fatalf("ShortestPath() error = %v", err)
		}
		if p == nil || len(p.Nodes) != 3 || p.Nodes[1] != "m1" {
			t.Errorf("path = %+v, want via m1", p)
		}
	})
}

func TestVectors(t *testing.T) {
	e := openTest(t)

	if err := e.PutVector("ReadmeChunk", "v1", []float32{1, 0, 0, 0}, map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("PutVector() error = %v", err)
	}
	if err := e.PutVector("ReadmeChunk", "v1", []float32{0, 1, 0, 0}, nil); err != nil {
		t.Fatalf("PutVector() second error = %v", err)
	}

	vec, err := e.GetVector("v1")
	if err != nil {
		t.Fatalf("GetVector() error = %v", err)
	}
	if vec.Embedding[1] != 1 {
		t.Errorf("embedding not replaced: %v", vec.Embedding)
	}
	if vec.Properties["text"] != "hi" {
		t.Errorf("properties not preserved: %v", vec.Properties)
	}

	var ids []NodeID
	e.IterVectorsByType("ReadmeChunk", func(v *Vector) error {
		ids = append(ids, v.ID)
		return nil
	})
	if len(ids) != 1 || ids[0] != "v1" {
		t.Errorf("ids = %v", ids)
	}
}

func TestClosedEngine(t *testing.T) {
	e := openTest(t)
	e.Close()

	if _, err := e.GetNode("x"); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("expected ErrStorageClosed, got %v", err)
	}
	if _, err := e.PutNode("T", "x", nil); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("expected ErrStorageClosed, got %v", err)
	}
}
