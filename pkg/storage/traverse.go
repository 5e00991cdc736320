package storage

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Neighbors returns the edges incident to id together with the node on the
// far side, ordered by edge label then neighbor stable ID, truncated to
// limit. labelFilter restricts edge labels; nil allows all. limit <= 0 means
// no limit.
//
// The result is a deterministic prefix of the full neighbor set, so two
// calls with growing limits always agree on the shared prefix.
func (e *Engine) Neighbors(id NodeID, dir Direction, labelFilter []string, limit int) ([]Neighbor, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}

	allowed := labelSet(labelFilter)
	var out []Neighbor

	err := e.db.View(func(txn *badger.Txn) error {
		refs, err := neighborRefsTxn(txn, id, dir, allowed)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if limit > 0 && len(out) >= limit {
				break
			}
			edge, err := getEdgeTxn(txn, ref.label, ref.src, ref.dst)
			if err != nil {
				return err
			}
			node, err := getNodeTxn(txn, ref.other)
			if err != nil {
				return err
			}
			out = append(out, Neighbor{Edge: edge, Node: node})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// edgeRef is a lightweight reference to an edge incident to some origin.
type edgeRef struct {
	label string
	src   NodeID
	dst   NodeID
	other NodeID // the far side relative to the origin
}

// neighborRefsTxn enumerates edge references around id ordered by
// (label, other). Direction both merges the out and in sets, deduplicating
// reciprocal edges per orientation.
func neighborRefsTxn(txn *badger.Txn, id NodeID, dir Direction, allowed map[string]struct{}) ([]edgeRef, error) {
	var refs []edgeRef

	collect := func(prefix byte, out bool) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()

		p := scanPrefix(prefix, string(id))
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			parts := splitKey(it.Item().Key())
			// Key shape: origin, label, other.
			label, other := parts[1], NodeID(parts[2])
			if allowed != nil {
				if _, ok := allowed[label]; !ok {
					continue
				}
			}
			ref := edgeRef{label: label, other: other}
			if out {
				ref.src, ref.dst = id, other
			} else {
				ref.src, ref.dst = other, id
			}
			refs = append(refs, ref)
		}
		return nil
	}

	if dir == DirectionOut || dir == DirectionBoth {
		if err := collect(prefixOutgoing, true); err != nil {
			return nil, err
		}
	}
	if dir == DirectionIn || dir == DirectionBoth {
		if err := collect(prefixIncoming, false); err != nil {
			return nil, err
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].label != refs[j].label {
			return refs[i].label < refs[j].label
		}
		if refs[i].other != refs[j].other {
			return refs[i].other < refs[j].other
		}
		// Same label and far node: order by source so out/in pairs of a
		// reciprocal edge enumerate deterministically.
		return refs[i].src < refs[j].src
	})
	return refs, nil
}

func getEdgeTxn(txn *badger.Txn, label string, src, dst NodeID) (*Edge, error) {
	item, err := txn.Get(edgeKey(label, src, dst))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var edge Edge
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &edge)
	}); err != nil {
		return nil, err
	}
	return &edge, nil
}

func labelSet(labels []string) map[string]struct{} {
	if len(labels) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return set
}

// Subgraph is the result of a bounded BFS.
type Subgraph struct {
	Nodes []*Node
	Edges []*Edge
}

// SubgraphBFS expands breadth-first from start across the allowed edge
// labels (nil allows all), stopping at depth hops or when either limit is
// reached. The start node counts toward nodeLimit. Traversal is
// deterministic: neighbors are enumerated in (label, stable ID) order.
func (e *Engine) SubgraphBFS(ctx context.Context, start NodeID, allowedLabels []string, depth, nodeLimit, edgeLimit int) (*Subgraph, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	allowed := labelSet(allowedLabels)
	sub := &Subgraph{}

	err := e.db.View(func(txn *badger.Txn) error {
		startNode, err := getNodeTxn(txn, start)
		if err != nil {
			return err
		}
		sub.Nodes = append(sub.Nodes, startNode)

		visited := map[NodeID]struct{}{start: {}}
		seenEdges := map[string]struct{}{}
		frontier := []NodeID{start}

		for d := 0; d < depth && len(frontier) > 0; d++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			var next []NodeID
			for _, cur := range frontier {
				refs, err := neighborRefsTxn(txn, cur, DirectionBoth, allowed)
				if err != nil {
					return err
				}
				for _, ref := range refs {
					ek := string(edgeKey(ref.label, ref.src, ref.dst))
					if _, dup := seenEdges[ek]; !dup {
						if edgeLimit > 0 && len(sub.Edges) >= edgeLimit {
							return nil
						}
						edge, err := getEdgeTxn(txn, ref.label, ref.src, ref.dst)
						if err != nil {
							return err
						}
						seenEdges[ek] = struct{}{}
						sub.Edges = append(sub.Edges, edge)
					}
					if _, ok := visited[ref.other]; ok {
						continue
					}
					if nodeLimit > 0 && len(sub.Nodes) >= nodeLimit {
						return nil
					}
					node, err := getNodeTxn(txn, ref.other)
					if err != nil {
						return err
					}
					visited[ref.other] = struct{}{}
					sub.Nodes = append(sub.Nodes, node)
					next = append(next, ref.other)
				}
			}
			frontier = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ShortestPath finds a shortest path from from to to in the undirected
// projection of the graph. When label is non-empty the walk is restricted to
// edges with that label. Returns nil when no path exists. On ties the
// lexicographically smallest path by stable-ID sequence wins.
func (e *Engine) ShortestPath(ctx context.Context, from, to NodeID, label string) (*Path, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	var allowed map[string]struct{}
	if label != "" {
		allowed = labelSet([]string{label})
	}

	var path *Path
	err := e.db.View(func(txn *badger.Txn) error {
		if _, err := getNodeTxn(txn, from); err != nil {
			return err
		}
		if _, err := getNodeTxn(txn, to); err != nil {
			return err
		}
		if from == to {
			path = &Path{Nodes: []NodeID{from}}
			return nil
		}

		// BFS with neighbors enumerated in ascending stable-ID order and a
		// FIFO queue. First discovery of a node is then along the
		// lexicographically smallest of its shortest paths.
		parent := map[NodeID]NodeID{from: ""}
		queue := []NodeID{from}

		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			cur := queue[0]
			queue = queue[1:]

			refs, err := neighborRefsTxn(txn, cur, DirectionBoth, allowed)
			if err != nil {
				return err
			}
			// Order by neighbor ID only; labels are constrained already.
			sort.Slice(refs, func(i, j int) bool { return refs[i].other < refs[j].other })

			for _, ref := range refs {
				if _, seen := parent[ref.other]; seen {
					continue
				}
				parent[ref.other] = cur
				if ref.other == to {
					path = buildPath(parent, from, to)
					return nil
				}
				queue = append(queue, ref.other)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return path, nil
}

func buildPath(parent map[NodeID]NodeID, from, to NodeID) *Path {
	var rev []NodeID
	for cur := to; cur != ""; cur = parent[cur] {
		rev = append(rev, cur)
		if cur == from {
			break
		}
	}
	nodes := make([]NodeID, len(rev))
	for i, n := range rev {
		nodes[len(rev)-1-i] = n
	}
	return &Path{Nodes: nodes}
}
