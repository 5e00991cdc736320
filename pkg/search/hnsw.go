package search

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/orneryd/muninn/pkg/math/vector"
)

// HNSWConfig contains the tunables of the HNSW index.
type HNSWConfig struct {
	M               int     // max connections per node per layer
	EfConstruction  int     // candidate list size during construction
	EfSearch        int     // candidate list size during search
	LevelMultiplier float64 // 1/ln(M)
}

// DefaultHNSWConfig returns the standard parameters. EfSearch comes from
// configuration at the engine level; 64 is the default.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        64,
		LevelMultiplier: 1.0 / math.Log(16.0),
	}
}

// hnswNode is one vector in the HNSW graph.
type hnswNode struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]string
}

// HNSWIndex provides approximate nearest neighbor search over normalized
// vectors using cosine similarity. Recall grows monotonically with
// EfSearch: a larger candidate list only ever widens the explored
// neighborhood.
type HNSWIndex struct {
	config     HNSWConfig
	dimensions int

	mu         sync.RWMutex
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
	rng        *rand.Rand
}

// NewHNSWIndex creates an index for vectors of the given width.
func NewHNSWIndex(dimensions int, config HNSWConfig) *HNSWIndex {
	if config.M == 0 {
		config = DefaultHNSWConfig()
	}
	if config.LevelMultiplier == 0 {
		config.LevelMultiplier = 1.0 / math.Log(float64(config.M))
	}
	return &HNSWIndex{
		config:     config,
		dimensions: dimensions,
		nodes:      make(map[string]*hnswNode),
		rng:        rand.New(rand.NewSource(1)),
	}
}

// Add inserts or replaces a vector. Re-adding an id replaces its embedding.
func (h *HNSWIndex) Add(id string, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.nodes[id]; exists {
		h.removeLocked(id)
	}

	normalized := vector.Normalize(vec)
	level := h.randomLevel()

	node := &hnswNode{
		id:        id,
		vector:    normalized,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]string, 0, h.config.M)
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.greedyClosest(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			if len(neighbor.neighbors) <= l {
				continue
			}
			if len(neighbor.neighbors[l]) < h.config.M {
				neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
			} else {
				all := append(neighbor.neighbors[l], id)
				neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, all, h.config.M)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
	return nil
}

// Remove deletes a vector from the index by ID.
func (h *HNSWIndex) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *HNSWIndex) removeLocked(id string) {
	node, exists := h.nodes[id]
	if !exists {
		return
	}

	for l := 0; l <= node.level; l++ {
		for _, neighborID := range node.neighbors[l] {
			neighbor, ok := h.nodes[neighborID]
			if !ok || len(neighbor.neighbors) <= l {
				continue
			}
			kept := neighbor.neighbors[l][:0]
			for _, nid := range neighbor.neighbors[l] {
				if nid != id {
					kept = append(kept, nid)
				}
			}
			neighbor.neighbors[l] = kept
		}
	}

	delete(h.nodes, id)

	if h.entryPoint == id {
		h.entryPoint = ""
		h.maxLevel = 0
		best := -1
		for nid, n := range h.nodes {
			if n.level > best || (n.level == best && nid < h.entryPoint) {
				best = n.level
				h.entryPoint = nid
				h.maxLevel = n.level
			}
		}
	}
}

// Search finds the k nearest neighbors of query by cosine similarity.
// Scores are in [-1, 1]; ties break by ID.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	return h.SearchEf(ctx, query, k, h.config.EfSearch)
}

// SearchEf is Search with an explicit ef parameter (>= k is sensible).
func (h *HNSWIndex) SearchEf(ctx context.Context, query []float32, k, ef int) ([]Result, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return []Result{}, nil
	}
	if ef < k {
		ef = k
	}

	normalized := vector.Normalize(query)
	ep := h.entryPoint

	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(normalized, ep, l)
	}

	candidates := h.searchLayer(normalized, ep, ef, 0)

	results := make([]Result, 0, len(candidates))
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, Result{
			ID:    id,
			Score: vector.DotProduct(normalized, h.nodes[id].vector),
		})
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Size returns the number of vectors in the index.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// greedyClosest walks a single layer toward query from entry and returns the
// local minimum.
func (h *HNSWIndex) greedyClosest(query []float32, entryID string, level int) string {
	current := entryID
	currentDist := 1.0 - vector.DotProduct(query, h.nodes[current].vector)

	for {
		changed := false
		for _, neighborID := range h.layerNeighbors(current, level) {
			dist := 1.0 - vector.DotProduct(query, h.nodes[neighborID].vector)
			if dist < currentDist {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}
		if !changed {
			return current
		}
	}
}

func (h *HNSWIndex) layerNeighbors(id string, level int) []string {
	node := h.nodes[id]
	if node == nil || len(node.neighbors) <= level {
		return nil
	}
	return node.neighbors[level]
}

// searchLayer runs the beam search with candidate list size ef on one layer
// and returns candidate IDs ordered nearest first.
func (h *HNSWIndex) searchLayer(query []float32, entryID string, ef, level int) []string {
	visited := map[string]bool{entryID: true}

	candidates := &distHeap{}
	results := &distHeap{}
	heap.Init(candidates)
	heap.Init(results)

	entryDist := 1.0 - vector.DotProduct(query, h.nodes[entryID].vector)
	heap.Push(candidates, distItem{id: entryID, dist: entryDist})
	heap.Push(results, distItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)

		if results.Len() >= ef && closest.dist > (*results)[0].dist {
			break
		}

		for _, neighborID := range h.layerNeighbors(closest.id, level) {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			dist := 1.0 - vector.DotProduct(query, h.nodes[neighborID].vector)
			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, distItem{id: neighborID, dist: dist})
				heap.Push(results, distItem{id: neighborID, dist: dist, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).id
	}
	return out
}

// selectNeighbors keeps the m candidates closest to query.
func (h *HNSWIndex) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		id   string
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{id: cid, dist: 1.0 - vector.DotProduct(query, h.nodes[cid].vector)}
	}
	// Stable order under distance ties.
	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})

	out := make([]string, m)
	for i := 0; i < m; i++ {
		out[i] = dists[i].id
	}
	return out
}

func (h *HNSWIndex) randomLevel() int {
	r := h.rng.Float64()
	for r == 0 {
		r = h.rng.Float64()
	}
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

// Heap types for layer search.
type distItem struct {
	id    string
	dist  float64
	isMax bool
}

type distHeap []distItem

func (dh distHeap) Len() int { return len(dh) }
func (dh distHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh distHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *distHeap) Push(x any) { *dh = append(*dh, x.(distItem)) }

func (dh *distHeap) Pop() any {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[:n-1]
	return x
}
