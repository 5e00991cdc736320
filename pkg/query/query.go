// Package query is the unified read surface over the dual store: BM25 text
// search, HNSW vector search, hybrid scoring, graph traversal, and node
// resolution with cold-store fallback.
//
// Every operation is read-only, side-effect-free, and safe to run
// concurrently with syncs: the hot engine serves snapshot reads, and the
// cold fallback only touches published table versions. Deadlines arrive via
// the context.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/lake"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/schema"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
)

// hybridOverfetch is the multiple of k fetched from each leg of a hybrid
// search before fusion.
const hybridOverfetch = 4

// Hit is one scored result of a search operation.
type Hit struct {
	ID    string
	Type  string
	Score float64
}

// Service executes queries. Stateless: all state lives in the stores it
// reads from.
type Service struct {
	registry *schema.Registry
	engine   *storage.Engine
	search   *search.Service
	lake     *lake.Lake
	embedder embed.Embedder
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// New creates a query Service. metrics may be nil.
func New(registry *schema.Registry, engine *storage.Engine, svc *search.Service, lk *lake.Lake, embedder embed.Embedder, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		engine:   engine,
		search:   svc,
		lake:     lk,
		embedder: embedder,
		metrics:  m,
		log:      log.With().Str("component", "query").Logger(),
	}
}

func (s *Service) count(op string) {
	if s.metrics != nil {
		s.metrics.QueriesTotal.WithLabelValues(op).Inc()
	}
}

// SearchTextBM25 returns the top-k nodes of a type by BM25 keyword score.
func (s *Service) SearchTextBM25(ctx context.Context, nodeType, q string, k int) ([]Hit, error) {
	s.count("bm25")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return toHits(nodeType, s.search.SearchBM25(nodeType, q, k)), nil
}

// SearchVectors returns the top-k vectors of a type by cosine similarity to
// the query vector.
func (s *Service) SearchVectors(ctx context.Context, vectorType string, v []float32, k int) ([]Hit, error) {
	s.count("knn")
	results, err := s.search.KNN(ctx, vectorType, v, k)
	if err != nil {
		return nil, err
	}
	return toHits(vectorType, results), nil
}

// SearchVectorsByText embeds the query text and runs SearchVectors. Returns
// no results when the null embedder is active.
func (s *Service) SearchVectorsByText(ctx context.Context, vectorType, q string, k int) ([]Hit, error) {
	s.count("knn_text")
	vecs, err := s.embedder.EmbedBatch(ctx, []string{q})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, nil // semantic search disabled
	}
	results, err := s.search.KNN(ctx, vectorType, vecs[0], k)
	if err != nil {
		return nil, err
	}
	return toHits(vectorType, results), nil
}

// SearchHybrid blends BM25 and vector-by-text scores for one type.
//
// Both legs are over-fetched to k*4, each score list is min-max normalized
// to [0, 1], and the combined score is alpha*vector + (1-alpha)*bm25. Ties
// break by stable ID.
func (s *Service) SearchHybrid(ctx context.Context, typ, q string, alpha float64, k int) ([]Hit, error) {
	s.count("hybrid")
	return s.hybridOne(ctx, typ, q, alpha, k)
}

func (s *Service) hybridOne(ctx context.Context, typ, q string, alpha float64, k int) ([]Hit, error) {
	fetchK := k * hybridOverfetch

	bm25 := s.search.SearchBM25(typ, q, fetchK)

	var vec []search.Result
	vecs, err := s.embedder.EmbedBatch(ctx, []string{q})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		vec, err = s.search.KNN(ctx, typ, vecs[0], fetchK)
		if err != nil && !errors.Is(err, search.ErrUnknownType) {
			return nil, err
		}
	}

	bmNorm := minMaxNormalize(bm25)
	vecNorm := minMaxNormalize(vec)

	combined := make(map[string]float64)
	for id, score := range vecNorm {
		combined[id] += alpha * score
	}
	for id, score := range bmNorm {
		combined[id] += (1 - alpha) * score
	}

	hits := make([]Hit, 0, len(combined))
	for id, score := range combined {
		hits = append(hits, Hit{ID: id, Type: typ, Score: score})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SearchHybridMulti runs SearchHybrid per type, unions the results, and
// re-ranks by combined score. Each hit carries its type tag.
func (s *Service) SearchHybridMulti(ctx context.Context, types []string, q string, alpha float64, k int) ([]Hit, error) {
	s.count("hybrid_multi")
	var all []Hit
	for _, typ := range types {
		hits, err := s.hybridOne(ctx, typ, q, alpha, k)
		if err != nil {
			return nil, fmt.Errorf("type %s: %w", typ, err)
		}
		all = append(all, hits...)
	}
	sortHits(all)
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// Neighbors delegates to the hot engine's neighbor enumeration.
func (s *Service) Neighbors(ctx context.Context, id storage.NodeID, dir storage.Direction, labels []string, limit int) ([]storage.Neighbor, error) {
	s.count("neighbors")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.engine.Neighbors(id, dir, labels, limit)
}

// SubgraphBFS delegates to the hot engine's bounded BFS.
func (s *Service) SubgraphBFS(ctx context.Context, start storage.NodeID, labels []string, depth, nodeLimit, edgeLimit int) (*storage.Subgraph, error) {
	s.count("bfs")
	return s.engine.SubgraphBFS(ctx, start, labels, depth, nodeLimit, edgeLimit)
}

// ShortestPath delegates to the hot engine's shortest path. label "" means
// any label in the undirected projection.
func (s *Service) ShortestPath(ctx context.Context, from, to storage.NodeID, label string) (*storage.Path, error) {
	s.count("shortest_path")
	return s.engine.ShortestPath(ctx, from, to, label)
}

// GetNodeByID resolves a node by stable ID: hot store first, then the cold
// entity table. Returns nil when absent in both.
func (s *Service) GetNodeByID(ctx context.Context, nodeType string, id storage.NodeID) (*storage.Node, error) {
	s.count("get_node")
	node, err := s.engine.GetNode(id)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	// Cold fallback: find the index row carrying this stable ID, then
	// hydrate from the entity table.
	desc, derr := s.registry.Describe(nodeType)
	if derr != nil {
		return nil, derr
	}
	var keyRow lake.Row
	scanErr := s.lake.Scan(ctx, desc.IndexTable(), lake.ScanOptions{
		Predicate: func(row lake.Row) bool {
			sid, _ := row["stable_id"].(string)
			return sid == string(id)
		},
	}, func(row lake.Row) error {
		keyRow = row
		return storage.ErrStopIteration
	})
	if scanErr != nil && !errors.Is(scanErr, storage.ErrStopIteration) {
		if errors.Is(scanErr, lake.ErrTableNotFound) {
			return nil, nil
		}
		return nil, scanErr
	}
	if keyRow == nil {
		return nil, nil
	}
	keys := make(map[string]any, len(desc.PrimaryKey))
	for _, pk := range desc.PrimaryKey {
		keys[pk] = keyRow[pk]
	}
	return s.hydrateFromCold(ctx, desc, keys, id)
}

// GetNodeByKeys resolves a node by its primary-key tuple: hot store first
// (the stable ID is derivable), then the cold index and entity tables.
// Returns nil when absent in both.
func (s *Service) GetNodeByKeys(ctx context.Context, nodeType string, keys map[string]any) (*storage.Node, error) {
	s.count("get_node_by_keys")
	desc, err := s.registry.Describe(nodeType)
	if err != nil {
		return nil, err
	}

	vals := make([]any, len(desc.PrimaryKey))
	for i, pk := range desc.PrimaryKey {
		raw, ok := keys[pk]
		if !ok {
			return nil, fmt.Errorf("missing key field %q", pk)
		}
		f, _ := desc.Field(pk)
		coerced, err := schema.CoerceField(f, raw)
		if err != nil {
			return nil, err
		}
		vals[i] = coerced
	}
	id := storage.NodeID(schema.StableID(desc.Name, vals))

	node, err := s.engine.GetNode(id)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.hydrateFromCold(ctx, desc, keys, id)
}

// hydrateFromCold reads a node's row from its cold entity table and shapes
// it as a hot node without writing it back.
func (s *Service) hydrateFromCold(ctx context.Context, desc *schema.Descriptor, keys map[string]any, id storage.NodeID) (*storage.Node, error) {
	keyFields := desc.PrimaryKey
	keyValues := make([]any, len(keyFields))
	for i, pk := range keyFields {
		f, _ := desc.Field(pk)
		coerced, err := schema.CoerceField(f, keys[pk])
		if err != nil {
			return nil, err
		}
		keyValues[i] = coerced
	}

	row, err := s.lake.ReadRowByKey(ctx, desc.Table, keyFields, keyValues)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return &storage.Node{ID: id, Type: desc.Name, Properties: row}, nil
}

func toHits(typ string, results []search.Result) []Hit {
	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{ID: r.ID, Type: typ, Score: r.Score}
	}
	return hits
}

// minMaxNormalize maps scores to [0, 1]. A single-element or constant list
// normalizes to 1.
func minMaxNormalize(results []search.Result) map[string]float64 {
	if len(results) == 0 {
		return nil
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	out := make(map[string]float64, len(results))
	for _, r := range results {
		if hi == lo {
			out[r.ID] = 1
		} else {
			out[r.ID] = (r.Score - lo) / (hi - lo)
		}
	}
	return out
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].ID != hits[j].ID {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Type < hits[j].Type
	})
}
