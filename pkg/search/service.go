package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orneryd/muninn/pkg/schema"
	"github.com/orneryd/muninn/pkg/storage"
)

// Service owns the per-type vector and full-text indexes and keeps them in
// step with the hot engine. The synchronizer feeds it as batches project;
// Rebuild regenerates everything from the engine on open.
type Service struct {
	registry *schema.Registry
	engine   *storage.Engine
	log      zerolog.Logger

	hnswCfg HNSWConfig
	bm25    BM25Params

	mu   sync.RWMutex
	vecs map[string]*HNSWIndex     // vector type -> index
	text map[string]*FulltextIndex // node type -> index
}

// NewService creates a Service over the given engine and registry.
func NewService(registry *schema.Registry, engine *storage.Engine, hnswCfg HNSWConfig, bm25 BM25Params, log zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		engine:   engine,
		log:      log.With().Str("component", "search").Logger(),
		hnswCfg:  hnswCfg,
		bm25:     bm25,
		vecs:     make(map[string]*HNSWIndex),
		text:     make(map[string]*FulltextIndex),
	}
}

// vectorIndex returns (lazily creating) the HNSW index for a vector type.
func (s *Service) vectorIndex(vectorType string) (*HNSWIndex, error) {
	s.mu.RLock()
	idx, ok := s.vecs[vectorType]
	s.mu.RUnlock()
	if ok {
		return idx, nil
	}

	desc, err := s.registry.Describe(vectorType)
	if err != nil {
		return nil, err
	}
	if desc.Kind != schema.KindVector {
		return nil, fmt.Errorf("%w: %q is not a vector type", ErrUnknownType, vectorType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.vecs[vectorType]; ok {
		return idx, nil
	}
	idx = NewHNSWIndex(desc.Dim, s.hnswCfg)
	s.vecs[vectorType] = idx
	return idx, nil
}

// textIndex returns (lazily creating) the full-text index for a node type.
func (s *Service) textIndex(nodeType string) *FulltextIndex {
	s.mu.RLock()
	idx, ok := s.text[nodeType]
	s.mu.RUnlock()
	if ok {
		return idx
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.text[nodeType]; ok {
		return idx
	}
	idx = NewFulltextIndex(s.bm25)
	s.text[nodeType] = idx
	return idx
}

// IndexVector adds a vector to its type's HNSW index.
func (s *Service) IndexVector(vectorType, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return nil // semantic search disabled (null embedder)
	}
	idx, err := s.vectorIndex(vectorType)
	if err != nil {
		return err
	}
	return idx.Add(id, embedding)
}

// IndexText adds one text-indexed field of a node to its type's BM25 index.
func (s *Service) IndexText(nodeID, nodeType, field, text string) {
	s.textIndex(nodeType).Index(nodeID, field, text)
}

// KNN returns the k nearest stored vectors of a type by cosine similarity.
func (s *Service) KNN(ctx context.Context, vectorType string, query []float32, k int) ([]Result, error) {
	idx, err := s.vectorIndex(vectorType)
	if err != nil {
		return nil, err
	}
	return idx.Search(ctx, query, k)
}

// KNNEf is KNN with an explicit ef_search override.
func (s *Service) KNNEf(ctx context.Context, vectorType string, query []float32, k, ef int) ([]Result, error) {
	idx, err := s.vectorIndex(vectorType)
	if err != nil {
		return nil, err
	}
	return idx.SearchEf(ctx, query, k, ef)
}

// SearchBM25 scores nodes of a type against a keyword query.
func (s *Service) SearchBM25(nodeType, query string, k int) []Result {
	return s.textIndex(nodeType).Search(query, k)
}

// Rebuild regenerates every index from the hot engine: vectors by type into
// HNSW, text-indexed node fields into BM25. Called once on open, before the
// startup replay runs.
func (s *Service) Rebuild(ctx context.Context) error {
	for _, vt := range s.registry.VectorTypes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		desc, err := s.registry.Describe(vt)
		if err != nil {
			return err
		}
		textFields := desc.TextIndexedFields()
		err = s.engine.IterVectorsByType(vt, func(v *storage.Vector) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.IndexVector(vt, string(v.ID), v.Embedding); err != nil {
				return err
			}
			for _, f := range textFields {
				if text, ok := v.Properties[f].(string); ok && text != "" {
					s.IndexText(string(v.ID), vt, f, text)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rebuild vector index %s: %w", vt, err)
		}
	}

	for _, nt := range s.registry.NodeTypes() {
		desc, err := s.registry.Describe(nt)
		if err != nil {
			return err
		}
		fields := desc.TextIndexedFields()
		if len(fields) == 0 {
			continue
		}
		err = s.engine.IterNodesByType(nt, func(n *storage.Node) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, f := range fields {
				if text, ok := n.Properties[f].(string); ok && text != "" {
					s.IndexText(string(n.ID), nt, f, text)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rebuild text index %s: %w", nt, err)
		}
	}

	s.log.Debug().Msg("indexes rebuilt")
	return nil
}
