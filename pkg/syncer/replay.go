package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/muninn/pkg/catalog"
	"github.com/orneryd/muninn/pkg/lake"
	"github.com/orneryd/muninn/pkg/schema"
	"github.com/orneryd/muninn/pkg/storage"
)

// Replay closes any gap between the lake and the catalog left by a crash
// between the cold write and the catalog commit.
//
// For every schema table whose lake version is ahead of its catalog offset,
// the current snapshot is re-projected into the hot engine and the offset is
// brought up to the lake version. Projection is merge-on-id, so replaying
// rows that already made it into the hot store is a no-op.
//
// Node tables replay before edge tables, edges before vectors, mirroring
// the in-sync write order. Tables within one category replay concurrently.
func (s *Syncer) Replay(ctx context.Context) error {
	lagged, err := s.laggedTables()
	if err != nil {
		return err
	}
	if len(lagged) == 0 {
		return nil
	}
	s.log.Info().Int("tables", len(lagged)).Msg("replaying cold rows into hot engine")

	offsets := make(map[string]catalog.Offset, len(lagged))
	var mu sync.Mutex

	replayCategory := func(kind schema.Kind) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range lagged {
			if t.desc.Kind != kind {
				continue
			}
			t := t
			g.Go(func() error {
				n, err := s.replayTable(gctx, t.desc)
				if err != nil {
					return fmt.Errorf("replay %s: %w", t.desc.Table, err)
				}
				mu.Lock()
				offsets[t.desc.Table] = catalog.Offset{
					Version:              t.lakeVersion,
					RowCount:             n,
					MaxObservedTimestamp: time.Now().UTC(),
				}
				mu.Unlock()
				return nil
			})
		}
		return g.Wait()
	}

	for _, kind := range []schema.Kind{schema.KindNode, schema.KindEdge, schema.KindVector} {
		if err := replayCategory(kind); err != nil {
			return err
		}
	}

	return s.catalog.CommitSync(catalog.SyncCommit{
		Fetcher: "replay",
		ScopeID: "startup",
		Offsets: offsets,
		Job: catalog.Job{
			JobID:      fmt.Sprintf("replay-%d", time.Now().UTC().UnixNano()),
			Fetcher:    "replay",
			StartedAt:  time.Now().UTC(),
			FinishedAt: time.Now().UTC(),
			Status:     catalog.JobOK,
			Reason:     fmt.Sprintf("%d tables replayed", len(offsets)),
		},
	})
}

type laggedTable struct {
	desc        *schema.Descriptor
	lakeVersion int64
}

// laggedTables lists schema tables whose lake version exceeds the committed
// catalog offset.
func (s *Syncer) laggedTables() ([]laggedTable, error) {
	var out []laggedTable

	check := func(typeName string) error {
		desc, err := s.registry.Describe(typeName)
		if err != nil {
			return err
		}
		lakeVersion := s.lake.Version(desc.Table)
		if lakeVersion == 0 {
			return nil
		}
		off, err := s.catalog.GetOffset(desc.Table)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		if lakeVersion > off.Version {
			out = append(out, laggedTable{desc: desc, lakeVersion: lakeVersion})
		}
		return nil
	}

	for _, t := range s.registry.NodeTypes() {
		if err := check(t); err != nil {
			return nil, err
		}
	}
	for _, t := range s.registry.EdgeTypes() {
		if err := check(t); err != nil {
			return nil, err
		}
	}
	for _, t := range s.registry.VectorTypes() {
		if err := check(t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// replayTable re-projects the current snapshot of one table and returns the
// number of rows processed.
func (s *Syncer) replayTable(ctx context.Context, desc *schema.Descriptor) (int64, error) {
	var count int64

	switch desc.Kind {
	case schema.KindNode:
		textFields := desc.TextIndexedFields()
		err := s.lake.Scan(ctx, desc.Table, lake.ScanOptions{}, func(row lake.Row) error {
			id := storage.NodeID(schema.StableIDFor(desc, row))
			if _, err := s.engine.PutNode(desc.Name, id, row); err != nil {
				return err
			}
			for _, field := range textFields {
				if text, ok := row[field].(string); ok && text != "" {
					s.search.IndexText(string(id), desc.Name, field, text)
				}
			}
			count++
			return nil
		})
		return count, err

	case schema.KindEdge:
		err := s.lake.Scan(ctx, desc.Table, lake.ScanOptions{}, func(row lake.Row) error {
			src, _ := row[KeySrcID].(string)
			dst, _ := row[KeyDstID].(string)
			if src == "" || dst == "" {
				return fmt.Errorf("edge row missing endpoints")
			}
			payload := make(map[string]any, len(row))
			for k, v := range row {
				if k != KeySrcID && k != KeyDstID {
					payload[k] = v
				}
			}
			if err := s.engine.PutEdge(desc.Name, storage.NodeID(src), storage.NodeID(dst), payload); err != nil {
				return err
			}
			count++
			return nil
		})
		return count, err

	case schema.KindVector:
		rule, err := s.registry.VectorRule(desc.Name)
		if err != nil {
			return 0, err
		}
		err = s.lake.Scan(ctx, desc.Table, lake.ScanOptions{}, func(row lake.Row) error {
			id, _ := row["stable_id"].(string)
			sourceID, _ := row[KeySourceNodeID].(string)
			embedding, _ := row[desc.EmbeddingField].([]float32)
			if id == "" {
				return fmt.Errorf("vector row missing stable_id")
			}
			props := make(map[string]any, len(row))
			for k, v := range row {
				if k != desc.EmbeddingField && k != "stable_id" {
					props[k] = v
				}
			}
			if err := s.engine.PutVector(desc.Name, storage.NodeID(id), embedding, props); err != nil {
				return err
			}
			if err := s.search.IndexVector(desc.Name, id, embedding); err != nil {
				return err
			}
			for _, field := range desc.TextIndexedFields() {
				if text, ok := row[field].(string); ok && text != "" {
					s.search.IndexText(id, desc.Name, field, text)
				}
			}
			if sourceID != "" {
				if err := s.engine.PutEdge(rule.EdgeLabel, storage.NodeID(sourceID), storage.NodeID(id), nil); err != nil {
					return err
				}
			}
			count++
			return nil
		})
		return count, err
	}

	return 0, fmt.Errorf("unknown descriptor kind for %s", desc.Name)
}
