package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/orneryd/muninn/pkg/catalog"
	"github.com/orneryd/muninn/pkg/fetch"
	"github.com/orneryd/muninn/pkg/lake"
	"github.com/orneryd/muninn/pkg/schema"
	"github.com/orneryd/muninn/pkg/storage"
)

// nodeRec is a validated node with its assigned stable ID.
type nodeRec struct {
	desc   *schema.Descriptor
	id     storage.NodeID
	record map[string]any
}

// edgeRec is a validated edge with resolved endpoints.
type edgeRec struct {
	desc    *schema.Descriptor
	src     storage.NodeID
	dst     storage.NodeID
	payload map[string]any
}

// vecRec is a validated vector with its embedding, identity, and source
// node.
type vecRec struct {
	desc        *schema.Descriptor
	rule        *schema.VectorRule
	id          storage.NodeID
	sourceID    storage.NodeID
	embedding   []float32
	embeddingID string
	record      map[string]any
}

// batchPlan is the fully validated, ID-assigned form of a GraphData
// response, ready to write.
type batchPlan struct {
	nodes   []nodeRec
	edges   []edgeRec
	vectors []vecRec

	// idCache maps (type, pk tuple) -> stable ID for cross-references
	// within the batch.
	idCache map[string]storage.NodeID
}

func cacheKey(typeName string, record map[string]any, pk []string) string {
	vals := make([]any, len(pk))
	for i, f := range pk {
		vals[i] = record[f]
	}
	return typeName + "\x1f" + schema.CanonicalJSON(vals)
}

// validate checks every record of a GraphData response against the registry
// and assigns stable IDs. The whole response is rejected on the first
// failure — a batch lands whole or not at all.
func (s *Syncer) validate(graph *fetch.GraphData) (*batchPlan, error) {
	plan := &batchPlan{idCache: make(map[string]storage.NodeID)}

	for _, batch := range graph.Nodes {
		desc, err := s.registry.Describe(batch.Type)
		if err != nil {
			return nil, err
		}
		if desc.Kind != schema.KindNode {
			return nil, fmt.Errorf("%w: %q is not a node type", schema.ErrValidation, batch.Type)
		}
		for _, raw := range batch.Records {
			coerced, err := schema.ValidateRecord(desc, raw)
			if err != nil {
				return nil, err
			}
			id := storage.NodeID(schema.StableIDFor(desc, coerced))
			plan.idCache[cacheKey(desc.Name, coerced, desc.PrimaryKey)] = id
			plan.nodes = append(plan.nodes, nodeRec{desc: desc, id: id, record: coerced})
		}
	}

	for _, batch := range graph.Edges {
		desc, err := s.registry.Describe(batch.Type)
		if err != nil {
			return nil, err
		}
		if desc.Kind != schema.KindEdge {
			return nil, fmt.Errorf("%w: %q is not an edge type", schema.ErrValidation, batch.Type)
		}
		for _, raw := range batch.Records {
			payload, err := schema.ValidateRecord(desc, raw)
			if err != nil {
				return nil, err
			}
			src, err := s.resolveEndpoint(plan, desc.From, raw, KeySrcID, KeySrc)
			if err != nil {
				return nil, fmt.Errorf("edge %q source: %w", desc.Name, err)
			}
			dst, err := s.resolveEndpoint(plan, desc.To, raw, KeyDstID, KeyDst)
			if err != nil {
				return nil, fmt.Errorf("edge %q destination: %w", desc.Name, err)
			}
			plan.edges = append(plan.edges, edgeRec{desc: desc, src: src, dst: dst, payload: payload})
		}
	}

	for _, batch := range graph.Vectors {
		desc, err := s.registry.Describe(batch.Type)
		if err != nil {
			return nil, err
		}
		if desc.Kind != schema.KindVector {
			return nil, fmt.Errorf("%w: %q is not a vector type", schema.ErrValidation, batch.Type)
		}
		rule, err := s.registry.VectorRule(batch.Type)
		if err != nil {
			return nil, err
		}
		for _, raw := range batch.Records {
			coerced, err := schema.ValidateRecord(desc, raw)
			if err != nil {
				return nil, err
			}

			embedding, err := asFloat32Slice(raw[desc.EmbeddingField])
			if err != nil {
				return nil, fmt.Errorf("%w: vector %q field %q: %v", schema.ErrValidation, desc.Name, desc.EmbeddingField, err)
			}
			if len(embedding) != desc.Dim {
				return nil, fmt.Errorf("%w: vector %q: embedding has %d dims, schema declares %d",
					schema.ErrValidation, desc.Name, len(embedding), desc.Dim)
			}

			var id storage.NodeID
			embeddingID, _ := raw[KeyEmbeddingID].(string)
			if embeddingID != "" {
				// Explicit embedding_id: the index_vector table becomes
				// the authoritative mapping.
				id = storage.NodeID(schema.StableID(desc.Name, []any{embeddingID}))
			} else {
				id = storage.NodeID(schema.StableIDFor(desc, coerced))
				embeddingID = string(id)
			}
			plan.idCache[cacheKey(desc.Name, coerced, desc.PrimaryKey)] = id

			sourceID, err := s.resolveEndpoint(plan, rule.SourceNodeType, raw, KeySourceNodeID, KeySourceNode)
			if err != nil {
				return nil, fmt.Errorf("vector %q source node: %w", desc.Name, err)
			}

			plan.vectors = append(plan.vectors, vecRec{
				desc: desc, rule: rule, id: id, sourceID: sourceID,
				embedding: embedding, embeddingID: embeddingID, record: coerced,
			})
		}
	}

	return plan, nil
}

// resolveEndpoint resolves a record reference to a stable ID: a direct ID
// under idKey, or a primary-key tuple under pkKey resolved through the
// in-batch cache and, failing that, derived deterministically from the
// referenced type's descriptor.
func (s *Syncer) resolveEndpoint(plan *batchPlan, typeName string, raw map[string]any, idKey, pkKey string) (storage.NodeID, error) {
	if id, ok := raw[idKey].(string); ok && id != "" {
		return storage.NodeID(id), nil
	}

	ref, ok := raw[pkKey].(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: record carries neither %q nor %q", schema.ErrValidation, idKey, pkKey)
	}

	desc, err := s.registry.Describe(typeName)
	if err != nil {
		return "", err
	}

	vals := make([]any, len(desc.PrimaryKey))
	for i, f := range desc.PrimaryKey {
		v, present := ref[f]
		if !present || v == nil {
			return "", fmt.Errorf("%w: reference to %q is missing key field %q", schema.ErrValidation, typeName, f)
		}
		fd, _ := desc.Field(f)
		coerced, err := schema.CoerceField(fd, v)
		if err != nil {
			return "", fmt.Errorf("%w: reference to %q key field %q: %v", schema.ErrValidation, typeName, f, err)
		}
		vals[i] = coerced
	}

	if id, ok := plan.idCache[typeName+"\x1f"+schema.CanonicalJSON(vals)]; ok {
		return id, nil
	}
	// Stable IDs are deterministic, so a reference to a record outside
	// this batch derives to the same ID the original ingestion assigned.
	return storage.NodeID(schema.StableID(typeName, vals)), nil
}

func asFloat32Slice(v any) ([]float32, error) {
	switch t := v.(type) {
	case []float32:
		return t, nil
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return out, nil
	case []any:
		out := make([]float32, len(t))
		for i, e := range t {
			switch f := e.(type) {
			case float64:
				out[i] = float32(f)
			case float32:
				out[i] = f
			case int:
				out[i] = float32(f)
			default:
				return nil, fmt.Errorf("element %d is %T, not a number", i, e)
			}
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("embedding is missing")
	default:
		return nil, fmt.Errorf("expected float array, got %T", v)
	}
}

// ============================================================================
// Cold writes
// ============================================================================

// descColumns maps a descriptor's fields to lake columns.
func descColumns(d *schema.Descriptor) []lake.Column {
	cols := make([]lake.Column, 0, len(d.Fields))
	for _, f := range d.Fields {
		cols = append(cols, lake.Column{Name: f.Name, Type: fieldColType(f.Type), Nullable: f.Nullable})
	}
	return cols
}

func fieldColType(t schema.FieldType) lake.ColumnType {
	switch t {
	case schema.FieldInt:
		return lake.ColInt
	case schema.FieldFloat:
		return lake.ColFloat
	case schema.FieldBool:
		return lake.ColBool
	case schema.FieldTimestamp:
		return lake.ColTimestamp
	case schema.FieldJSON:
		return lake.ColJSON
	default:
		return lake.ColString
	}
}

// writeCold lands the plan in the lake in the contract order: entity tables,
// edge tables, vector tables, then the index tables. Every write is
// upsert-by-key, so replaying the plan converges. Returns the new offsets
// and rows-written per table.
func (s *Syncer) writeCold(ctx context.Context, plan *batchPlan) (map[string]catalog.Offset, map[string]int64, error) {
	offsets := make(map[string]catalog.Offset)
	rows := make(map[string]int64)
	now := time.Now().UTC()

	record := func(table string, version int64, n int, maxTS time.Time) {
		if maxTS.IsZero() {
			maxTS = now
		}
		offsets[table] = catalog.Offset{Version: version, RowCount: int64(n), MaxObservedTimestamp: maxTS}
		rows[table] += int64(n)
	}

	// Entity tables, grouped by type.
	for _, group := range groupNodes(plan.nodes) {
		desc := group[0].desc
		batch := make([]lake.Row, len(group))
		var maxTS time.Time
		for i, n := range group {
			batch[i] = n.record
			maxTS = maxRecordTime(desc, n.record, maxTS)
		}
		version, err := s.lake.WriteBatch(ctx, desc.Table, descColumns(desc), batch, lake.UpsertByKey, desc.PrimaryKey)
		if err != nil {
			return nil, nil, fmt.Errorf("table %s: %w", desc.Table, err)
		}
		record(desc.Table, version, len(batch), maxTS)
	}

	// Edge tables.
	for _, group := range groupEdges(plan.edges) {
		desc := group[0].desc
		cols := append([]lake.Column{
			{Name: KeySrcID, Type: lake.ColString},
			{Name: KeyDstID, Type: lake.ColString},
		}, descColumns(desc)...)
		batch := make([]lake.Row, len(group))
		for i, e := range group {
			row := lake.Row{KeySrcID: string(e.src), KeyDstID: string(e.dst)}
			for k, v := range e.payload {
				row[k] = v
			}
			batch[i] = row
		}
		version, err := s.lake.WriteBatch(ctx, desc.Table, cols, batch, lake.UpsertByKey, []string{KeySrcID, KeyDstID})
		if err != nil {
			return nil, nil, fmt.Errorf("table %s: %w", desc.Table, err)
		}
		record(desc.Table, version, len(batch), time.Time{})
	}

	// Vector tables. Stable ID, embedding identity, and source node ride
	// along so the startup replay can re-project without re-deriving.
	for _, group := range groupVectors(plan.vectors) {
		desc := group[0].desc
		cols := append(descColumns(desc),
			lake.Column{Name: desc.EmbeddingField, Type: lake.ColFloatList},
			lake.Column{Name: "stable_id", Type: lake.ColString},
			lake.Column{Name: KeyEmbeddingID, Type: lake.ColString},
			lake.Column{Name: KeySourceNodeID, Type: lake.ColString},
		)
		batch := make([]lake.Row, len(group))
		for i, v := range group {
			row := lake.Row{}
			for k, val := range v.record {
				row[k] = val
			}
			row[desc.EmbeddingField] = v.embedding
			row["stable_id"] = string(v.id)
			row[KeyEmbeddingID] = v.embeddingID
			row[KeySourceNodeID] = string(v.sourceID)
			batch[i] = row
		}
		version, err := s.lake.WriteBatch(ctx, desc.Table, cols, batch, lake.UpsertByKey, desc.PrimaryKey)
		if err != nil {
			return nil, nil, fmt.Errorf("table %s: %w", desc.Table, err)
		}
		record(desc.Table, version, len(batch), time.Time{})
	}

	// Index tables: pk tuple -> stable ID for nodes, embedding_id ->
	// stable ID for vectors.
	for _, group := range groupNodes(plan.nodes) {
		desc := group[0].desc
		table := desc.IndexTable()
		cols := make([]lake.Column, 0, len(desc.PrimaryKey)+1)
		for _, pk := range desc.PrimaryKey {
			f, _ := desc.Field(pk)
			cols = append(cols, lake.Column{Name: pk, Type: fieldColType(f.Type)})
		}
		cols = append(cols, lake.Column{Name: "stable_id", Type: lake.ColString})

		batch := make([]lake.Row, len(group))
		for i, n := range group {
			row := lake.Row{"stable_id": string(n.id)}
			for _, pk := range desc.PrimaryKey {
				row[pk] = n.record[pk]
			}
			batch[i] = row
		}
		version, err := s.lake.WriteBatch(ctx, table, cols, batch, lake.UpsertByKey, desc.PrimaryKey)
		if err != nil {
			return nil, nil, fmt.Errorf("table %s: %w", table, err)
		}
		record(table, version, len(batch), time.Time{})
	}

	for _, group := range groupVectors(plan.vectors) {
		table := group[0].rule.IndexTable
		cols := []lake.Column{
			{Name: KeyEmbeddingID, Type: lake.ColString},
			{Name: "stable_id", Type: lake.ColString},
		}
		batch := make([]lake.Row, len(group))
		for i, v := range group {
			batch[i] = lake.Row{KeyEmbeddingID: v.embeddingID, "stable_id": string(v.id)}
		}
		version, err := s.lake.WriteBatch(ctx, table, cols, batch, lake.UpsertByKey, []string{KeyEmbeddingID})
		if err != nil {
			return nil, nil, fmt.Errorf("table %s: %w", table, err)
		}
		record(table, version, len(batch), time.Time{})
	}

	return offsets, rows, nil
}

func maxRecordTime(d *schema.Descriptor, record map[string]any, cur time.Time) time.Time {
	for _, f := range d.Fields {
		if f.Type != schema.FieldTimestamp {
			continue
		}
		if ts, ok := record[f.Name].(time.Time); ok && ts.After(cur) {
			cur = ts
		}
	}
	return cur
}

func groupNodes(recs []nodeRec) [][]nodeRec {
	byType := make(map[string][]nodeRec)
	var order []string
	for _, r := range recs {
		if _, ok := byType[r.desc.Name]; !ok {
			order = append(order, r.desc.Name)
		}
		byType[r.desc.Name] = append(byType[r.desc.Name], r)
	}
	out := make([][]nodeRec, 0, len(order))
	for _, t := range order {
		out = append(out, byType[t])
	}
	return out
}

func groupEdges(recs []edgeRec) [][]edgeRec {
	byType := make(map[string][]edgeRec)
	var order []string
	for _, r := range recs {
		if _, ok := byType[r.desc.Name]; !ok {
			order = append(order, r.desc.Name)
		}
		byType[r.desc.Name] = append(byType[r.desc.Name], r)
	}
	out := make([][]edgeRec, 0, len(order))
	for _, t := range order {
		out = append(out, byType[t])
	}
	return out
}

func groupVectors(recs []vecRec) [][]vecRec {
	byType := make(map[string][]vecRec)
	var order []string
	for _, r := range recs {
		if _, ok := byType[r.desc.Name]; !ok {
			order = append(order, r.desc.Name)
		}
		byType[r.desc.Name] = append(byType[r.desc.Name], r)
	}
	out := make([][]vecRec, 0, len(order))
	for _, t := range order {
		out = append(out, byType[t])
	}
	return out
}

// ============================================================================
// Hot projection
// ============================================================================

// projectHot mirrors the plan into the hot engine in the contract order:
// nodes, edges, vectors (each vector with its synthesized source edge),
// then text indexing. All operations are merge-on-id, so re-projection
// after a crash converges to the same state.
func (s *Syncer) projectHot(ctx context.Context, plan *batchPlan) error {
	for _, n := range plan.nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.engine.PutNode(n.desc.Name, n.id, n.record); err != nil {
			return err
		}
	}

	for _, e := range plan.edges {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.engine.PutEdge(e.desc.Name, e.src, e.dst, e.payload); err != nil {
			return err
		}
	}

	for _, v := range plan.vectors {
		if err := ctx.Err(); err != nil {
			return err
		}
		props := make(map[string]any, len(v.record)+2)
		for k, val := range v.record {
			props[k] = val
		}
		props[KeyEmbeddingID] = v.embeddingID
		props[KeySourceNodeID] = string(v.sourceID)
		if err := s.engine.PutVector(v.desc.Name, v.id, v.embedding, props); err != nil {
			return err
		}
		if err := s.search.IndexVector(v.desc.Name, string(v.id), v.embedding); err != nil {
			return err
		}
		if err := s.engine.PutEdge(v.rule.EdgeLabel, v.sourceID, v.id, nil); err != nil {
			return err
		}
	}

	for _, n := range plan.nodes {
		for _, field := range n.desc.TextIndexedFields() {
			if text, ok := n.record[field].(string); ok && text != "" {
				s.search.IndexText(string(n.id), n.desc.Name, field, text)
			}
		}
	}
	for _, v := range plan.vectors {
		for _, field := range v.desc.TextIndexedFields() {
			if text, ok := v.record[field].(string); ok && text != "" {
				s.search.IndexText(string(v.id), v.desc.Name, field, text)
			}
		}
	}

	return nil
}
