package schema

import (
	"errors"
	"testing"
	"time"
)

const testBundle = `
nodes:
  - name: Project
    primary_key: [url]
    fields:
      - {name: url, type: string}
      - {name: stars, type: int, nullable: true}
      - {name: readme, type: string, nullable: true, text_indexed: true}
      - {name: pushed_at, type: timestamp, nullable: true}
  - name: Version
    primary_key: [name]
    fields:
      - {name: name, type: string}
edges:
  - name: HAS_VERSION
    from: Project
    to: Version
    primary_key: []
    fields: []
vectors:
  - name: ReadmeChunk
    primary_key: [chunk_id]
    embedding_field: embedding
    dim: 4
    fields:
      - {name: chunk_id, type: string}
      - {name: text, type: string, text_indexed: true}
vector_rules:
  - vector: ReadmeChunk
    source_node_type: Project
    edge_label: EMBEDS
`

func mustParse(t *testing.T) *Registry {
	t.Helper()
	reg, err := Parse([]byte(testBundle))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return reg
}

func TestRegistryDescribe(t *testing.T) {
	reg := mustParse(t)

	t.Run("node type", func(t *testing.T) {
		desc, err := reg.Describe("Project")
		if err != nil {
			t.Fatalf("Describe() error = %v", err)
		}
		if desc.Kind != KindNode {
			t.Errorf("kind = %v, want node", desc.Kind)
		}
		if desc.Table != "silver/entities/Project" {
			t.Errorf("table = %q", desc.Table)
		}
		if desc.IndexTable() != "silver/index/Project" {
			t.Errorf("index table = %q", desc.IndexTable())
		}
	})

	t.Run("vector type", func(t *testing.T) {
		desc, err := reg.Describe("ReadmeChunk")
		if err != nil {
			t.Fatalf("Describe() error = %v", err)
		}
		if desc.Dim != 4 {
			t.Errorf("dim = %d, want 4", desc.Dim)
		}
		if desc.IndexTable() != "silver/index_vector/ReadmeChunk" {
			t.Errorf("index table = %q", desc.IndexTable())
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := reg.Describe("Nope")
		if !errors.Is(err, ErrUnknownType) {
			t.Errorf("expected ErrUnknownType, got %v", err)
		}
	})
}

func TestVectorRule(t *testing.T) {
	reg := mustParse(t)

	rule, err := reg.VectorRule("ReadmeChunk")
	if err != nil {
		t.Fatalf("VectorRule() error = %v", err)
	}
	if rule.EdgeLabel != "EMBEDS" || rule.SourceNodeType != "Project" {
		t.Errorf("unexpected rule %+v", rule)
	}
	if rule.IndexTable != "silver/index_vector/ReadmeChunk" {
		t.Errorf("index table = %q", rule.IndexTable)
	}

	if _, err := reg.VectorRule("Project"); !errors.Is(err, ErrNoRuleConfigured) {
		t.Errorf("expected ErrNoRuleConfigured, got %v", err)
	}
}

func TestRegistryTypeLists(t *testing.T) {
	reg := mustParse(t)

	if got := reg.NodeTypes(); len(got) != 2 || got[0] != "Project" || got[1] != "Version" {
		t.Errorf("NodeTypes() = %v", got)
	}
	if got := reg.EdgeTypes(); len(got) != 1 || got[0] != "HAS_VERSION" {
		t.Errorf("EdgeTypes() = %v", got)
	}
	if got := reg.VectorTypes(); len(got) != 1 || got[0] != "ReadmeChunk" {
		t.Errorf("VectorTypes() = %v", got)
	}
}

func TestParseRejectsBadBundles(t *testing.T) {
	cases := []struct {
		name   string
		bundle string
	}{
		{"nullable pk", `
nodes:
  - name: X
    primary_key: [a]
    fields: [{name: a, type: string, nullable: true}]
`},
		{"missing pk", `
nodes:
  - name: X
    primary_key: []
    fields: [{name: a, type: string}]
`},
		{"edge to unknown type", `
nodes:
  - name: A
    primary_key: [k]
    fields: [{name: k, type: string}]
edges:
  - name: E
    from: A
    to: Missing
`},
		{"vector without dim", `
nodes:
  - name: A
    primary_key: [k]
    fields: [{name: k, type: string}]
vectors:
  - name: V
    primary_key: [k]
    embedding_field: emb
    fields: [{name: k, type: string}]
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.bundle)); !errors.Is(err, ErrInvalidBundle) {
				t.Errorf("expected ErrInvalidBundle, got %v", err)
			}
		})
	}
}

func TestStableID(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := StableID("Project", []any{"https://example.com/p1"})
		b := StableID("Project", []any{"https://example.com/p1"})
		if a != b {
			t.Errorf("same tuple produced different IDs: %s vs %s", a, b)
		}
	})

	t.Run("type distinguishes", func(t *testing.T) {
		a := StableID("Project", []any{"x"})
		b := StableID("Version", []any{"x"})
		if a == b {
			t.Error("different types produced the same ID")
		}
	})

	t.Run("no concatenation collisions", func(t *testing.T) {
		a := StableID("T", []any{"ab", "c"})
		b := StableID("T", []any{"a", "bc"})
		if a == b {
			t.Error("separator failed to distinguish key tuples")
		}
	})

	t.Run("numeric shapes hash alike", func(t *testing.T) {
		a := StableID("T", []any{int64(42)})
		b := StableID("T", []any{float64(42)})
		if a != b {
			t.Error("int64 and whole float64 should derive the same ID")
		}
	})
}

func TestValidateRecord(t *testing.T) {
	reg := mustParse(t)
	desc, _ := reg.Describe("Project")

	t.Run("coerces types", func(t *testing.T) {
		out, err := ValidateRecord(desc, map[string]any{
			"url":       "https://example.com/p1",
			"stars":     float64(12), // JSON-decoded number
			"pushed_at": "2026-01-02T03:04:05Z",
		})
		if err != nil {
			t.Fatalf("ValidateRecord() error = %v", err)
		}
		if out["stars"] != int64(12) {
			t.Errorf("stars = %v (%T), want int64(12)", out["stars"], out["stars"])
		}
		ts, ok := out["pushed_at"].(time.Time)
		if !ok || ts.Year() != 2026 {
			t.Errorf("pushed_at = %v", out["pushed_at"])
		}
	})

	t.Run("missing primary key", func(t *testing.T) {
		_, err := ValidateRecord(desc, map[string]any{"stars": 1})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := ValidateRecord(desc, map[string]any{"url": "u", "stars": "many"})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("fractional int rejected", func(t *testing.T) {
		_, err := ValidateRecord(desc, map[string]any{"url": "u", "stars": 1.5})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("undeclared fields dropped", func(t *testing.T) {
		out, err := ValidateRecord(desc, map[string]any{"url": "u", "extra": true})
		if err != nil {
			t.Fatalf("ValidateRecord() error = %v", err)
		}
		if _, present := out["extra"]; present {
			t.Error("undeclared field survived validation")
		}
	})
}

func TestCanonicalJSON(t *testing.T) {
	a := CanonicalJSON(map[string]any{"b": 1, "a": []any{"x", 2}})
	b := CanonicalJSON(map[string]any{"a": []any{"x", 2}, "b": 1})
	if a != b {
		t.Errorf("key order changed output: %s vs %s", a, b)
	}
	if a != `{"a":["x",2],"b":1}` {
		t.Errorf("unexpected canonical form %s", a)
	}
}
