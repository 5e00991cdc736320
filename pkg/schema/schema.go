// Package schema provides the typed record descriptors that drive every
// other component of Muninn.
//
// The registry is loaded once at startup from a YAML descriptor bundle and
// is immutable for the lifetime of an instance. It answers three questions
// for each record type: how is it laid out (fields, primary key), where does
// it live in the cold lake (table path), and — for vector types — which edge
// links a vector back to the node that produced it.
//
// Example Usage:
//
//	reg, err := schema.Load("schema.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	desc, err := reg.Describe("Project")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(desc.Table) // silver/entities/Project
//
//	rule, _ := reg.VectorRule("ReadmeChunk")
//	fmt.Println(rule.EdgeLabel) // EMBEDS
package schema

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrUnknownType      = errors.New("unknown type")
	ErrNoRuleConfigured = errors.New("no vector rule configured")
	ErrInvalidBundle    = errors.New("invalid schema bundle")
)

// FieldType enumerates the semantic field types records may carry.
type FieldType string

const (
	FieldInt       FieldType = "int"       // 64-bit signed integer
	FieldFloat     FieldType = "float"     // 64-bit float
	FieldBool      FieldType = "bool"      // boolean
	FieldString    FieldType = "string"    // UTF-8 string
	FieldTimestamp FieldType = "timestamp" // UTC instant, microsecond precision
	FieldJSON      FieldType = "json"      // free-form JSON stored as text
)

// Kind distinguishes the three record categories.
type Kind int

const (
	KindNode Kind = iota
	KindEdge
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindEdge:
		return "edge"
	case KindVector:
		return "vector"
	}
	return "unknown"
}

// Field describes one typed field of a record.
type Field struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Nullable    bool      `yaml:"nullable"`
	Indexed     bool      `yaml:"indexed"`
	TextIndexed bool      `yaml:"text_indexed"`
}

// Descriptor is the runtime description of a node, edge, or vector type.
//
// For nodes and vectors PrimaryKey is non-empty and every PK field is
// declared non-nullable. Edges have no primary key of their own; they are
// identified by (label, src, dst).
type Descriptor struct {
	Name       string   `yaml:"name"`
	Kind       Kind     `yaml:"-"`
	Table      string   `yaml:"table"`
	PrimaryKey []string `yaml:"primary_key"`
	Fields     []Field  `yaml:"fields"`

	// Edge types only.
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Vector types only.
	EmbeddingField string `yaml:"embedding_field"`
	Dim            int    `yaml:"dim"`
}

// Field returns the named field declaration, if present.
func (d *Descriptor) Field(name string) (*Field, bool) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i], true
		}
	}
	return nil, false
}

// IndexTable returns the cold index table path mapping primary-key tuples to
// stable IDs (nodes) or embedding IDs to stable IDs (vectors).
func (d *Descriptor) IndexTable() string {
	if d.Kind == KindVector {
		return "silver/index_vector/" + d.Name
	}
	return "silver/index/" + d.Name
}

// TextIndexedFields returns the names of fields flagged text_indexed, in
// declared order.
func (d *Descriptor) TextIndexedFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.TextIndexed {
			out = append(out, f.Name)
		}
	}
	return out
}

// VectorRule links a vector type to the node type that produced it.
type VectorRule struct {
	Vector         string `yaml:"vector"`
	SourceNodeType string `yaml:"source_node_type"`
	EdgeLabel      string `yaml:"edge_label"`
	IndexTable     string `yaml:"index_table"`
}

// bundle is the on-disk YAML shape of a descriptor bundle.
type bundle struct {
	Nodes       []*Descriptor `yaml:"nodes"`
	Edges       []*Descriptor `yaml:"edges"`
	Vectors     []*Descriptor `yaml:"vectors"`
	VectorRules []*VectorRule `yaml:"vector_rules"`
}

// Registry resolves descriptors by type name. Immutable after construction.
type Registry struct {
	nodes   map[string]*Descriptor
	edges   map[string]*Descriptor
	vectors map[string]*Descriptor
	rules   map[string]*VectorRule
}

// Load reads and validates a descriptor bundle from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema bundle: %w", err)
	}
	return Parse(data)
}

// Parse builds a Registry from YAML bundle bytes.
func Parse(data []byte) (*Registry, error) {
	var b bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	r := &Registry{
		nodes:   make(map[string]*Descriptor),
		edges:   make(map[string]*Descriptor),
		vectors: make(map[string]*Descriptor),
		rules:   make(map[string]*VectorRule),
	}

	for _, d := range b.Nodes {
		d.Kind = KindNode
		if d.Table == "" {
			d.Table = "silver/entities/" + d.Name
		}
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		if _, dup := r.nodes[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate node type %q", ErrInvalidBundle, d.Name)
		}
		r.nodes[d.Name] = d
	}

	for _, d := range b.Edges {
		d.Kind = KindEdge
		if d.Table == "" {
			d.Table = "silver/edges/" + d.Name
		}
		if d.From == "" || d.To == "" {
			return nil, fmt.Errorf("%w: edge %q needs from and to", ErrInvalidBundle, d.Name)
		}
		if _, ok := r.nodes[d.From]; !ok {
			return nil, fmt.Errorf("%w: edge %q references unknown source type %q", ErrInvalidBundle, d.Name, d.From)
		}
		if _, ok := r.nodes[d.To]; !ok {
			return nil, fmt.Errorf("%w: edge %q references unknown destination type %q", ErrInvalidBundle, d.Name, d.To)
		}
		if _, dup := r.edges[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate edge type %q", ErrInvalidBundle, d.Name)
		}
		r.edges[d.Name] = d
	}

	for _, d := range b.Vectors {
		d.Kind = KindVector
		if d.Table == "" {
			d.Table = "silver/vectors/" + d.Name
		}
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		if d.EmbeddingField == "" {
			return nil, fmt.Errorf("%w: vector %q needs an embedding_field", ErrInvalidBundle, d.Name)
		}
		if d.Dim <= 0 {
			return nil, fmt.Errorf("%w: vector %q needs dim > 0", ErrInvalidBundle, d.Name)
		}
		if _, dup := r.vectors[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate vector type %q", ErrInvalidBundle, d.Name)
		}
		r.vectors[d.Name] = d
	}

	for _, rule := range b.VectorRules {
		vd, ok := r.vectors[rule.Vector]
		if !ok {
			return nil, fmt.Errorf("%w: vector rule references unknown vector type %q", ErrInvalidBundle, rule.Vector)
		}
		if _, ok := r.nodes[rule.SourceNodeType]; !ok {
			return nil, fmt.Errorf("%w: vector rule %q references unknown node type %q", ErrInvalidBundle, rule.Vector, rule.SourceNodeType)
		}
		if rule.EdgeLabel == "" {
			return nil, fmt.Errorf("%w: vector rule %q needs an edge_label", ErrInvalidBundle, rule.Vector)
		}
		if rule.IndexTable == "" {
			rule.IndexTable = vd.IndexTable()
		}
		r.rules[rule.Vector] = rule
	}

	return r, nil
}

func validateDescriptor(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: descriptor without a name", ErrInvalidBundle)
	}
	if len(d.PrimaryKey) == 0 {
		return fmt.Errorf("%w: %s %q needs a non-empty primary key", ErrInvalidBundle, d.Kind, d.Name)
	}
	for _, pk := range d.PrimaryKey {
		f, ok := d.Field(pk)
		if !ok {
			return fmt.Errorf("%w: %s %q primary key field %q is not declared", ErrInvalidBundle, d.Kind, d.Name, pk)
		}
		if f.Nullable {
			return fmt.Errorf("%w: %s %q primary key field %q must not be nullable", ErrInvalidBundle, d.Kind, d.Name, pk)
		}
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s %q has an unnamed field", ErrInvalidBundle, d.Kind, d.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %s %q declares field %q twice", ErrInvalidBundle, d.Kind, d.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case FieldInt, FieldFloat, FieldBool, FieldString, FieldTimestamp, FieldJSON:
		default:
			return fmt.Errorf("%w: %s %q field %q has unknown type %q", ErrInvalidBundle, d.Kind, d.Name, f.Name, f.Type)
		}
	}
	return nil
}

// Describe resolves a descriptor by type name across nodes, edges, and
// vectors. Returns ErrUnknownType if absent.
func (r *Registry) Describe(name string) (*Descriptor, error) {
	if d, ok := r.nodes[name]; ok {
		return d, nil
	}
	if d, ok := r.edges[name]; ok {
		return d, nil
	}
	if d, ok := r.vectors[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// VectorRule returns the vector-edge rule for a vector type.
// Returns ErrNoRuleConfigured if none is declared.
func (r *Registry) VectorRule(vectorType string) (*VectorRule, error) {
	rule, ok := r.rules[vectorType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRuleConfigured, vectorType)
	}
	return rule, nil
}

// NodeTypes returns all node type names, sorted.
func (r *Registry) NodeTypes() []string { return sortedKeys(r.nodes) }

// EdgeTypes returns all edge type names, sorted.
func (r *Registry) EdgeTypes() []string { return sortedKeys(r.edges) }

// VectorTypes returns all vector type names, sorted.
func (r *Registry) VectorTypes() []string { return sortedKeys(r.vectors) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
