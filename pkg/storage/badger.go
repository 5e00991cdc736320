package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes; 0x00 separates key components.
const (
	prefixNode       = byte(0x01) // node:nodeID -> Node
	prefixEdge       = byte(0x02) // edge:label:src:dst -> Edge
	prefixTypeIndex  = byte(0x03) // type:typeName:nodeID -> empty
	prefixOutgoing   = byte(0x04) // out:src:label:dst -> empty
	prefixIncoming   = byte(0x05) // in:dst:label:src -> empty
	prefixVector     = byte(0x06) // vec:vectorID -> Vector
	prefixVectorType = byte(0x07) // vectype:typeName:vectorID -> empty
)

const keySep = byte(0x00)

// Engine is the BadgerDB-backed hot store.
//
// Each write is individually durable before return (SyncWrites). Badger's
// directory lock makes concurrent opens from other processes fail fast,
// satisfying the exclusive-owner process model. Read transactions see a
// consistent snapshot, so queries running concurrently with a sync observe
// either the pre- or post-write state of each record, never a torn one.
type Engine struct {
	db  *badger.DB
	log zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Options configures the hot engine.
type Options struct {
	// InMemory runs Badger without touching disk. For tests.
	InMemory bool

	// NoSyncWrites turns off fsync per write. Left false (the default),
	// every write is synced; the engine's durability contract depends on it.
	NoSyncWrites bool

	Logger zerolog.Logger
}

// Open opens the hot engine over its directory. Fails with ErrLocked when
// another process holds the directory.
func Open(dir string, opts Options) (*Engine, error) {
	badgerOpts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(!opts.NoSyncWrites).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("open hot engine: %w", err)
	}

	return &Engine{
		db:  db,
		log: opts.Logger.With().Str("component", "hot-engine").Logger(),
	}, nil
}

// Close releases the engine and its directory lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}

func (e *Engine) guard() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Key encoding
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKey(label string, src, dst NodeID) []byte {
	return compoundKey(prefixEdge, label, string(src), string(dst))
}

func typeIndexKey(typ string, id NodeID) []byte {
	return compoundKey(prefixTypeIndex, typ, string(id))
}

func outgoingKey(src NodeID, label string, dst NodeID) []byte {
	return compoundKey(prefixOutgoing, string(src), label, string(dst))
}

func incomingKey(dst NodeID, label string, src NodeID) []byte {
	return compoundKey(prefixIncoming, string(dst), label, string(src))
}

func vectorKey(id NodeID) []byte {
	return append([]byte{prefixVector}, id...)
}

func vectorTypeKey(typ string, id NodeID) []byte {
	return compoundKey(prefixVectorType, typ, string(id))
}

func compoundKey(prefix byte, parts ...string) []byte {
	n := 1
	for _, p := range parts {
		n += len(p) + 1
	}
	key := make([]byte, 0, n)
	key = append(key, prefix)
	for i, p := range parts {
		if i > 0 {
			key = append(key, keySep)
		}
		key = append(key, p...)
	}
	return key
}

func scanPrefix(prefix byte, parts ...string) []byte {
	key := compoundKey(prefix, parts...)
	return append(key, keySep)
}

// splitKey returns the 0x00-separated components after the prefix byte.
func splitKey(key []byte) []string {
	return strings.Split(string(key[1:]), string(keySep))
}

// ============================================================================
// Nodes
// ============================================================================

// PutNode writes a node with property-merge semantics: an existing node
// keeps properties the incoming record does not mention. Returns true when
// the node was created, false when an existing node was updated.
func (e *Engine) PutNode(typ string, id NodeID, props map[string]any) (bool, error) {
	if err := e.guard(); err != nil {
		return false, err
	}
	created := false
	now := time.Now().UTC()

	err := e.db.Update(func(txn *badger.Txn) error {
		node := &Node{ID: id, Type: typ, Properties: map[string]any{}, CreatedAt: now}
		item, err := txn.Get(nodeKey(id))
		switch {
		case err == badger.ErrKeyNotFound:
			created = true
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, node)
			}); err != nil {
				return err
			}
		}

		node.Type = typ
		node.Properties = mergeProps(node.Properties, props)
		node.UpdatedAt = now

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(id), data); err != nil {
			return err
		}
		return txn.Set(typeIndexKey(typ, id), nil)
	})
	if err != nil {
		return false, fmt.Errorf("put node %s: %w", id, err)
	}
	return created, nil
}

// GetNode returns a node by stable ID, or ErrNotFound.
func (e *Engine) GetNode(id NodeID) (*Node, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	var node Node
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &node)
		})
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// IterNodesByType streams all nodes of a type in stable-ID order. The
// callback may return ErrStopIteration to stop early.
func (e *Engine) IterNodesByType(typ string, fn func(*Node) error) error {
	if err := e.guard(); err != nil {
		return err
	}
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := scanPrefix(prefixTypeIndex, typ)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			parts := splitKey(it.Item().Key())
			node, err := getNodeTxn(txn, NodeID(parts[1]))
			if err != nil {
				return err
			}
			if err := fn(node); err != nil {
				return err
			}
		}
		return nil
	})
	if err == ErrStopIteration {
		return nil
	}
	return err
}

func getNodeTxn(txn *badger.Txn, id NodeID) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var node Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &node)
	}); err != nil {
		return nil, err
	}
	return &node, nil
}

// ============================================================================
// Edges
// ============================================================================

// PutEdge writes an edge, idempotent on (label, src, dst); payloads merge.
func (e *Engine) PutEdge(label string, src, dst NodeID, props map[string]any) error {
	if err := e.guard(); err != nil {
		return err
	}
	now := time.Now().UTC()

	err := e.db.Update(func(txn *badger.Txn) error {
		edge := &Edge{Label: label, Src: src, Dst: dst, Properties: map[string]any{}, CreatedAt: now}
		item, err := txn.Get(edgeKey(label, src, dst))
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, edge)
			}); err != nil {
				return err
			}
		}

		edge.Properties = mergeProps(edge.Properties, props)
		edge.UpdatedAt = now

		data, err := json.Marshal(edge)
		if err != nil {
			return err
		}
		if err := txn.Set(edgeKey(label, src, dst), data); err != nil {
			return err
		}
		if err := txn.Set(outgoingKey(src, label, dst), nil); err != nil {
			return err
		}
		return txn.Set(incomingKey(dst, label, src), nil)
	})
	if err != nil {
		return fmt.Errorf("put edge %s %s->%s: %w", label, src, dst, err)
	}
	return nil
}

// GetEdge returns the edge for a (label, src, dst) triple, or ErrNotFound.
func (e *Engine) GetEdge(label string, src, dst NodeID) (*Edge, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	var edge Edge
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(edgeKey(label, src, dst))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &edge)
		})
	})
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

// IterEdgesByLabel streams all edges with a label in (src, dst) order.
func (e *Engine) IterEdgesByLabel(label string, fn func(*Edge) error) error {
	if err := e.guard(); err != nil {
		return err
	}
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := scanPrefix(prefixEdge, label)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var edge Edge
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &edge)
			}); err != nil {
				return err
			}
			if err := fn(&edge); err != nil {
				return err
			}
		}
		return nil
	})
	if err == ErrStopIteration {
		return nil
	}
	return err
}

// ============================================================================
// Vectors
// ============================================================================

// PutVector writes a vector, idempotent on id.
func (e *Engine) PutVector(typ string, id NodeID, embedding []float32, props map[string]any) error {
	if err := e.guard(); err != nil {
		return err
	}
	now := time.Now().UTC()

	err := e.db.Update(func(txn *badger.Txn) error {
		vec := &Vector{ID: id, Type: typ, Properties: map[string]any{}, CreatedAt: now}
		item, err := txn.Get(vectorKey(id))
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, vec)
			}); err != nil {
				return err
			}
		}

		vec.Type = typ
		vec.Embedding = embedding
		vec.Properties = mergeProps(vec.Properties, props)
		vec.UpdatedAt = now

		data, err := json.Marshal(vec)
		if err != nil {
			return err
		}
		if err := txn.Set(vectorKey(id), data); err != nil {
			return err
		}
		return txn.Set(vectorTypeKey(typ, id), nil)
	})
	if err != nil {
		return fmt.Errorf("put vector %s: %w", id, err)
	}
	return nil
}

// GetVector returns a vector by id, or ErrNotFound.
func (e *Engine) GetVector(id NodeID) (*Vector, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	var vec Vector
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vectorKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &vec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &vec, nil
}

// IterVectorsByType streams all vectors of a type in stable-ID order.
func (e *Engine) IterVectorsByType(typ string, fn func(*Vector) error) error {
	if err := e.guard(); err != nil {
		return err
	}
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := scanPrefix(prefixVectorType, typ)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			parts := splitKey(it.Item().Key())
			item, err := txn.Get(vectorKey(NodeID(parts[1])))
			if err != nil {
				return err
			}
			var vec Vector
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &vec)
			}); err != nil {
				return err
			}
			if err := fn(&vec); err != nil {
				return err
			}
		}
		return nil
	})
	if err == ErrStopIteration {
		return nil
	}
	return err
}

// NodeCount returns the number of stored nodes.
func (e *Engine) NodeCount() (int64, error) {
	return e.countPrefix(prefixNode)
}

// EdgeCount returns the number of stored edges.
func (e *Engine) EdgeCount() (int64, error) {
	return e.countPrefix(prefixEdge)
}

func (e *Engine) countPrefix(prefix byte) (int64, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	var count int64
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
