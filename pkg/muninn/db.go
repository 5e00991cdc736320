// Package muninn is the top-level facade of the active data layer.
//
// A DB owns the whole stack for one base path: schema registry, catalog,
// cold lake, hot engine, search indexes, embedding provider, synchronizer,
// and query layer. Open wires everything, validates embedding dimensions,
// rebuilds the in-memory indexes, and replays any cold rows the catalog has
// not seen projected — so a process that crashed mid-sync comes back
// consistent.
//
// A base path has exactly one owner: the hot engine's and catalog's file
// locks make a second Open on the same path fail fast.
//
// Example Usage:
//
//	cfg := config.Default("./data", "./schema.yaml")
//	db, err := muninn.Open(context.Background(), cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	res, err := db.Sync(ctx, githubFetcher,
//		map[string]any{"org": "acme"},
//		fetch.Budget{MaxRequests: 10})
//
//	hits, err := db.Query().SearchHybrid(ctx, "ReadmeChunk", "async runtime", 0.5, 5)
package muninn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orneryd/muninn/pkg/catalog"
	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/errs"
	"github.com/orneryd/muninn/pkg/fetch"
	"github.com/orneryd/muninn/pkg/lake"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/query"
	"github.com/orneryd/muninn/pkg/schema"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
	"github.com/orneryd/muninn/pkg/syncer"
)

// DB is an open Muninn instance.
type DB struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *schema.Registry
	catalog  *catalog.Catalog
	lake     *lake.Lake
	engine   *storage.Engine
	search   *search.Service
	embedder embed.Embedder
	syncer   *syncer.Syncer
	query    *query.Service
	metrics  *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the data layer at cfg.BasePath.
func Open(ctx context.Context, cfg *config.Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.CodeConfiguration, err, "configuration")
	}

	log := newLogger(cfg.LogLevel)

	if _, err := os.Stat(cfg.BasePath); os.IsNotExist(err) {
		if cfg.OpenMode == config.RequireExisting {
			return nil, errs.New(errs.CodeConfiguration, "base path %s does not exist", cfg.BasePath)
		}
		if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
			return nil, errs.Wrap(errs.CodeConfiguration, err, "create base path")
		}
	}

	registry, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfiguration, err, "load schema bundle")
	}

	embedder, err := embed.New(&embed.Config{
		Backend:    string(cfg.EmbeddingBackend),
		APIURL:     cfg.EmbeddingEndpoint,
		APIKey:     cfg.EmbeddingAPIKey,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDim,
		Timeout:    cfg.EmbeddingTimeout,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeConfiguration, err, "embedding backend")
	}
	if err := embed.ValidateDimensions(embedder, vectorDims(registry)); err != nil {
		return nil, errs.Wrap(errs.CodeConfiguration, err, "embedding dimensions")
	}

	cat, err := catalog.Open(filepath.Join(cfg.BasePath, "catalog.db"))
	if err != nil {
		if isLockError(err) {
			return nil, errs.Wrap(errs.CodeConcurrency, err, "catalog locked")
		}
		return nil, errs.Wrap(errs.CodeStorage, err, "open catalog")
	}

	lk, err := lake.Open(filepath.Join(cfg.BasePath, "lake"), log)
	if err != nil {
		cat.Close()
		return nil, errs.Wrap(errs.CodeStorage, err, "open lake")
	}

	engine, err := storage.Open(filepath.Join(cfg.BasePath, "engine"), storage.Options{Logger: log})
	if err != nil {
		cat.Close()
		if errors.Is(err, storage.ErrLocked) {
			return nil, errs.Wrap(errs.CodeConcurrency, err, "hot engine locked")
		}
		return nil, errs.Wrap(errs.CodeStorage, err, "open hot engine")
	}

	m := metrics.New()
	svc := search.NewService(registry,
		engine,
		search.HNSWConfig{M: 16, EfConstruction: 200, EfSearch: cfg.HNSWEfSearch},
		search.BM25Params{K1: cfg.BM25K1, B: cfg.BM25B},
		log)

	db := &DB{
		cfg:      cfg,
		log:      log,
		registry: registry,
		catalog:  cat,
		lake:     lk,
		engine:   engine,
		search:   svc,
		embedder: embedder,
		metrics:  m,
	}
	db.syncer = syncer.New(registry, cat, lk, engine, svc, m, log)
	db.query = query.New(registry, engine, svc, lk, embedder, m, log)

	// Rebuild the in-memory indexes from the hot store, then close any
	// lake/catalog gap a crash may have left.
	if err := svc.Rebuild(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.CodeStorage, err, "rebuild indexes")
	}
	if err := db.syncer.Replay(ctx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.CodeStorage, err, "startup replay")
	}

	log.Info().Str("base", cfg.BasePath).Str("embedder", embedder.Model()).Msg("muninn open")
	return db, nil
}

// Close releases every store. Safe to call twice.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	if err := db.engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Sync runs one synchronization cycle for (fetcher, params) within budget.
func (db *DB) Sync(ctx context.Context, fetcher fetch.Fetcher, params map[string]any, budget fetch.Budget) (*syncer.Result, error) {
	return db.syncer.Sync(ctx, fetcher, params, budget)
}

// Query returns the read surface.
func (db *DB) Query() *query.Service { return db.query }

// Registry returns the schema registry.
func (db *DB) Registry() *schema.Registry { return db.registry }

// Catalog returns the metadata store, for inspection.
func (db *DB) Catalog() *catalog.Catalog { return db.catalog }

// Lake returns the cold store, for inspection and table listing.
func (db *DB) Lake() *lake.Lake { return db.lake }

// Engine returns the hot engine.
func (db *DB) Engine() *storage.Engine { return db.engine }

// Metrics returns the Prometheus instruments.
func (db *DB) Metrics() *metrics.Metrics { return db.metrics }

func vectorDims(registry *schema.Registry) map[string]int {
	dims := make(map[string]int)
	for _, vt := range registry.VectorTypes() {
		if desc, err := registry.Describe(vt); err == nil {
			dims[vt] = desc.Dim
		}
	}
	return dims
}

// isLockError matches bbolt's lock-contention failure, which surfaces as a
// timeout on Open.
func isLockError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "timeout") ||
		strings.Contains(err.Error(), "locked"))
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
