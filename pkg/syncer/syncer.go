// Package syncer orchestrates ingestion: fetch, validate, write cold,
// project hot, commit catalog — atomic per batch and idempotent end to end.
//
// The synchronizer owns no I/O protocol of its own. It drives a Fetcher
// through probe and fetch, validates every record against the schema
// registry, lands rows in the lake (merge-on-write by primary key), projects
// them into the hot engine (merge-on-id), and finally commits offsets,
// anchor, readiness, and a job row to the catalog in one transaction.
//
// Idempotence rests on three pillars: deterministic stable IDs, merge
// semantics in both stores, and the catalog as the single truth of
// progress. A crash anywhere before the catalog commit leaves cold rows the
// startup replay re-projects; replaying a committed batch writes nothing
// new.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orneryd/muninn/pkg/catalog"
	"github.com/orneryd/muninn/pkg/errs"
	"github.com/orneryd/muninn/pkg/fetch"
	"github.com/orneryd/muninn/pkg/lake"
	"github.com/orneryd/muninn/pkg/metrics"
	"github.com/orneryd/muninn/pkg/schema"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("sync already running for this scope")
)

// Reserved record keys fetchers use to reference other records.
const (
	// KeySrc / KeyDst carry the primary-key tuple of an edge endpoint.
	KeySrc = "src"
	KeyDst = "dst"
	// KeySrcID / KeyDstID carry a stable ID directly.
	KeySrcID = "src_id"
	KeyDstID = "dst_id"
	// KeySourceNode / KeySourceNodeID identify the node a vector was
	// produced from.
	KeySourceNode   = "source_node"
	KeySourceNodeID = "source_node_id"
	// KeyEmbeddingID is an explicit vector identity supplied by the
	// fetcher; it overrides stable-ID derivation.
	KeyEmbeddingID = "embedding_id"
)

// Status is the terminal state of a sync call.
type Status string

const (
	StatusOK       Status = "ok"
	StatusUpToDate Status = "up_to_date"
	StatusPartial  Status = "partial"
)

// NextAction tells the caller what to do after this sync.
type NextAction string

const (
	NextNone     NextAction = "none"
	NextContinue NextAction = "continue"
	NextBackoff  NextAction = "backoff"
)

// Result is the outcome of one sync call.
type Result struct {
	Status      Status
	RowsWritten map[string]int64 // cold table path -> rows written
	AnchorToken string
	NextAction  NextAction
}

// Syncer coordinates fetchers, the dual store, and the catalog.
type Syncer struct {
	registry *schema.Registry
	catalog  *catalog.Catalog
	lake     *lake.Lake
	engine   *storage.Engine
	search   *search.Service
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates a Syncer. metrics may be nil.
func New(registry *schema.Registry, cat *catalog.Catalog, lk *lake.Lake, engine *storage.Engine, svc *search.Service, m *metrics.Metrics, log zerolog.Logger) *Syncer {
	return &Syncer{
		registry: registry,
		catalog:  cat,
		lake:     lk,
		engine:   engine,
		search:   svc,
		metrics:  m,
		log:      log.With().Str("component", "syncer").Logger(),
		running:  make(map[string]struct{}),
	}
}

// ScopeID derives the scope identifier for (fetcher, params): the tuple that
// names one independently synced slice of data.
func ScopeID(fetcherName string, params map[string]any) string {
	h := sha256.Sum256([]byte(fetcherName + "\x00" + schema.CanonicalJSON(params)))
	return hex.EncodeToString(h[:])
}

// tryAcquire takes the per-scope lock without queueing.
func (s *Syncer) tryAcquire(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[scope]; busy {
		return false
	}
	s.running[scope] = struct{}{}
	return true
}

func (s *Syncer) release(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, scope)
}

// Sync runs one fetch-validate-write-project-commit cycle for a scope.
//
// Concurrent syncs on distinct scopes proceed in parallel; a second sync on
// the same scope fails immediately with ErrAlreadyRunning (the caller
// decides whether to retry).
func (s *Syncer) Sync(ctx context.Context, fetcher fetch.Fetcher, params map[string]any, budget fetch.Budget) (*Result, error) {
	started := time.Now().UTC()
	cap := fetcher.Capability()
	scope := ScopeID(cap.Name, params)
	paramsHash := scope[:16]
	jobID := uuid.NewString()

	if !s.tryAcquire(scope) {
		s.recordJob(catalog.Job{
			JobID: jobID, Fetcher: cap.Name, ParamsHash: paramsHash,
			StartedAt: started, FinishedAt: time.Now().UTC(),
			Status: catalog.JobFailed, Reason: ErrAlreadyRunning.Error(),
		})
		return nil, errs.Wrap(errs.CodeConcurrency, ErrAlreadyRunning, "scope %s", paramsHash)
	}
	defer s.release(scope)

	if s.metrics != nil {
		defer func() {
			s.metrics.SyncDuration.Observe(time.Since(started).Seconds())
		}()
	}

	res, err := s.run(ctx, fetcher, cap, params, budget, scope, jobID, started)
	if s.metrics != nil {
		status := "failed"
		if err == nil {
			status = string(res.Status)
		}
		s.metrics.SyncsTotal.WithLabelValues(cap.Name, status).Inc()
	}
	return res, err
}

func (s *Syncer) run(ctx context.Context, fetcher fetch.Fetcher, cap fetch.Capability, params map[string]any, budget fetch.Budget, scope, jobID string, started time.Time) (*Result, error) {
	log := s.log.With().Str("fetcher", cap.Name).Str("scope", scope[:16]).Logger()

	fail := func(status catalog.JobStatus, cause error, code errs.Code, msg string) error {
		s.recordJob(catalog.Job{
			JobID:      jobID,
			Fetcher:    cap.Name,
			ParamsHash: scope[:16],
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Status:     status,
			Reason:     cause.Error(),
		})
		return errs.Wrap(code, cause, "%s", msg)
	}

	// Probe: if the remote anchor matches what we stored and readiness is
	// still fresh, there is nothing to do.
	probe, err := fetcher.Probe(ctx, params)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fail(catalog.JobFailed, err, errs.CodeCancelled, "probe cancelled")
		}
		return nil, fail(catalog.JobFailed, err, errs.CodeFetcher, "probe failed")
	}

	if probe.AnchorToken != "" {
		if stored, aerr := s.catalog.GetAnchor(cap.Name, scope); aerr == nil &&
			stored.AnchorToken == probe.AnchorToken && s.readinessFresh(scope, cap.DatasetsProduced) {
			log.Debug().Str("anchor", probe.AnchorToken).Msg("scope up to date")
			s.recordJob(catalog.Job{
				JobID: jobID, Fetcher: cap.Name, ParamsHash: scope[:16],
				StartedAt: started, FinishedAt: time.Now().UTC(), Status: catalog.JobUpToDate,
			})
			return &Result{Status: StatusUpToDate, AnchorToken: probe.AnchorToken, NextAction: NextNone}, nil
		}
	}

	resp, err := fetcher.Fetch(ctx, params, budget)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fail(catalog.JobFailed, err, errs.CodeCancelled, "fetch cancelled")
		}
		return nil, fail(catalog.JobFailed, err, errs.CodeFetcher, "fetch failed")
	}

	if resp.Panel != nil {
		return s.runPanel(ctx, cap, resp.Panel, probe, scope, jobID, started)
	}
	if resp.Graph == nil {
		return nil, fail(catalog.JobFailed, fmt.Errorf("fetcher returned neither graph nor panel data"), errs.CodeFetcher, "empty response")
	}

	// Validate everything before writing anything: a batch either lands
	// whole or not at all.
	plan, err := s.validate(resp.Graph)
	if err != nil {
		log.Warn().Err(err).Msg("batch rejected")
		s.recordJob(catalog.Job{
			JobID: jobID, Fetcher: cap.Name, ParamsHash: scope[:16],
			StartedAt: started, FinishedAt: time.Now().UTC(),
			Status: catalog.JobRejected, RowsIn: resp.RowCount(), Reason: err.Error(),
		})
		return nil, errs.Wrap(errs.CodeValidation, err, "batch validation")
	}

	// Cold writes: entities -> edges -> vectors -> index tables, each
	// upsert-by-key so replays converge.
	offsets, rows, err := s.writeCold(ctx, plan)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fail(catalog.JobFailed, err, errs.CodeCancelled, "cold write cancelled")
		}
		return nil, fail(catalog.JobFailed, err, errs.CodeStorage, "cold write failed")
	}

	// Hot projection. A failure here leaves the catalog untouched: the
	// startup replay (or the next sync of this scope) re-projects from
	// the cold rows just written.
	if err := s.projectHot(ctx, plan); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fail(catalog.JobFailed, err, errs.CodeCancelled, "projection cancelled")
		}
		return nil, fail(catalog.JobFailed, err, errs.CodeStorage, "hot projection failed")
	}

	// Commit: offsets, anchor, readiness, and the job row in one catalog
	// transaction.
	anchorToken := resp.Graph.AnchorToken
	if anchorToken == "" {
		anchorToken = probe.AnchorToken
	}

	var rowsWritten int64
	for _, n := range rows {
		rowsWritten += n
	}

	status := StatusOK
	jobStatus := catalog.JobOK
	next := NextNone
	if resp.Graph.HasMore {
		status = StatusPartial
		jobStatus = catalog.JobPartial
		if budget.Bounded() {
			next = NextBackoff
		} else {
			next = NextContinue
		}
	}

	commit := catalog.SyncCommit{
		Fetcher: cap.Name,
		ScopeID: scope,
		Offsets: offsets,
		Anchor:  &catalog.Anchor{AnchorToken: anchorToken, FetchedAt: time.Now().UTC()},
		Readiness: s.readinessUpdate(scope, cap, rowsWritten, probe.EstimatedRemoteCount),
		Job: catalog.Job{
			JobID: jobID, Fetcher: cap.Name, ParamsHash: scope[:16],
			StartedAt: started, FinishedAt: time.Now().UTC(),
			Status: jobStatus, RowsIn: resp.RowCount(), RowsOut: rowsWritten,
		},
	}
	if err := s.catalog.CommitSync(commit); err != nil {
		return nil, fail(catalog.JobFailed, err, errs.CodeStorage, "catalog commit")
	}

	if s.metrics != nil {
		for table, n := range rows {
			s.metrics.RowsWritten.WithLabelValues(table).Add(float64(n))
		}
	}
	log.Info().Int64("rows", rowsWritten).Str("status", string(status)).Msg("sync complete")

	return &Result{
		Status:      status,
		RowsWritten: rows,
		AnchorToken: anchorToken,
		NextAction:  next,
	}, nil
}

// runPanel lands a panel batch in its cold table with append mode. Panel
// data has no hot projection; a partial failure advances nothing.
func (s *Syncer) runPanel(ctx context.Context, cap fetch.Capability, panel *fetch.PanelData, probe *fetch.Probe, scope, jobID string, started time.Time) (*Result, error) {
	cols := inferColumns(panel.Rows)
	version, err := s.lake.WriteBatch(ctx, panel.Table, cols, panel.Rows, lake.Append, nil)
	if err != nil {
		s.recordJob(catalog.Job{
			JobID: jobID, Fetcher: cap.Name, ParamsHash: scope[:16],
			StartedAt: started, FinishedAt: time.Now().UTC(),
			Status: catalog.JobFailed, RowsIn: int64(len(panel.Rows)), Reason: err.Error(),
		})
		return nil, errs.Wrap(errs.CodeStorage, err, "panel write")
	}

	commit := catalog.SyncCommit{
		Fetcher: cap.Name,
		ScopeID: scope,
		Offsets: map[string]catalog.Offset{
			panel.Table: {Version: version, RowCount: int64(len(panel.Rows)), MaxObservedTimestamp: time.Now().UTC()},
		},
		Anchor:    &catalog.Anchor{AnchorToken: probe.AnchorToken, FetchedAt: time.Now().UTC()},
		Readiness: s.readinessUpdate(scope, cap, int64(len(panel.Rows)), probe.EstimatedRemoteCount),
		Job: catalog.Job{
			JobID: jobID, Fetcher: cap.Name, ParamsHash: scope[:16],
			StartedAt: started, FinishedAt: time.Now().UTC(),
			Status: catalog.JobOK, RowsIn: int64(len(panel.Rows)), RowsOut: int64(len(panel.Rows)),
		},
	}
	if err := s.catalog.CommitSync(commit); err != nil {
		s.recordJob(catalog.Job{
			JobID: jobID, Fetcher: cap.Name, ParamsHash: scope[:16],
			StartedAt: started, FinishedAt: time.Now().UTC(),
			Status: catalog.JobFailed, RowsIn: int64(len(panel.Rows)), Reason: err.Error(),
		})
		return nil, errs.Wrap(errs.CodeStorage, err, "catalog commit")
	}

	return &Result{
		Status:      StatusOK,
		RowsWritten: map[string]int64{panel.Table: int64(len(panel.Rows))},
		AnchorToken: probe.AnchorToken,
		NextAction:  NextNone,
	}, nil
}

func (s *Syncer) readinessFresh(scope string, datasets []string) bool {
	now := time.Now().UTC()
	for _, ds := range datasets {
		r, err := s.catalog.GetReadiness(scope, ds)
		if err != nil || r.Stale(now) {
			return false
		}
	}
	return len(datasets) > 0
}

func (s *Syncer) readinessUpdate(scope string, cap fetch.Capability, rowsWritten, estimated int64) map[string]catalog.Readiness {
	now := time.Now().UTC()
	out := make(map[string]catalog.Readiness, len(cap.DatasetsProduced))
	for _, ds := range cap.DatasetsProduced {
		r, err := s.catalog.GetReadiness(scope, ds)
		if err != nil {
			r = catalog.Readiness{TTLSeconds: cap.DefaultTTLSeconds}
		}
		r.LastSync = now
		r.KnownCount += rowsWritten
		if estimated > r.ExpectedCount {
			r.ExpectedCount = estimated
		}
		if r.TTLSeconds == 0 {
			r.TTLSeconds = cap.DefaultTTLSeconds
		}
		out[ds] = r
	}
	return out
}

func (s *Syncer) recordJob(job catalog.Job) {
	if err := s.catalog.RecordJob(job); err != nil {
		s.log.Error().Err(err).Str("job", job.JobID).Msg("failed to record job")
	}
}

// inferColumns derives a column set for schemaless panel tables from the
// rows themselves.
func inferColumns(rows []lake.Row) []lake.Column {
	seen := make(map[string]lake.Column)
	order := []string{}
	for _, row := range rows {
		for name, v := range row {
			if _, ok := seen[name]; ok {
				continue
			}
			col := lake.Column{Name: name, Nullable: true}
			switch v.(type) {
			case int, int32, int64:
				col.Type = lake.ColInt
			case float32, float64:
				col.Type = lake.ColFloat
			case bool:
				col.Type = lake.ColBool
			case time.Time:
				col.Type = lake.ColTimestamp
			case []float32, []float64:
				col.Type = lake.ColFloatList
			default:
				col.Type = lake.ColString
			}
			seen[name] = col
			order = append(order, name)
		}
	}
	cols := make([]lake.Column, 0, len(order))
	for _, name := range order {
		cols = append(cols, seen[name])
	}
	return cols
}
