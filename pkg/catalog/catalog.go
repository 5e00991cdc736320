// Package catalog provides the durable metadata store that tracks sync
// progress: per-table ingestion offsets, fetcher anchors, scope readiness,
// fetcher budgets, and an append-only job log.
//
// The catalog is the truth of progress for the dual store. Cold and hot
// writes are idempotent; the catalog commit at the end of a sync batch is
// what makes those writes count. On startup the synchronizer compares
// catalog offsets against lake table versions and replays any lag.
//
// Backed by a single bbolt file (<base>/catalog.db). bbolt's file lock
// gives fail-fast exclusive access across processes, and its single-writer
// transactions give read-your-writes within the process.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrOffsetRegression = errors.New("offset regression")
	ErrCatalogClosed    = errors.New("catalog closed")
)

var (
	bucketOffsets   = []byte("offsets")
	bucketAnchors   = []byte("anchors")
	bucketReadiness = []byte("readiness")
	bucketBudgets   = []byte("budgets")
	bucketJobs      = []byte("jobs")
)

// Offset records how far a cold table has been ingested.
type Offset struct {
	Version              int64     `json:"version"`
	RowCount             int64     `json:"rowCount"`
	MaxObservedTimestamp time.Time `json:"maxObservedTimestamp"`
}

// Anchor is the opaque fetcher-defined marker for a scope ("what I last
// saw"): an HTTP ETag, a commit SHA, a cursor. Compared for equality only.
type Anchor struct {
	AnchorToken string    `json:"anchorToken"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Readiness is the freshness + coverage record driving whether a scope
// needs another sync before it can answer queries.
type Readiness struct {
	LastSync      time.Time `json:"lastSync"`
	TTLSeconds    int64     `json:"ttlSeconds"`
	KnownCount    int64     `json:"knownCount"`
	ExpectedCount int64     `json:"expectedCount"`
}

// Coverage returns knownCount / max(expectedCount, 1), capped at 1.
func (r Readiness) Coverage() float64 {
	expected := r.ExpectedCount
	if expected < 1 {
		expected = 1
	}
	cov := float64(r.KnownCount) / float64(expected)
	if cov > 1 {
		cov = 1
	}
	return cov
}

// Stale reports whether the scope needs a refresh at the given instant.
func (r Readiness) Stale(now time.Time) bool {
	if r.LastSync.IsZero() {
		return true
	}
	if now.Sub(r.LastSync) > time.Duration(r.TTLSeconds)*time.Second {
		return true
	}
	return r.Coverage() < 1
}

// Budget tracks remaining request allowance for a fetcher.
type Budget struct {
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resetsAt"`
}

// JobStatus enumerates terminal states of a sync job.
type JobStatus string

const (
	JobOK       JobStatus = "ok"
	JobPartial  JobStatus = "partial"
	JobUpToDate JobStatus = "up_to_date"
	JobRejected JobStatus = "rejected"
	JobFailed   JobStatus = "failed"
)

// Job is one row of the append-only sync job log.
type Job struct {
	JobID      string    `json:"jobId"`
	Fetcher    string    `json:"fetcher"`
	ParamsHash string    `json:"paramsHash"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Status     JobStatus `json:"status"`
	RowsIn     int64     `json:"rowsIn"`
	RowsOut    int64     `json:"rowsOut"`
	Reason     string    `json:"reason,omitempty"`
}

// Catalog is the bbolt-backed metadata store. Safe for concurrent readers;
// writes are serialized by bbolt and by the synchronizer.
type Catalog struct {
	db *bolt.DB
}

// Open opens (or creates) the catalog file at path.
func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOffsets, bucketAnchors, bucketReadiness, bucketBudgets, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

// Close releases the underlying bbolt file.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// scopeKey builds the composite key for anchors and readiness maps.
func scopeKey(a, b string) []byte {
	key := make([]byte, 0, len(a)+1+len(b))
	key = append(key, a...)
	key = append(key, 0x00)
	key = append(key, b...)
	return key
}

// GetOffset returns the ingestion offset for a cold table, or ErrNotFound.
func (c *Catalog) GetOffset(table string) (Offset, error) {
	var off Offset
	err := c.get(bucketOffsets, []byte(table), &off)
	return off, err
}

// Offsets returns all recorded table offsets.
func (c *Catalog) Offsets() (map[string]Offset, error) {
	out := make(map[string]Offset)
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOffsets).ForEach(func(k, v []byte) error {
			var off Offset
			if err := json.Unmarshal(v, &off); err != nil {
				return err
			}
			out[string(k)] = off
			return nil
		})
	})
	return out, err
}

// GetAnchor returns the stored anchor for (fetcher, scope), or ErrNotFound.
func (c *Catalog) GetAnchor(fetcher, scopeID string) (Anchor, error) {
	var a Anchor
	err := c.get(bucketAnchors, scopeKey(fetcher, scopeID), &a)
	return a, err
}

// GetReadiness returns the readiness record for (scope, dataset), or
// ErrNotFound.
func (c *Catalog) GetReadiness(scopeID, dataset string) (Readiness, error) {
	var r Readiness
	err := c.get(bucketReadiness, scopeKey(scopeID, dataset), &r)
	return r, err
}

// GetBudget returns the remaining budget for a fetcher, or ErrNotFound.
func (c *Catalog) GetBudget(fetcher string) (Budget, error) {
	var b Budget
	err := c.get(bucketBudgets, []byte(fetcher), &b)
	return b, err
}

// PutBudget stores the remaining budget for a fetcher.
func (c *Catalog) PutBudget(fetcher string, b Budget) error {
	return c.put(bucketBudgets, []byte(fetcher), b)
}

// Jobs returns the job log, oldest first.
func (c *Catalog) Jobs() ([]Job, error) {
	var jobs []Job
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			jobs = append(jobs, j)
			return nil
		})
	})
	return jobs, err
}

// SyncCommit is the set of catalog updates applied atomically at the end of
// a sync batch: per-table offsets, the scope anchor, readiness for each
// dataset touched, and the job row.
type SyncCommit struct {
	Fetcher   string
	ScopeID   string
	Offsets   map[string]Offset    // table path -> new offset
	Anchor    *Anchor              // nil when unchanged
	Readiness map[string]Readiness // dataset -> record
	Job       Job
}

// CommitSync applies a SyncCommit in a single bbolt transaction.
//
// Offset monotonicity is enforced here: a commit that would move any table
// offset backwards fails with ErrOffsetRegression and nothing is applied.
func (c *Catalog) CommitSync(commit SyncCommit) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		offsets := tx.Bucket(bucketOffsets)
		for table, off := range commit.Offsets {
			if prev := offsets.Get([]byte(table)); prev != nil {
				var prevOff Offset
				if err := json.Unmarshal(prev, &prevOff); err != nil {
					return err
				}
				if off.Version < prevOff.Version {
					return fmt.Errorf("%w: table %s: %d -> %d", ErrOffsetRegression, table, prevOff.Version, off.Version)
				}
			}
			data, err := json.Marshal(off)
			if err != nil {
				return err
			}
			if err := offsets.Put([]byte(table), data); err != nil {
				return err
			}
		}

		if commit.Anchor != nil {
			data, err := json.Marshal(commit.Anchor)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketAnchors).Put(scopeKey(commit.Fetcher, commit.ScopeID), data); err != nil {
				return err
			}
		}

		ready := tx.Bucket(bucketReadiness)
		for dataset, r := range commit.Readiness {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := ready.Put(scopeKey(commit.ScopeID, dataset), data); err != nil {
				return err
			}
		}

		return appendJob(tx, commit.Job)
	})
}

// RecordJob appends a job row outside a sync commit (rejected batches,
// fetcher failures). The job log records every sync attempt, successful or
// not.
func (c *Catalog) RecordJob(job Job) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return appendJob(tx, job)
	})
}

func appendJob(tx *bolt.Tx, job Job) error {
	b := tx.Bucket(bucketJobs)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put([]byte(fmt.Sprintf("%012d", seq)), data)
}

func (c *Catalog) get(bucket, key []byte, v any) error {
	return c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (c *Catalog) put(bucket, key []byte, v any) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
}
