// Package fetch defines the fetcher port: the contract any data source must
// satisfy to feed the synchronizer. The core performs no remote I/O itself;
// fetchers own their protocols, pagination, and rate limits, and the
// synchronizer drives them through capability / probe / fetch.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Common errors
var (
	// ErrBudgetExhausted signals a fetcher stopped early to honor its
	// budget. Not a failure: the response carries the partial results.
	ErrBudgetExhausted = errors.New("fetch budget exhausted")
)

// Fetcher is the contract for pluggable data sources.
type Fetcher interface {
	// Capability describes the fetcher. Pure, cheap, side-effect-free.
	Capability() Capability

	// Probe performs a lightweight remote check and returns the current
	// anchor token without fetching data.
	Probe(ctx context.Context, params map[string]any) (*Probe, error)

	// Fetch retrieves data within the budget. Fetchers must stop at the
	// budget boundary and return partial results with HasMore set.
	Fetch(ctx context.Context, params map[string]any, budget Budget) (*Response, error)
}

// Capability describes what a fetcher produces and how to call it.
type Capability struct {
	Name              string
	ParamSchema       map[string]string // param name -> human description
	DatasetsProduced  []string
	DefaultTTLSeconds int64
	Examples          []map[string]any
}

// Probe is the result of a lightweight remote check.
type Probe struct {
	AnchorToken          string
	EstimatedRemoteCount int64 // 0 when unknown
	LastModified         time.Time
}

// Budget bounds one fetch call by request count, by duration, or both. The
// zero Budget sets neither and leaves the call unbounded.
type Budget struct {
	MaxRequests int
	MaxDuration time.Duration
}

// Bounded reports whether the budget actually constrains anything.
func (b Budget) Bounded() bool {
	return b.MaxRequests > 0 || b.MaxDuration > 0
}

// TypedBatch is a batch of raw records of one schema type.
type TypedBatch struct {
	Type    string
	Records []map[string]any
}

// GraphData is a fetch response destined for the dual store: typed node,
// edge, and vector batches plus the anchor of the highest-offset record
// observed.
type GraphData struct {
	Nodes   []TypedBatch
	Edges   []TypedBatch
	Vectors []TypedBatch

	AnchorToken string
	HasMore     bool
}

// PanelData is a record batch destined for a single cold table, with no hot
// projection.
type PanelData struct {
	Table string
	Rows  []map[string]any
}

// Response is the result of a fetch: either GraphData or PanelData.
type Response struct {
	Graph *GraphData
	Panel *PanelData
}

// RowCount returns the total number of records in the response.
func (r *Response) RowCount() int64 {
	var n int64
	if r.Graph != nil {
		for _, b := range r.Graph.Nodes {
			n += int64(len(b.Records))
		}
		for _, b := range r.Graph.Edges {
			n += int64(len(b.Records))
		}
		for _, b := range r.Graph.Vectors {
			n += int64(len(b.Records))
		}
	}
	if r.Panel != nil {
		n += int64(len(r.Panel.Rows))
	}
	return n
}

// Error is a fetcher failure with an optional retry hint.
type Error struct {
	Fetcher    string
	Msg        string
	RetryAfter time.Duration // 0 when the remote gave no hint
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "fetcher " + e.Fetcher + ": " + e.Msg + ": " + e.Err.Error()
	}
	return "fetcher " + e.Fetcher + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// RetryDelay returns the delay a caller should wait before retrying this
// failure. Remote-provided hints win; otherwise an exponential backoff
// schedule keyed to the attempt number is used.
func RetryDelay(err error, attempt int) time.Duration {
	var fe *Error
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt && d != backoff.Stop; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return b.MaxInterval
	}
	return d
}
