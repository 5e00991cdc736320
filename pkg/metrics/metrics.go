// Package metrics exposes Prometheus instrumentation for the data layer.
// Registration is on a dedicated registry so embedders can mount it where
// they like (or ignore it entirely).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the data layer's instruments.
type Metrics struct {
	registry *prometheus.Registry

	SyncsTotal   *prometheus.CounterVec
	RowsWritten  *prometheus.CounterVec
	SyncDuration prometheus.Histogram
	QueriesTotal *prometheus.CounterVec
}

// New creates and registers the instrument set.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.SyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "muninn",
		Name:      "syncs_total",
		Help:      "Sync attempts by fetcher and terminal status.",
	}, []string{"fetcher", "status"})

	m.RowsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "muninn",
		Name:      "rows_written_total",
		Help:      "Rows written to cold tables, by table path.",
	}, []string{"table"})

	m.SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "muninn",
		Name:      "sync_duration_seconds",
		Help:      "Wall time of sync calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	m.QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "muninn",
		Name:      "queries_total",
		Help:      "Query layer calls by operation.",
	}, []string{"op"})

	m.registry.MustRegister(m.SyncsTotal, m.RowsWritten, m.SyncDuration, m.QueriesTotal)
	return m
}

// Registry returns the Prometheus registry holding the instruments, for
// embedders that serve /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
