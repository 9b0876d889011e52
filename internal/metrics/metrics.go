// Package metrics holds the Prometheus collectors exported on /metrics.
// Every Record method is safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "finstream"

// Metrics is the collector set of one process.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest
	IngestMessages *prometheus.CounterVec // topic, outcome
	IngestBatch    prometheus.Histogram

	// Series store
	RowsAppended *prometheus.CounterVec // series, outcome

	// Aggregation
	RefreshDuration *prometheus.HistogramVec // interval
	CandlesWritten  *prometheus.CounterVec   // interval
	RefreshFailures *prometheus.CounterVec   // interval

	// Maintenance
	ChunksProcessed *prometheus.CounterVec // pass, outcome
	CompressedBytes prometheus.Counter

	// Ledger
	LedgerTrades   *prometheus.CounterVec // type, outcome
	LedgerLockWait prometheus.Histogram

	// Query cache
	CacheRequests *prometheus.CounterVec // kind, result

	// Jobs
	JobRuns *prometheus.CounterVec // job, status
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		IngestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Messages consumed by topic and outcome",
		}, []string{"topic", "outcome"}),
		IngestBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batch_size",
			Help:      "Records per flushed ingest batch",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),

		RowsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series",
			Name:      "rows_appended_total",
			Help:      "Rows appended by series and outcome (inserted, duplicate, rejected)",
		}, []string{"series", "outcome"}),

		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of one aggregation level refresh",
			Buckets:   prometheus.DefBuckets,
		}, []string{"interval"}),
		CandlesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "candles_total",
			Help:      "Candles written by interval",
		}, []string{"interval"}),
		RefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "symbol_failures_total",
			Help:      "Per-symbol refresh failures by interval",
		}, []string{"interval"}),

		ChunksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "chunks_total",
			Help:      "Chunks handled by maintenance pass and outcome",
		}, []string{"pass", "outcome"}),
		CompressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "compressed_bytes_total",
			Help:      "Bytes written as compressed segments",
		}),

		LedgerTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "trades_total",
			Help:      "Ledger trades by type and outcome",
		}, []string{"type", "outcome"}),
		LedgerLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a portfolio lock",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),

		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "cache_requests_total",
			Help:      "Query cache lookups by kind and result",
		}, []string{"kind", "result"}),

		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Background job runs by job and status",
		}, []string{"job", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestMessages, m.IngestBatch,
		m.RowsAppended,
		m.RefreshDuration, m.CandlesWritten, m.RefreshFailures,
		m.ChunksProcessed, m.CompressedBytes,
		m.LedgerTrades, m.LedgerLockWait,
		m.CacheRequests,
		m.JobRuns,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordIngest(topic, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.IngestMessages.WithLabelValues(topic, outcome).Add(float64(n))
}

func (m *Metrics) RecordIngestBatch(size int) {
	if m == nil {
		return
	}
	m.IngestBatch.Observe(float64(size))
}

// RecordAppend counts an append result by outcome.
func (m *Metrics) RecordAppend(series string, inserted, duplicates, rejected int) {
	if m == nil {
		return
	}
	m.RowsAppended.WithLabelValues(series, "inserted").Add(float64(inserted))
	m.RowsAppended.WithLabelValues(series, "duplicate").Add(float64(duplicates))
	m.RowsAppended.WithLabelValues(series, "rejected").Add(float64(rejected))
}

func (m *Metrics) RecordRefresh(interval string, elapsed time.Duration, candles, failed int) {
	if m == nil {
		return
	}
	m.RefreshDuration.WithLabelValues(interval).Observe(elapsed.Seconds())
	m.CandlesWritten.WithLabelValues(interval).Add(float64(candles))
	m.RefreshFailures.WithLabelValues(interval).Add(float64(failed))
}

func (m *Metrics) RecordChunk(pass, outcome string) {
	if m == nil {
		return
	}
	m.ChunksProcessed.WithLabelValues(pass, outcome).Inc()
}

func (m *Metrics) RecordCompressedBytes(n int64) {
	if m == nil {
		return
	}
	m.CompressedBytes.Add(float64(n))
}

func (m *Metrics) RecordTrade(tradeType, outcome string) {
	if m == nil {
		return
	}
	m.LedgerTrades.WithLabelValues(tradeType, outcome).Inc()
}

func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LedgerLockWait.Observe(d.Seconds())
}

func (m *Metrics) RecordCache(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordJob(job, status string) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
}
