// Package metrics holds the prometheus instruments for a pipeline run.
// Each Metrics owns its registry; there is no global default registry use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cvechain"

// Metrics groups the counters and gauges updated by the pipeline components
type Metrics struct {
	registry *prometheus.Registry

	PagesFetched       prometheus.Counter
	RecordsRetrieved   prometheus.Counter
	RateLimited        *prometheus.CounterVec // by resource
	Retries            *prometheus.CounterVec // by operation
	CircuitRejections  *prometheus.CounterVec // by breaker
	CircuitState       *prometheus.GaugeVec   // by breaker: 0 closed, 1 open, 2 half-open
	CorrelatedRecords  prometheus.Counter
	DegradedRecords    prometheus.Counter
	SkippedAnnotations prometheus.Counter
	FailedChunks       prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheEvictions     prometheus.Counter
}

// New creates the instruments and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "pages_fetched_total",
			Help:      "Catalog pages fetched successfully.",
		}),
		RecordsRetrieved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "records_retrieved_total",
			Help:      "Vulnerability records returned by the catalog.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "rate_limited_total",
			Help:      "HTTP 429 responses received.",
		}, []string{"resource"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retry attempts scheduled after a failure.",
		}, []string{"operation"}),
		CircuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_rejections_total",
			Help:      "Calls rejected while a circuit breaker was open.",
		}, []string{"breaker"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"breaker"}),
		CorrelatedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "records_total",
			Help:      "CVE records correlated.",
		}),
		DegradedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "degraded_records_total",
			Help:      "CVE records emitted as partial results after a tier failure.",
		}),
		SkippedAnnotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "skipped_annotations_total",
			Help:      "Malformed technique annotation entries skipped.",
		}),
		FailedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "failed_chunks_total",
			Help:      "Batch chunks dropped from the merge after failing.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups served from a live entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups that found no live entry.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed by TTL expiry or LRU pressure.",
		}),
	}

	m.registry.MustRegister(
		m.PagesFetched,
		m.RecordsRetrieved,
		m.RateLimited,
		m.Retries,
		m.CircuitRejections,
		m.CircuitState,
		m.CorrelatedRecords,
		m.DegradedRecords,
		m.SkippedAnnotations,
		m.FailedChunks,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests or a scrape handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values in the prometheus text format
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// CacheObserver forwards cache events to the cache counters
type CacheObserver struct {
	m *Metrics
}

// CacheObserver returns an observer suitable for cache.WithObserver
func (m *Metrics) CacheObserver() CacheObserver {
	return CacheObserver{m: m}
}

func (o CacheObserver) Hit()   { o.m.CacheHits.Inc() }
func (o CacheObserver) Miss()  { o.m.CacheMisses.Inc() }
func (o CacheObserver) Evict() { o.m.CacheEvictions.Inc() }
