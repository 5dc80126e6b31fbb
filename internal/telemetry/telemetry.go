// Package telemetry holds the prometheus metrics and the operation
// measurement helper shared by the accelerator's internal packages.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the accelerator.
type Metrics struct {
	Fetches         *prometheus.CounterVec
	FetchBytes      prometheus.Counter
	FetchRetries    prometheus.Counter
	FetchDuration   prometheus.Histogram
	CoalescedRanges prometheus.Counter

	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheEvictions   prometheus.Counter
	CacheOverBudget  prometheus.Counter
	CacheBytes       prometheus.Gauge
	PrefetchedBlocks prometheus.Counter

	FooterParses *prometheus.CounterVec
	Operations   *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "s3_accelerator_fetches_total",
		Help: "Range fetch tasks completed, by outcome",
	}, []string{"outcome"})

	fetchBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3_accelerator_fetch_bytes_total",
		Help: "Total bytes read from the object store",
	})

	fetchRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3_accelerator_fetch_retries_total",
		Help: "Range fetch attempts retried after a transient failure",
	})

	fetchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "s3_accelerator_fetch_duration_seconds",
		Help:    "Latency of range fetch tasks including retries",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	coalesced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3_accelerator_coalesced_ranges_total",
		Help: "Requested ranges merged into an already queued fetch task",
	})

	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3_accelerator_cache_hits_total",
		Help: "Block lookups served by a Ready block",
	})

	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3_accelerator_cache_misses_total",
		Help: "Block lookups that had to wait for or originate a fetch",
	})

	evictions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3_accelerator_cache_evictions_total",
		Help: "Ready blocks evicted to honor the memory budget",
	})

	overBudget := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3_accelerator_cache_over_budget_admissions_total",
		Help: "Blocks admitted while no evictable block could bring the cache under budget",
	})

	cacheBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s3_accelerator_cache_bytes",
		Help: "Sum of Ready block payload sizes",
	})

	prefetched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "s3_accelerator_prefetched_blocks_total",
		Help: "Blocks scheduled speculatively ahead of a read",
	})

	footerParses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "s3_accelerator_footer_parses_total",
		Help: "Footer parse attempts, by outcome",
	}, []string{"outcome"})

	operations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "s3_accelerator_operation_duration_seconds",
		Help:    "Duration of measured operations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 9),
	}, []string{"operation", "outcome"})

	reg.MustRegister(fetches, fetchBytes, fetchRetries, fetchDuration, coalesced,
		hits, misses, evictions, overBudget, cacheBytes, prefetched,
		footerParses, operations)

	return &Metrics{
		Fetches:          fetches,
		FetchBytes:       fetchBytes,
		FetchRetries:     fetchRetries,
		FetchDuration:    fetchDuration,
		CoalescedRanges:  coalesced,
		CacheHits:        hits,
		CacheMisses:      misses,
		CacheEvictions:   evictions,
		CacheOverBudget:  overBudget,
		CacheBytes:       cacheBytes,
		PrefetchedBlocks: prefetched,
		FooterParses:     footerParses,
		Operations:       operations,
	}
}

// NewUnregistered returns metrics registered with a private registry, for
// callers that did not supply one.
func NewUnregistered() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Outcome labels an error for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// -----------------------------------------------------------------------------
// Operation measurement
// -----------------------------------------------------------------------------

// Operation measures one named unit of work. Create it with Start and finish
// it with End exactly once.
type Operation struct {
	metrics *Metrics
	logger  log.Logger
	name    string
	start   time.Time
}

// Start begins measuring the operation name. keyvals are attached to the
// log line written by End.
func Start(m *Metrics, logger log.Logger, name string, keyvals ...interface{}) *Operation {
	return &Operation{
		metrics: m,
		logger:  log.With(logger, append([]interface{}{"op", name}, keyvals...)...),
		name:    name,
		start:   time.Now(),
	}
}

// End records the duration and outcome of the operation. Failures other
// than cancellation are logged at warn level, everything else at debug.
func (o *Operation) End(err error) {
	elapsed := time.Since(o.start)
	outcome := Outcome(err)
	o.metrics.Operations.WithLabelValues(o.name, outcome).Observe(elapsed.Seconds())

	if outcome == "error" {
		level.Warn(o.logger).Log("msg", "operation failed", "duration", elapsed, "err", err)
		return
	}
	level.Debug(o.logger).Log("msg", "operation finished", "duration", elapsed, "outcome", outcome)
}
