// Package metrics provides Prometheus metrics for the page store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the page store.
type Metrics struct {
	// Commit metrics
	CommitsTotal     *prometheus.CounterVec // status={ok,failed}, durable={true,false}
	CommitDuration   *prometheus.HistogramVec
	RecoveriesTotal  prometheus.Counter
	RollbacksTotal   prometheus.Counter

	// Allocator metrics
	PagesAllocatedTotal prometheus.Counter
	PagesFreedTotal     prometheus.Counter
	AllocFailuresTotal  prometheus.Counter
	RegionsTotal        prometheus.Gauge
	FreePagesGauge      prometheus.Gauge

	// Storage metrics
	FileSizeBytes   prometheus.Gauge
	FlushesTotal    *prometheus.CounterVec // kind={flush,eventual,barrier}

	// Multimap metrics
	InlineToSubtreePromotions prometheus.Counter
	SubtreeToInlineDemotions  prometheus.Counter

	ServerStartTime time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_commits_total",
			Help: "Total number of commit attempts",
		},
		[]string{"status", "durable"},
	)

	m.CommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagestore_commit_duration_seconds",
			Help:    "Duration of commits in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"durable"},
	)

	m.RecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_recoveries_total",
			Help: "Total number of crash-recovery passes performed at open",
		},
	)

	m.RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_rollbacks_total",
			Help: "Total number of uncommitted write-transaction rollbacks",
		},
	)

	m.PagesAllocatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_pages_allocated_total",
			Help: "Total number of pages allocated from the buddy allocator",
		},
	)

	m.PagesFreedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_pages_freed_total",
			Help: "Total number of pages freed back to the buddy allocator",
		},
	)

	m.AllocFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_alloc_failures_total",
			Help: "Total number of allocations that required growing the file",
		},
	)

	m.RegionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_regions_total",
			Help: "Current number of regions in the layout",
		},
	)

	m.FreePagesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_free_pages",
			Help: "Current number of free pages across all regions",
		},
	)

	m.FileSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_file_size_bytes",
			Help: "Current backing file size in bytes",
		},
	)

	m.FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_flushes_total",
			Help: "Total number of flush operations by kind",
		},
		[]string{"kind"},
	)

	m.InlineToSubtreePromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_multimap_promotions_total",
			Help: "Total number of multimap values promoted from inline to subtree",
		},
	)

	m.SubtreeToInlineDemotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_multimap_demotions_total",
			Help: "Total number of multimap values demoted from subtree to inline",
		},
	)

	return m
}

// RecordCommit records a commit attempt.
func (m *Metrics) RecordCommit(durable bool, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	durableLabel := "false"
	if durable {
		durableLabel = "true"
	}
	m.CommitsTotal.WithLabelValues(status, durableLabel).Inc()
	m.CommitDuration.WithLabelValues(durableLabel).Observe(duration.Seconds())
}

// RecordFlush records a flush operation of the given kind ("flush",
// "eventual", or "barrier").
func (m *Metrics) RecordFlush(kind string) {
	m.FlushesTotal.WithLabelValues(kind).Inc()
}

// UpdateAllocatorStats updates allocator gauges.
func (m *Metrics) UpdateAllocatorStats(regions uint32, freePages uint64, fileSizeBytes uint64) {
	m.RegionsTotal.Set(float64(regions))
	m.FreePagesGauge.Set(float64(freePages))
	m.FileSizeBytes.Set(float64(fileSizeBytes))
}
