package pagestore

import (
	"sync"

	"github.com/nainya/pagestore/internal/logger"
	"github.com/nainya/pagestore/internal/metrics"
)

// Options configures a page-store engine at New time.
type Options struct {
	// PageSize is the unit of allocation. Defaults to 4096.
	PageSize uint32
	// InitialUsableBytes is the minimum usable byte span a brand-new store
	// is laid out with. Defaults to layout.MinDesiredUsableBytes.
	InitialUsableBytes uint64
	// ChecksumType selects the commit protocol: two-phase (ChecksumUnused)
	// or checksummed one-phase (ChecksumXXH3).
	ChecksumType uint8
	// Logger is used for engine/allocator/multimap log lines. A default is
	// constructed if nil.
	Logger *logger.Logger
	// Metrics is the Prometheus metrics handle collaborators record into. A
	// process-wide default is constructed on first use if nil: Prometheus
	// panics on a second registration of the same metric names, so every
	// Engine sharing the default registry must share one Metrics instance.
	Metrics *metrics.Metrics
}

func (o Options) pageSize() uint32 {
	if o.PageSize == 0 {
		return 4096
	}
	return o.PageSize
}

func (o Options) logger() *logger.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logger.GetGlobalLogger()
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *metrics.Metrics
)

func (o Options) metrics() *metrics.Metrics {
	if o.Metrics != nil {
		return o.Metrics
	}
	defaultMetricsOnce.Do(func() { defaultMetrics = metrics.NewMetrics() })
	return defaultMetrics
}
