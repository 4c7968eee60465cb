// Package metrics holds the Prometheus collectors shared by the buffer
// pool and the cache decorators. Collectors are registered against a
// caller-supplied prometheus.Registerer so embedding applications control
// where (or whether) metrics are exposed; the zero value uses
// prometheus.DefaultRegisterer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rangereader"

// CacheMetrics are the counters/gauges recorded by memcache and diskcache.
type CacheMetrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	LoadTime  prometheus.Histogram
	Bytes     prometheus.Gauge
	Entries   prometheus.Gauge
}

// NewCacheMetrics registers a CacheMetrics family labelled by cache name
// (e.g. "memory", "disk") against reg. If reg is nil,
// prometheus.DefaultRegisterer is used. Registration errors from a
// duplicate cache name are swallowed and the already-registered
// collectors are reused, so constructing the same named cache twice in a
// test process does not panic.
func NewCacheMetrics(reg prometheus.Registerer, cacheName string) *CacheMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"cache": cacheName}

	m := &CacheMetrics{
		Hits: mustRegisterCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_hits_total",
			Help:        "Number of cache reads satisfied without a backend fetch.",
			ConstLabels: labels,
		})),
		Misses: mustRegisterCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_misses_total",
			Help:        "Number of cache reads that required a backend fetch.",
			ConstLabels: labels,
		})),
		Evictions: mustRegisterCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "cache_evictions_total",
			Help:        "Number of cache entries evicted by size/count bounds.",
			ConstLabels: labels,
		})),
		LoadTime: mustRegisterHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "cache_load_seconds",
			Help:        "Time spent fetching a cache entry from the backend on miss.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		})),
		Bytes: mustRegisterGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cache_bytes",
			Help:        "Current size of the cache in bytes.",
			ConstLabels: labels,
		})),
		Entries: mustRegisterGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "cache_entries",
			Help:        "Current number of entries in the cache.",
			ConstLabels: labels,
		})),
	}
	return m
}

// PoolMetrics are the counters recorded by the root package's
// rangereader.Pool.
type PoolMetrics struct {
	Created   prometheus.Counter
	Reused    prometheus.Counter
	Returned  prometheus.Counter
	Discarded prometheus.Counter
}

// NewPoolMetrics registers a PoolMetrics family labelled by pool kind
// ("direct" or "heap").
func NewPoolMetrics(reg prometheus.Registerer, poolKind string) *PoolMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"pool": poolKind}

	return &PoolMetrics{
		Created: mustRegisterCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bufpool_created_total",
			Help:        "Number of buffers allocated because the pool was empty.",
			ConstLabels: labels,
		})),
		Reused: mustRegisterCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bufpool_reused_total",
			Help:        "Number of buffers served from the pool.",
			ConstLabels: labels,
		})),
		Returned: mustRegisterCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bufpool_returned_total",
			Help:        "Number of buffers returned to the pool.",
			ConstLabels: labels,
		})),
		Discarded: mustRegisterCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bufpool_discarded_total",
			Help:        "Number of buffers discarded (too small to pool, or too small for a request).",
			ConstLabels: labels,
		})),
	}
}

func mustRegisterCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}

func mustRegisterGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}

func mustRegisterHistogram(reg prometheus.Registerer, h prometheus.Histogram) prometheus.Histogram {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Histogram)
		}
		panic(err)
	}
	return h
}
