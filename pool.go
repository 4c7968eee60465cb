package rangereader

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tileverse-io/rangereader-go/metrics"
)

// bufAlignment is the granularity buffer capacities are rounded up to.
// Rounding reduces the number of distinct buffer sizes pool.Get churns
// through, improving reuse.
const bufAlignment = 8 << 10

// bufMinReturnSize is the smallest buffer capacity worth pooling; smaller
// buffers are cheap enough to allocate that pooling them back only adds
// sync.Pool overhead.
const bufMinReturnSize = 4 << 10

// Pool is a thread-safe pool of reusable byte buffers. The block-aligning
// and single-flight decorators borrow buffers from a Pool instead of
// allocating fresh slices per read, cutting allocation churn on hot
// random-read paths. The number of pooled buffers is not bounded; the
// underlying sync.Pool may drop pooled buffers at any garbage collection.
//
// A Pool's Get/Put pair follows the sync.Pool contract: Put clears the
// buffer before pooling it, and Get never returns a buffer with stale
// content from a previous borrower.
type Pool struct {
	pool    sync.Pool
	metrics *metrics.PoolMetrics
}

// NewPool constructs a Pool. kind labels the pool's metrics ("direct" or
// "heap" are conventional); reg may be nil to use the default Prometheus
// registerer.
func NewPool(reg prometheus.Registerer, kind string) *Pool {
	return &Pool{metrics: metrics.NewPoolMetrics(reg, kind)}
}

// DefaultPool is a process-wide heap buffer pool usable when callers do
// not need per-pipeline isolation.
var DefaultPool = NewPool(nil, "heap")

// Get returns a buffer with capacity >= size, rounded up to bufAlignment,
// and length == size.
func (p *Pool) Get(size int) []byte {
	want := roundUp(size, bufAlignment)
	if v := p.pool.Get(); v != nil {
		buf := v.([]byte) //nolint:errcheck // sync.Pool.New always stores []byte
		if cap(buf) >= want {
			p.metrics.Reused.Inc()
			return buf[:size]
		}
		// Too small for this request; let it be collected and allocate fresh.
		p.metrics.Discarded.Inc()
	}
	p.metrics.Created.Inc()
	return make([]byte, size, want)
}

// Put clears buf and returns it to the pool if it meets the minimum size
// for reuse; otherwise it is discarded.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < bufMinReturnSize {
		p.metrics.Discarded.Inc()
		return
	}
	clear(buf[:cap(buf)])
	p.pool.Put(buf[:0]) //nolint:staticcheck // interface{} wrapping is the sync.Pool contract
	p.metrics.Returned.Inc()
}

func roundUp(n, align int) int {
	if n <= 0 {
		return align
	}
	return (n + align - 1) / align * align
}
