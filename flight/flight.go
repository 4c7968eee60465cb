// Package flight coalesces concurrent identical reads into a single
// backend call using golang.org/x/sync/singleflight, keyed by the range
// key (source id, offset, length).
package flight

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tileverse-io/rangereader-go"
)

// Reader wraps an inner rangereader.Reader, deduplicating concurrent
// ReadAt calls that request the identical (offset, length) range.
//
// Single-flight only collapses calls whose range key matches exactly; a
// cache layer above a Reader is what turns partially-overlapping reads
// into hits. Reader is safe for concurrent use.
type Reader struct {
	*rangereader.Base

	inner rangereader.Reader
	group singleflight.Group
}

// result is shared between the fetching goroutine and its waiters; a
// waiter copies out of it rather than returning the shared backing array.
type result struct {
	data []byte
	n    int
}

// Wrap returns a Reader that single-flights reads against inner.
func Wrap(inner rangereader.Reader) (*Reader, error) {
	if inner == nil {
		return nil, rangereader.New("wrap", rangereader.KindInvalidArgument, "inner reader is nil")
	}
	r := &Reader{inner: inner}
	r.Base = rangereader.NewBase(r)
	return r, nil
}

// ReadAtRaw implements rangereader.Backend.
func (r *Reader) ReadAtRaw(ctx context.Context, dst []byte, offset int64) (int, error) {
	key := fmt.Sprintf("%s|%d|%d", r.inner.SourceID(), offset, len(dst))

	traceID := uuid.NewString()
	ch := r.group.DoChan(key, func() (any, error) {
		slog.Debug("flight: fetching", "trace_id", traceID, "key", key)
		buf := rangereader.DefaultPool.Get(len(dst))
		buf = buf[:len(dst)]
		n, err := r.inner.ReadAt(context.WithoutCancel(ctx), buf, offset)
		if err != nil {
			rangereader.DefaultPool.Put(buf)
			return nil, err
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		rangereader.DefaultPool.Put(buf)
		return result{data: out, n: n}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		rr := res.Val.(result) //nolint:errcheck // type asserted immediately after a nil-error singleflight result
		copy(dst, rr.data)
		return rr.n, nil
	case <-ctx.Done():
		return 0, rangereader.Wrap("read", rangereader.KindCancelled, ctx.Err())
	}
}

// SizeRaw implements rangereader.Backend.
func (r *Reader) SizeRaw(ctx context.Context) (int64, bool, error) { return r.inner.Size(ctx) }

// SourceIDRaw implements rangereader.Backend.
func (r *Reader) SourceIDRaw() string { return "flight:" + r.inner.SourceID() }

// CloseRaw implements rangereader.Backend.
func (r *Reader) CloseRaw() error { return r.inner.Close() }
