// Package blockalign widens reads to block boundaries before delegating to
// an inner reader, so the inner reader only ever receives whole-block
// requests (one per block touched; the object's final block may be
// shorter).
//
// Composition: blockalign caches nothing itself. An exact-range cache
// placed above it, cache(blockalign.Wrap(backend)), is still keyed by each
// caller's (offset, length) and misses on differently-offset reads inside
// one block; memcache's WithBlockSize mode, wrapping the backend directly,
// caches whole blocks instead.
package blockalign

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tileverse-io/rangereader-go"
)

// DefaultBlockSize matches the spec's default in-memory block alignment
// size.
const DefaultBlockSize = 65536

// Reader widens every ReadAt to its containing block boundaries, reads the
// full block(s) from the inner reader, and slices the requested range back
// out before returning.
type Reader struct {
	*rangereader.Base

	inner     rangereader.Reader
	blockSize int64
	logger    *slog.Logger
}

// Option configures a Reader.
type Option func(*options)

type options struct {
	blockSize int64
	logger    *slog.Logger
}

// WithBlockSize overrides DefaultBlockSize. Panics are avoided; a
// non-positive size is rejected by Wrap.
func WithBlockSize(n int64) Option {
	return func(o *options) { o.blockSize = n }
}

// WithLogger sets the logger used for widen diagnostics. Defaults to a
// discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Wrap returns a Reader that block-aligns reads against inner.
func Wrap(inner rangereader.Reader, opts ...Option) (*Reader, error) {
	if inner == nil {
		return nil, rangereader.New("wrap", rangereader.KindInvalidArgument, "inner reader is nil")
	}
	o := options{blockSize: DefaultBlockSize, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.blockSize <= 0 {
		return nil, rangereader.New("wrap", rangereader.KindInvalidArgument, "block size must be > 0")
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	r := &Reader{inner: inner, blockSize: o.blockSize, logger: o.logger}
	r.Base = rangereader.NewBase(r)
	return r, nil
}

// ReadAtRaw implements rangereader.Backend.
func (r *Reader) ReadAtRaw(ctx context.Context, dst []byte, offset int64) (int, error) {
	size, sizeKnown, err := r.inner.Size(ctx)
	if err != nil {
		return 0, err
	}

	requestedEnd := offset + int64(len(dst))
	startBlock := offset / r.blockSize
	endBlock := (requestedEnd - 1) / r.blockSize

	var total int
	for block := startBlock; block <= endBlock; block++ {
		blockStart := block * r.blockSize
		blockEnd := blockStart + r.blockSize
		if sizeKnown && blockEnd > size {
			blockEnd = size
		}
		blockLen := blockEnd - blockStart
		if blockLen <= 0 {
			break
		}

		buf := rangereader.DefaultPool.Get(int(blockLen))
		n, err := r.inner.ReadAt(ctx, buf[:blockLen], blockStart)
		if err != nil {
			rangereader.DefaultPool.Put(buf)
			return total, err
		}

		copyStart := max(offset, blockStart)
		copyEnd := min(requestedEnd, blockStart+int64(n))
		if copyEnd > copyStart {
			srcOff := copyStart - blockStart
			dstOff := copyStart - offset
			copy(dst[dstOff:dstOff+(copyEnd-copyStart)], buf[srcOff:copyEnd-blockStart])
			total += int(copyEnd - copyStart)
		}
		rangereader.DefaultPool.Put(buf)

		if int64(n) < blockLen {
			r.logger.Debug("blockalign: short block, stopping early", "block", block, "want", blockLen, "got", n)
			break
		}
	}
	return total, nil
}

// SizeRaw implements rangereader.Backend.
func (r *Reader) SizeRaw(ctx context.Context) (int64, bool, error) { return r.inner.Size(ctx) }

// SourceIDRaw implements rangereader.Backend.
func (r *Reader) SourceIDRaw() string {
	return fmt.Sprintf("align:%d:%s", r.blockSize, r.inner.SourceID())
}

// CloseRaw implements rangereader.Backend.
func (r *Reader) CloseRaw() error { return r.inner.Close() }
