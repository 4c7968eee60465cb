// Package streamreader adapts a rangereader.Reader's positional ReadAt
// into a sequential io.Reader, for callers (decoders, io.Copy, and other
// stream-oriented consumers) that only need to walk an object forward
// once.
package streamreader

import (
	"context"
	"io"
	"sync"

	"github.com/tileverse-io/rangereader-go"
)

// Reader presents a rangereader.Reader as a sequential io.ReadCloser.
// Read advances an internal cursor; Close releases the adapter's own
// state but does not close the wrapped Reader, whose lifetime the caller
// owns independently.
//
// A Reader is safe for concurrent use, though concurrent Read calls will
// race over the shared cursor the way concurrent reads of any
// io.Reader would.
type Reader struct {
	ctx    context.Context
	inner  rangereader.Reader
	cursor int64

	mu     sync.Mutex
	closed bool
}

// New returns a Reader that walks inner forward from offset 0 using ctx
// for every underlying ReadAt call.
func New(ctx context.Context, inner rangereader.Reader) (*Reader, error) {
	if inner == nil {
		return nil, rangereader.New("new", rangereader.KindInvalidArgument, "inner reader is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Reader{ctx: ctx, inner: inner}, nil
}

// Read implements io.Reader, reading from the current cursor position
// and advancing it by the number of bytes returned.
func (r *Reader) Read(dst []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, rangereader.New("read", rangereader.KindIO, "stream reader closed")
	}
	if len(dst) == 0 {
		return 0, nil
	}

	size, ok, err := r.inner.Size(r.ctx)
	if err != nil {
		return 0, err
	}
	if ok && r.cursor >= size {
		return 0, io.EOF
	}

	n, err := r.inner.ReadAt(r.ctx, dst, r.cursor)
	r.cursor += int64(n)
	if err != nil {
		return n, err
	}
	if ok && r.cursor >= size {
		return n, io.EOF
	}
	return n, nil
}

// Seek implements io.Seeker by repositioning the cursor without issuing
// a read.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, rangereader.New("seek", rangereader.KindIO, "stream reader closed")
	}

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.cursor
	case io.SeekEnd:
		size, ok, err := r.inner.Size(r.ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, rangereader.New("seek", rangereader.KindInvalidArgument, "size unknown, cannot seek from end")
		}
		base = size
	default:
		return 0, rangereader.New("seek", rangereader.KindInvalidArgument, "invalid whence")
	}

	next := base + offset
	if next < 0 {
		return 0, rangereader.New("seek", rangereader.KindInvalidArgument, "negative resulting offset")
	}
	r.cursor = next
	return r.cursor, nil
}

// Close marks the adapter closed. It does not close the wrapped Reader.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

var (
	_ io.ReadCloser = (*Reader)(nil)
	_ io.Seeker     = (*Reader)(nil)
)
