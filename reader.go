package rangereader

import "context"

// Reader provides random access to a byte-addressable object.
//
// Implementations — backends and decorators alike — are value-owning
// collaborators: a decorator exclusively owns the Reader it wraps, and
// Close cascades from the outermost reader to the innermost. Readers may
// be called from many goroutines concurrently.
type Reader interface {
	// ReadAt reads up to len(dst) bytes starting at offset into dst and
	// returns the number of bytes read.
	//
	// ReadAt returns 0, nil when length (len(dst)) is 0, or when offset is
	// at or past Size() (only when Size is known). It returns fewer than
	// len(dst) bytes only at end-of-object; any other short read is an
	// error. Offset and length must be non-negative or ReadAt fails with
	// KindInvalidArgument.
	ReadAt(ctx context.Context, dst []byte, offset int64) (int, error)

	// Size returns the total size of the object, or ok=false when the
	// size is not cheaply discoverable (e.g. a plain HTTP source with no
	// HEAD support). Decorators that clip tail reads against Size degrade
	// gracefully to "unknown" by delegating tail-clipping to the backend.
	Size(ctx context.Context) (size int64, ok bool, err error)

	// SourceID returns a stable, unique identifier for the underlying
	// object, used to namespace cache keys across process restarts.
	SourceID() string

	// Close releases resources held by this reader and, for decorators,
	// cascades to the wrapped reader. Close is idempotent.
	Close() error
}

// Backend is the minimal surface a concrete backend implements. It is
// deliberately smaller than Reader: ReadAtRaw may assume 0 <= offset,
// 0 < len(dst), and — when SizeRaw reports ok — offset+len(dst) <= size.
// Base never calls ReadAtRaw outside those bounds.
//
// This is the reusable "template method" layer called out in the design
// notes: rather than a class hierarchy, backends embed *Base and supply
// only the four Raw hooks; Base supplies the validated, public Reader
// surface.
type Backend interface {
	ReadAtRaw(ctx context.Context, dst []byte, offset int64) (int, error)
	SizeRaw(ctx context.Context) (size int64, ok bool, err error)
	SourceIDRaw() string
	CloseRaw() error
}

// Base validates parameters and clamps against a known size before
// delegating to a wrapped Backend's Raw hooks. Embed *Base in a backend
// struct and implement the four Backend methods to get a conforming
// Reader for free.
type Base struct {
	backend Backend
}

// NewBase wraps backend with parameter validation and size clamping.
func NewBase(backend Backend) *Base {
	return &Base{backend: backend}
}

// ReadAt implements Reader, validating offset/length and clamping the
// request against Size before calling the backend's ReadAtRaw.
func (b *Base) ReadAt(ctx context.Context, dst []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, New("read", KindInvalidArgument, "negative offset")
	}
	length := len(dst)
	if length == 0 {
		return 0, nil
	}

	size, ok, err := b.backend.SizeRaw(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		if size < 0 {
			return 0, New("read", KindInvalidArgument, "negative size")
		}
		if offset >= size {
			return 0, nil
		}
		if offset+int64(length) > size {
			length = int(size - offset)
		}
	}

	return b.backend.ReadAtRaw(ctx, dst[:length], offset)
}

// Size implements Reader by delegating to the backend.
func (b *Base) Size(ctx context.Context) (int64, bool, error) {
	return b.backend.SizeRaw(ctx)
}

// SourceID implements Reader by delegating to the backend.
func (b *Base) SourceID() string {
	return b.backend.SourceIDRaw()
}

// Close implements Reader by delegating to the backend.
func (b *Base) Close() error {
	return b.backend.CloseRaw()
}

var _ Reader = (*Base)(nil)
