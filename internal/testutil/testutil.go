// Package testutil provides deterministic fixtures shared by this
// module's package tests: a seeded PRNG content generator, an in-memory
// Reader, and call-counting/slow wrappers used to exercise block
// alignment, caching, and single-flight coalescing.
package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tileverse-io/rangereader-go"
)

// PRNGContent deterministically generates size bytes from seed, so tests
// can assert on specific byte ranges without keeping a fixture file.
func PRNGContent(seed int64, size int) []byte {
	r := rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic test fixture, not security sensitive
	buf := make([]byte, size)
	_, _ = r.Read(buf) //nolint:errcheck // math/rand.Read never fails
	return buf
}

// MemoryReader implements rangereader.Reader directly over a byte slice.
type MemoryReader struct {
	mu       sync.RWMutex
	data     []byte
	id       string
	closed   bool
	closeErr error
}

// NewMemoryReader returns a Reader serving data under the given source ID.
func NewMemoryReader(id string, data []byte) *MemoryReader {
	return &MemoryReader{data: data, id: id}
}

// ReadAt implements rangereader.Reader.
func (m *MemoryReader) ReadAt(_ context.Context, dst []byte, offset int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, rangereader.New("read", rangereader.KindIO, "reader closed")
	}
	if offset < 0 {
		return 0, rangereader.New("read", rangereader.KindInvalidArgument, "negative offset")
	}
	if offset >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(dst, m.data[offset:])
	return n, nil
}

// Size implements rangereader.Reader.
func (m *MemoryReader) Size(context.Context) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), true, nil
}

// SourceID implements rangereader.Reader.
func (m *MemoryReader) SourceID() string { return m.id }

// Close implements rangereader.Reader.
func (m *MemoryReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.closeErr
}

// Bytes returns the backing content (read-only use expected).
func (m *MemoryReader) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// CountingReader wraps a Reader and counts calls to ReadAt, so tests can
// assert a backend was invoked at most once despite many concurrent
// callers (single-flight) or exactly once per aligned block (block
// alignment).
type CountingReader struct {
	rangereader.Reader
	calls atomic.Int64
}

// NewCountingReader wraps inner with an invocation counter.
func NewCountingReader(inner rangereader.Reader) *CountingReader {
	return &CountingReader{Reader: inner}
}

// ReadAt delegates to the wrapped reader, incrementing Calls first.
func (c *CountingReader) ReadAt(ctx context.Context, dst []byte, offset int64) (int, error) {
	c.calls.Add(1)
	return c.Reader.ReadAt(ctx, dst, offset)
}

// Calls returns the number of ReadAt invocations observed so far.
func (c *CountingReader) Calls() int64 { return c.calls.Load() }

// SlowReader wraps a Reader and sleeps before each ReadAt, to create
// contention windows for single-flight tests.
type SlowReader struct {
	rangereader.Reader
	Delay time.Duration
}

// NewSlowReader wraps inner, sleeping delay before each ReadAt.
func NewSlowReader(inner rangereader.Reader, delay time.Duration) *SlowReader {
	return &SlowReader{Reader: inner, Delay: delay}
}

// ReadAt sleeps Delay, then delegates to the wrapped reader.
func (s *SlowReader) ReadAt(ctx context.Context, dst []byte, offset int64) (int, error) {
	select {
	case <-time.After(s.Delay):
	case <-ctx.Done():
		return 0, fmt.Errorf("slow reader: %w", ctx.Err())
	}
	return s.Reader.ReadAt(ctx, dst, offset)
}
