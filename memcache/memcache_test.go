package memcache_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go/internal/testutil"
	"github.com/tileverse-io/rangereader-go/memcache"
)

func TestReader_HitsOnExactRepeat(t *testing.T) {
	data := testutil.PRNGContent(42, 4096)
	mem := testutil.NewMemoryReader("mem:1", data)
	counting := testutil.NewCountingReader(mem)

	r, err := memcache.Wrap(counting)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf := make([]byte, 100)
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)

	require.EqualValues(t, 1, counting.Calls())
}

func TestReader_BlockSizeCollapsesReadsWithinSameBlock(t *testing.T) {
	data := testutil.PRNGContent(1, 200000)
	mem := testutil.NewMemoryReader("mem:2", data)
	counting := testutil.NewCountingReader(mem)

	// WithBlockSize puts the cache directly over the raw backend: it does
	// its own block-splitting and caches whole blocks by block index, so
	// any later read within an already-fetched block is a hit regardless
	// of its exact offset or length. Stacking this cache above a separate
	// blockalign.Reader would not do this, since that reader has no cache
	// of its own and this cache would still key by exact (offset, length).
	cached, err := memcache.Wrap(counting, memcache.WithBlockSize(65536))
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	buf1 := make([]byte, 500)
	_, err = cached.ReadAt(ctx, buf1, 100)
	require.NoError(t, err)
	require.Equal(t, data[100:600], buf1)

	buf2 := make([]byte, 100)
	_, err = cached.ReadAt(ctx, buf2, 200)
	require.NoError(t, err)
	require.Equal(t, data[200:300], buf2)

	require.EqualValues(t, 1, counting.Calls())
}

func TestReader_BlockSizeSpansMultipleBlocks(t *testing.T) {
	data := testutil.PRNGContent(4, 200000)
	mem := testutil.NewMemoryReader("mem:4", data)
	counting := testutil.NewCountingReader(mem)

	cached, err := memcache.Wrap(counting, memcache.WithBlockSize(65536))
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	buf := make([]byte, 70000)
	n, err := cached.ReadAt(ctx, buf, 60000)
	require.NoError(t, err)
	require.Equal(t, 70000, n)
	require.Equal(t, data[60000:130000], buf)
	require.EqualValues(t, 2, counting.Calls())

	// Repeating the same read spanning both blocks is a full hit: blocks 0
	// and 1 are both cached, so the backend is not read again.
	buf2 := make([]byte, 70000)
	_, err = cached.ReadAt(ctx, buf2, 60000)
	require.NoError(t, err)
	require.Equal(t, data[60000:130000], buf2)
	require.EqualValues(t, 2, counting.Calls())
}

func TestReader_MaxBytesEvicts(t *testing.T) {
	data := testutil.PRNGContent(3, 4096)
	mem := testutil.NewMemoryReader("mem:3", data)
	counting := testutil.NewCountingReader(mem)

	r, err := memcache.Wrap(counting, memcache.WithMaxBytes(150))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf := make([]byte, 100)
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	_, err = r.ReadAt(ctx, buf, 1000)
	require.NoError(t, err)

	// Both entries together (200 bytes) exceed the 150-byte bound, so the
	// first is evicted and re-fetched on repeat.
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, counting.Calls(), int64(3))
}

func TestReader_CoalescesConcurrentIdenticalReads(t *testing.T) {
	data := testutil.PRNGContent(9, 65536)
	mem := testutil.NewMemoryReader("mem:5", data)
	slow := testutil.NewSlowReader(mem, 100*time.Millisecond)
	counting := testutil.NewCountingReader(slow)

	r, err := memcache.Wrap(counting)
	require.NoError(t, err)
	defer r.Close()

	const workers = 32
	var wg sync.WaitGroup
	results := make([][]byte, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			buf := make([]byte, 65536)
			_, err := r.ReadAt(context.Background(), buf, 0)
			results[idx] = buf
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.True(t, bytes.Equal(data, results[i]))
	}
	require.EqualValues(t, 1, counting.Calls())
}

func TestReader_CoalescesConcurrentIdenticalBlockReads(t *testing.T) {
	data := testutil.PRNGContent(11, 65536)
	mem := testutil.NewMemoryReader("mem:6", data)
	slow := testutil.NewSlowReader(mem, 100*time.Millisecond)
	counting := testutil.NewCountingReader(slow)

	r, err := memcache.Wrap(counting, memcache.WithBlockSize(65536))
	require.NoError(t, err)
	defer r.Close()

	const workers = 32
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			buf := make([]byte, 100)
			_, err := r.ReadAt(context.Background(), buf, int64(idx*100))
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}
	require.EqualValues(t, 1, counting.Calls())
}
