package flight_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go/flight"
	"github.com/tileverse-io/rangereader-go/internal/testutil"
)

func TestReader_CoalescesConcurrentIdenticalReads(t *testing.T) {
	data := testutil.PRNGContent(42, 65536)
	mem := testutil.NewMemoryReader("mem:1", data)
	slow := testutil.NewSlowReader(mem, 100*time.Millisecond)
	counting := testutil.NewCountingReader(slow)

	r, err := flight.Wrap(counting)
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

func TestReader_DistinctRangesNotCoalesced(t *testing.T) {
	data := testutil.PRNGContent(7, 4096)
	mem := testutil.NewMemoryReader("mem:2", data)
	counting := testutil.NewCountingReader(mem)

	r, err := flight.Wrap(counting)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf1 := make([]byte, 100)
	_, err = r.ReadAt(ctx, buf1, 0)
	require.NoError(t, err)

	buf2 := make([]byte, 100)
	_, err = r.ReadAt(ctx, buf2, 200)
	require.NoError(t, err)

	require.EqualValues(t, 2, counting.Calls())
}
