package blockalign_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go/blockalign"
	"github.com/tileverse-io/rangereader-go/internal/testutil"
)

func TestReader_WidensToBlockBoundary(t *testing.T) {
	data := testutil.PRNGContent(42, 200000)
	mem := testutil.NewMemoryReader("mem:1", data)
	counting := testutil.NewCountingReader(mem)

	r, err := blockalign.Wrap(counting, blockalign.WithBlockSize(65536))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf := make([]byte, 500)
	n, err := r.ReadAt(ctx, buf, 100)
	require.NoError(t, err)
	require.Equal(t, 500, n)
	require.Equal(t, data[100:600], buf)
	require.EqualValues(t, 1, counting.Calls())

	buf2 := make([]byte, 100)
	n, err = r.ReadAt(ctx, buf2, 200)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data[200:300], buf2)
	// blockalign has no cache of its own: the same block is re-fetched.
	// memcache in WithBlockSize mode, wrapping the backend directly, is what
	// collapses this second call; see memcache's tests for that composition.
	require.EqualValues(t, 2, counting.Calls())
}

func TestReader_SpansMultipleBlocks(t *testing.T) {
	data := testutil.PRNGContent(7, 200000)
	mem := testutil.NewMemoryReader("mem:2", data)
	counting := testutil.NewCountingReader(mem)

	r, err := blockalign.Wrap(counting, blockalign.WithBlockSize(65536))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf := make([]byte, 70000)
	n, err := r.ReadAt(ctx, buf, 60000)
	require.NoError(t, err)
	require.Equal(t, 70000, n)
	require.Equal(t, data[60000:130000], buf)
	require.EqualValues(t, 2, counting.Calls())
}

func TestReader_TailShorterThanBlock(t *testing.T) {
	data := testutil.PRNGContent(9, 100000)
	mem := testutil.NewMemoryReader("mem:3", data)

	r, err := blockalign.Wrap(mem, blockalign.WithBlockSize(65536))
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf := make([]byte, 50)
	n, err := r.ReadAt(ctx, buf, 99980)
	require.NoError(t, err)
	require.Equal(t, 20, n)
	require.Equal(t, data[99980:], buf[:20])
}
