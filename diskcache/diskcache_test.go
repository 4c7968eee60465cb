package diskcache_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go/diskcache"
	"github.com/tileverse-io/rangereader-go/internal/testutil"
)

func TestReader_ReusesCachedBlockAcrossOffsets(t *testing.T) {
	data := testutil.PRNGContent(1, 4096)
	mem := testutil.NewMemoryReader("mem:1", data)
	counting := testutil.NewCountingReader(mem)

	store, err := diskcache.Open(t.TempDir(), diskcache.WithFs(afero.NewMemMapFs()), diskcache.WithBlockSize(1024))
	require.NoError(t, err)
	defer store.Close()

	r, err := store.Wrap(counting)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf1 := make([]byte, 200)
	_, err = r.ReadAt(ctx, buf1, 100)
	require.NoError(t, err)
	require.Equal(t, data[100:300], buf1)
	require.EqualValues(t, 1, counting.Calls())

	buf2 := make([]byte, 100)
	_, err = r.ReadAt(ctx, buf2, 500)
	require.NoError(t, err)
	require.Equal(t, data[500:600], buf2)
	require.EqualValues(t, 1, counting.Calls())

	buf3 := make([]byte, 50)
	_, err = r.ReadAt(ctx, buf3, 1500)
	require.NoError(t, err)
	require.Equal(t, data[1500:1550], buf3)
	require.EqualValues(t, 2, counting.Calls())
}

func TestReader_SpansMultipleBlocks(t *testing.T) {
	data := testutil.PRNGContent(2, 5000)
	mem := testutil.NewMemoryReader("mem:2", data)
	counting := testutil.NewCountingReader(mem)

	store, err := diskcache.Open(t.TempDir(), diskcache.WithFs(afero.NewMemMapFs()), diskcache.WithBlockSize(1024))
	require.NoError(t, err)
	defer store.Close()

	r, err := store.Wrap(counting)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf := make([]byte, 2000)
	n, err := r.ReadAt(ctx, buf, 500)
	require.NoError(t, err)
	require.Equal(t, 2000, n)
	require.Equal(t, data[500:2500], buf)
	require.EqualValues(t, 3, counting.Calls())
}

func TestOpen_RejectsEmptyDir(t *testing.T) {
	_, err := diskcache.Open("")
	require.Error(t, err)
}

func TestOpen_RejectsNonPositiveBlockSize(t *testing.T) {
	_, err := diskcache.Open(t.TempDir(), diskcache.WithFs(afero.NewMemMapFs()), diskcache.WithBlockSize(0))
	require.Error(t, err)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	data := testutil.PRNGContent(3, 4096)

	store, err := diskcache.Open(dir, diskcache.WithBlockSize(1024))
	require.NoError(t, err)

	mem := testutil.NewMemoryReader("mem:3", data)
	counting := testutil.NewCountingReader(mem)
	r, err := store.Wrap(counting)
	require.NoError(t, err)

	ctx := context.Background()
	buf := make([]byte, 200)
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, counting.Calls())
	require.NoError(t, r.Close())
	require.NoError(t, store.Close())

	reopened, err := diskcache.Open(dir, diskcache.WithBlockSize(1024))
	require.NoError(t, err)
	defer reopened.Close()
	require.Greater(t, reopened.SizeBytes(), int64(0))

	counting2 := testutil.NewCountingReader(testutil.NewMemoryReader("mem:3", data))
	r2, err := reopened.Wrap(counting2)
	require.NoError(t, err)
	defer r2.Close()

	buf2 := make([]byte, 200)
	_, err = r2.ReadAt(ctx, buf2, 0)
	require.NoError(t, err)
	require.Equal(t, data[0:200], buf2)
	// The block written by the first Store is already on disk under the
	// same source ID and block key, so the reopened Store serves it
	// without touching the (fresh) inner reader.
	require.EqualValues(t, 0, counting2.Calls())
}

func TestStore_PruneEvictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	data := testutil.PRNGContent(4, 4096)

	store, err := diskcache.Open(dir, diskcache.WithBlockSize(1024), diskcache.WithMaxBytes(2048))
	require.NoError(t, err)
	defer store.Close()

	mem := testutil.NewMemoryReader("mem:4", data)
	counting := testutil.NewCountingReader(mem)
	r, err := store.Wrap(counting)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	for _, off := range []int64{0, 1024, 2048, 3072} {
		buf := make([]byte, 10)
		_, err := r.ReadAt(ctx, buf, off)
		require.NoError(t, err)
	}

	require.LessOrEqual(t, store.SizeBytes(), int64(2048))
}
