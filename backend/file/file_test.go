package file_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/backend/file"
	"github.com/tileverse-io/rangereader-go/internal/testutil"
)

func writeFixture(t *testing.T, size int) string {
	t.Helper()
	content := testutil.PRNGContent(42, size)
	path := filepath.Join(t.TempDir(), "fixture.bin")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestReader_FullRead(t *testing.T) {
	const size = 200 * 1024
	path := writeFixture(t, size)
	want := testutil.PRNGContent(42, size)

	r, err := file.Open(path)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	gotSize, ok, err := r.Size(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, size, gotSize)

	head := make([]byte, 1024)
	n, err := r.ReadAt(ctx, head, 0)
	require.NoError(t, err)
	require.Equal(t, 1024, n)
	require.Equal(t, want[:1024], head)

	tail := make([]byte, 100)
	n, err = r.ReadAt(ctx, tail, int64(size-10))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, want[size-10:], tail[:10])
}

func TestReader_OffsetPastEnd(t *testing.T) {
	path := writeFixture(t, 100)
	r, err := file.Open(path)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 10)
	n, err := r.ReadAt(context.Background(), buf, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestReader_ZeroLength(t *testing.T) {
	path := writeFixture(t, 100)
	r, err := file.Open(path)
	require.NoError(t, err)
	defer r.Close()

	n, err := r.ReadAt(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestReader_NegativeOffset(t *testing.T) {
	path := writeFixture(t, 100)
	r, err := file.Open(path)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 10)
	_, err = r.ReadAt(context.Background(), buf, -1)
	require.Error(t, err)
	require.Equal(t, rangereader.KindInvalidArgument, rangereader.KindOf(err))
}

func TestReader_NotFound(t *testing.T) {
	_, err := file.Open(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
	require.Equal(t, rangereader.KindNotFound, rangereader.KindOf(err))
}

func TestReader_ConcurrentReads(t *testing.T) {
	const size = 1 << 20
	path := writeFixture(t, size)
	want := testutil.PRNGContent(42, size)

	r, err := file.Open(path)
	require.NoError(t, err)
	defer r.Close()

	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		off := int64(i * 1000)
		go func() {
			buf := make([]byte, 500)
			n, err := r.ReadAt(context.Background(), buf, off)
			if err != nil {
				errs <- err
				return
			}
			if n != 500 {
				errs <- fmt.Errorf("short read: got %d bytes", n)
				return
			}
			for j := 0; j < n; j++ {
				if buf[j] != want[off+int64(j)] {
					errs <- fmt.Errorf("content mismatch at offset %d", off+int64(j))
					return
				}
			}
			errs <- nil
		}()
	}
	for i := 0; i < 32; i++ {
		require.NoError(t, <-errs)
	}
}
