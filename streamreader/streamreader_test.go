package streamreader_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go/internal/testutil"
	"github.com/tileverse-io/rangereader-go/streamreader"
)

func TestReader_ReadsSequentially(t *testing.T) {
	data := testutil.PRNGContent(1, 5000)
	mem := testutil.NewMemoryReader("mem:1", data)

	r, err := streamreader.New(context.Background(), mem)
	require.NoError(t, err)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestReader_SmallReadsAdvanceCursor(t *testing.T) {
	data := testutil.PRNGContent(2, 1000)
	mem := testutil.NewMemoryReader("mem:2", data)

	r, err := streamreader.New(context.Background(), mem)
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 100)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data[0:100], buf)

	n, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data[100:200], buf)
}

func TestReader_SeekRepositionsCursor(t *testing.T) {
	data := testutil.PRNGContent(3, 1000)
	mem := testutil.NewMemoryReader("mem:3", data)

	r, err := streamreader.New(context.Background(), mem)
	require.NoError(t, err)
	defer r.Close()

	pos, err := r.Seek(500, io.SeekStart)
	require.NoError(t, err)
	require.EqualValues(t, 500, pos)

	buf := make([]byte, 100)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, data[500:600], buf)

	pos, err = r.Seek(-50, io.SeekEnd)
	require.NoError(t, err)
	require.EqualValues(t, 950, pos)
}

func TestReader_FailsAfterClose(t *testing.T) {
	data := testutil.PRNGContent(4, 100)
	mem := testutil.NewMemoryReader("mem:4", data)

	r, err := streamreader.New(context.Background(), mem)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	buf := make([]byte, 10)
	_, err = r.Read(buf)
	require.Error(t, err)

	_, err = r.Seek(0, io.SeekStart)
	require.Error(t, err)
}

func TestReader_DoesNotCloseInner(t *testing.T) {
	data := testutil.PRNGContent(5, 100)
	mem := testutil.NewMemoryReader("mem:5", data)

	r, err := streamreader.New(context.Background(), mem)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// The wrapped reader's lifetime is owned elsewhere; closing the
	// adapter must not cascade.
	buf := make([]byte, 10)
	_, err = mem.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
}
