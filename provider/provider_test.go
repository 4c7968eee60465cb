package provider_test

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/internal/testutil"
	"github.com/tileverse-io/rangereader-go/provider"
)

type fakeProvider struct {
	id      string
	order   int
	scheme  string
	headers func(uri string, h http.Header) bool
}

func (f *fakeProvider) ID() string      { return f.id }
func (f *fakeProvider) Order() int      { return f.order }
func (f *fakeProvider) Params() []provider.Param { return nil }

func (f *fakeProvider) CanProcess(cfg provider.Config) bool {
	return provider.ParseScheme(cfg.URI()) == f.scheme
}

func (f *fakeProvider) CanProcessHeaders(uri string, h http.Header) bool {
	if f.headers == nil {
		return true
	}
	return f.headers(uri, h)
}

func (f *fakeProvider) Create(context.Context, provider.Config) (rangereader.Reader, error) {
	return testutil.NewMemoryReader(f.id, []byte("data")), nil
}

func TestOpen_DispatchesByScheme(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()

	provider.Register(&fakeProvider{id: "file", order: 0, scheme: "file"})
	provider.Register(&fakeProvider{id: "http", order: 0, scheme: "http"})

	r, err := provider.Open(context.Background(), provider.Config{"uri": "file:///tmp/x"})
	require.NoError(t, err)
	require.Equal(t, "file", r.SourceID())
}

func TestOpen_ExplicitProviderIDOverridesScheme(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()

	provider.Register(&fakeProvider{id: "file", order: 0, scheme: "file"})
	provider.Register(&fakeProvider{id: "http", order: 0, scheme: "http"})

	r, err := provider.Open(context.Background(), provider.Config{
		"uri":         "file:///tmp/x",
		"provider_id": "http",
	})
	require.NoError(t, err)
	require.Equal(t, "http", r.SourceID())
}

func TestOpen_NoCandidatesFails(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()

	_, err := provider.Open(context.Background(), provider.Config{"uri": "s3://bucket/key"})
	require.Error(t, err)
	require.Equal(t, rangereader.KindUnavailable, rangereader.KindOf(err))
}

func TestOpen_UnknownExplicitProviderIDFails(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()

	provider.Register(&fakeProvider{id: "file", order: 0, scheme: "file"})

	_, err := provider.Open(context.Background(), provider.Config{
		"uri":         "file:///tmp/x",
		"provider_id": "nonexistent",
	})
	require.Error(t, err)
}

func TestEnabled_RespectsDisableEnvVar(t *testing.T) {
	require.True(t, provider.Enabled("s3"))

	t.Setenv("IO_TILEVERSE_RANGEREADER_S3", "false")
	require.False(t, provider.Enabled("s3"))
}

func TestOpen_SkipsDisabledProvider(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()

	provider.Register(&fakeProvider{id: "s3", order: 0, scheme: "s3"})

	err := os.Setenv("IO_TILEVERSE_RANGEREADER_S3", "false")
	require.NoError(t, err)
	defer os.Unsetenv("IO_TILEVERSE_RANGEREADER_S3") //nolint:errcheck

	_, err = provider.Open(context.Background(), provider.Config{"uri": "s3://bucket/key"})
	require.Error(t, err)
}

func TestConfig_TypedAccessors(t *testing.T) {
	cfg := provider.Config{
		"memory.cache.enabled":  true,
		"disk.cache.block_size": int64(1048576),
		"s3.region":             "us-east-1",
	}
	require.True(t, cfg.Bool("memory.cache.enabled", false))
	require.Equal(t, int64(1048576), cfg.Int64("disk.cache.block_size", 0))
	require.Equal(t, "us-east-1", cfg.String("s3.region", ""))
	require.Equal(t, "default", cfg.String("missing", "default"))
}

// countingProvider wraps its Create result in a testutil.CountingReader so
// tests can assert how many times the backend itself was actually read
// through whatever cache decorators Open layers on top.
type countingProvider struct {
	id     string
	scheme string
	data   []byte
	reader *testutil.CountingReader
}

func (p *countingProvider) ID() string                { return p.id }
func (p *countingProvider) Order() int                { return 0 }
func (p *countingProvider) Params() []provider.Param  { return nil }
func (p *countingProvider) CanProcess(cfg provider.Config) bool {
	return provider.ParseScheme(cfg.URI()) == p.scheme
}
func (p *countingProvider) CanProcessHeaders(string, http.Header) bool { return true }

func (p *countingProvider) Create(context.Context, provider.Config) (rangereader.Reader, error) {
	mem := testutil.NewMemoryReader(p.id, p.data)
	p.reader = testutil.NewCountingReader(mem)
	return p.reader, nil
}

func TestOpen_WrapsWithMemoryCache(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()

	data := testutil.PRNGContent(1, 4096)
	fake := &countingProvider{id: "fake", scheme: "fake", data: data}
	provider.Register(fake)

	r, err := provider.Open(context.Background(), provider.Config{
		"uri":                  "fake://bucket/key",
		"memory.cache.enabled": true,
	})
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf := make([]byte, 100)
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)

	require.EqualValues(t, 1, fake.reader.Calls())
}

func TestOpen_WrapsWithBlockAlignedMemoryCache(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()

	data := testutil.PRNGContent(2, 200000)
	fake := &countingProvider{id: "fake", scheme: "fake", data: data}
	provider.Register(fake)

	r, err := provider.Open(context.Background(), provider.Config{
		"uri":                        "fake://bucket/key",
		"memory.cache.enabled":       true,
		"memory.cache.block_aligned": true,
		"memory.cache.block_size":    int64(65536),
	})
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf1 := make([]byte, 500)
	_, err = r.ReadAt(ctx, buf1, 100)
	require.NoError(t, err)

	buf2 := make([]byte, 100)
	_, err = r.ReadAt(ctx, buf2, 200)
	require.NoError(t, err)

	// Both reads fall within the same 64KiB block, so the block-aligned
	// memory cache serves the second from its first fetch.
	require.EqualValues(t, 1, fake.reader.Calls())
}

func TestOpen_WrapsWithDiskCache(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()
	provider.ResetDiskStoresForTest()
	defer provider.ResetDiskStoresForTest()

	data := testutil.PRNGContent(3, 4096)
	fake := &countingProvider{id: "fake", scheme: "fake", data: data}
	provider.Register(fake)

	r, err := provider.Open(context.Background(), provider.Config{
		"uri":                "fake://bucket/key",
		"disk.cache.enabled": true,
		"disk.cache.dir":     t.TempDir(),
	})
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	buf := make([]byte, 100)
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	_, err = r.ReadAt(ctx, buf, 0)
	require.NoError(t, err)

	require.EqualValues(t, 1, fake.reader.Calls())
}

func TestOpen_DiskCacheRequiresDir(t *testing.T) {
	provider.ResetForTest()
	defer provider.ResetForTest()
	provider.ResetDiskStoresForTest()
	defer provider.ResetDiskStoresForTest()

	provider.Register(&countingProvider{id: "fake", scheme: "fake", data: []byte("x")})

	_, err := provider.Open(context.Background(), provider.Config{
		"uri":                "fake://bucket/key",
		"disk.cache.enabled": true,
	})
	require.Error(t, err)
}
