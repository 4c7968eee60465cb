package gcs

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go/provider"
)

func TestParseURI_SchemeForm(t *testing.T) {
	bucket, object, err := parseURI("gs://my-bucket/path/to/object.tif")
	require.NoError(t, err)
	require.Equal(t, "my-bucket", bucket)
	require.Equal(t, "path/to/object.tif", object)
}

func TestParseURI_VirtualHostedStyle(t *testing.T) {
	bucket, object, err := parseURI("https://my-bucket.storage.googleapis.com/object.tif")
	require.NoError(t, err)
	require.Equal(t, "my-bucket", bucket)
	require.Equal(t, "object.tif", object)
}

func TestParseURI_PathStyle(t *testing.T) {
	bucket, object, err := parseURI("https://storage.googleapis.com/my-bucket/object.tif")
	require.NoError(t, err)
	require.Equal(t, "my-bucket", bucket)
	require.Equal(t, "object.tif", object)
}

func TestParseURI_RejectsBucketRoot(t *testing.T) {
	_, _, err := parseURI("gs://my-bucket/")
	require.Error(t, err)
}

func TestGCSProvider_CanProcess(t *testing.T) {
	p := gcsProvider{}
	require.True(t, p.CanProcess(provider.Config{"uri": "gs://b/o"}))
	require.True(t, p.CanProcess(provider.Config{"uri": "https://storage.googleapis.com/b/o"}))
	require.False(t, p.CanProcess(provider.Config{"uri": "https://example.com/b/o"}))
}

func TestGCSProvider_CanProcessHeaders(t *testing.T) {
	p := gcsProvider{}
	h := http.Header{"x-goog-generation": []string{"1"}}
	require.True(t, p.CanProcessHeaders("", h))
	require.False(t, p.CanProcessHeaders("", http.Header{"Content-Length": []string{"10"}}))
}
