package azureblob

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tileverse-io/rangereader-go/provider"
)

func TestParseURI_SchemeForm(t *testing.T) {
	container, blob, accountURL, err := parseURI("azure://my-container/path/to/blob.tif")
	require.NoError(t, err)
	require.Equal(t, "my-container", container)
	require.Equal(t, "path/to/blob.tif", blob)
	require.Equal(t, "", accountURL)
}

func TestParseURI_HTTPSForm(t *testing.T) {
	container, blob, accountURL, err := parseURI("https://myaccount.blob.core.windows.net/my-container/blob.tif")
	require.NoError(t, err)
	require.Equal(t, "my-container", container)
	require.Equal(t, "blob.tif", blob)
	require.Equal(t, "https://myaccount.blob.core.windows.net", accountURL)
}

func TestParseURI_RejectsMissingBlob(t *testing.T) {
	_, _, _, err := parseURI("azure://my-container")
	require.Error(t, err)
}

func TestAzureProvider_CanProcess(t *testing.T) {
	p := azureProvider{}
	require.True(t, p.CanProcess(provider.Config{"uri": "azure://c/b"}))
	require.True(t, p.CanProcess(provider.Config{"uri": "https://a.blob.core.windows.net/c/b"}))
	require.False(t, p.CanProcess(provider.Config{"uri": "https://example.com/c/b"}))
}

func TestAzureProvider_CanProcessHeaders(t *testing.T) {
	p := azureProvider{}
	h := http.Header{"x-ms-request-id": []string{"abc"}}
	require.True(t, p.CanProcessHeaders("", h))
	require.False(t, p.CanProcessHeaders("", http.Header{"Content-Length": []string{"10"}}))
}
