package azureblob

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/provider"
)

func init() {
	provider.Register(azureProvider{})
}

type azureProvider struct{}

func (azureProvider) ID() string { return "azure" }
func (azureProvider) Order() int { return 6 }

func (azureProvider) Params() []provider.Param {
	return []provider.Param{
		{Key: "uri", Type: provider.ParamURI, Group: "azure", Description: "azure://container/blob or an https://*.blob.core.windows.net URL"},
		{Key: "azure.connection_string", Type: provider.ParamString, Group: "azure"},
		{Key: "azure.account_name", Type: provider.ParamString, Group: "azure"},
		{Key: "azure.account_key", Type: provider.ParamString, Group: "azure"},
		{Key: "azure.sas_token", Type: provider.ParamString, Group: "azure"},
		{Key: "azure.endpoint", Type: provider.ParamURI, Group: "azure"},
	}
}

func (azureProvider) CanProcess(cfg provider.Config) bool {
	scheme := provider.ParseScheme(cfg.URI())
	if scheme == "azure" {
		return true
	}
	if scheme != "http" && scheme != "https" {
		return false
	}
	u, err := url.Parse(cfg.URI())
	if err != nil {
		return false
	}
	return strings.Contains(u.Host, ".blob.core.windows.net")
}

// CanProcessHeaders recognizes an Azure Blob response by its `x-ms-*`
// headers, distinguishing it from an S3 or GCS candidate also matching a
// generic https URL.
func (azureProvider) CanProcessHeaders(_ string, headers http.Header) bool {
	for key := range headers {
		if strings.HasPrefix(strings.ToLower(key), "x-ms-") {
			return true
		}
	}
	return false
}

func (azureProvider) Create(ctx context.Context, cfg provider.Config) (rangereader.Reader, error) {
	container, blob, accountURL, err := parseURI(cfg.URI())
	if err != nil {
		return nil, err
	}
	if e := cfg.String("azure.endpoint", ""); e != "" {
		accountURL = e
	}

	client, err := newClient(cfg, accountURL)
	if err != nil {
		return nil, rangereader.Wrap("configure", rangereader.KindInvalidArgument, err)
	}
	return New(ctx, client, container, blob)
}

// newClient builds an *azblob.Client from whichever credential form cfg
// supplies: a connection string, shared-key credentials, a SAS token baked
// into the URL, or (the fallback) ambient default Azure credentials.
func newClient(cfg provider.Config, accountURL string) (*azblob.Client, error) {
	if cs := cfg.String("azure.connection_string", ""); cs != "" {
		return azblob.NewClientFromConnectionString(cs, nil)
	}

	accountName := cfg.String("azure.account_name", "")
	if accountKey := cfg.String("azure.account_key", ""); accountName != "" && accountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
		if err != nil {
			return nil, err
		}
		return azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
	}

	if sas := cfg.String("azure.sas_token", ""); sas != "" {
		u := accountURL + "?" + strings.TrimPrefix(sas, "?")
		return azblob.NewClientWithNoCredential(u, nil)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return azblob.NewClient(accountURL, cred, nil)
}

// parseURI supports azure://container/blob and
// https://ACCOUNT.blob.core.windows.net/container/blob, returning the
// account endpoint URL alongside container/blob.
func parseURI(raw string) (container, blob, accountURL string, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return "", "", "", rangereader.Wrap("parse-uri", rangereader.KindInvalidArgument, parseErr)
	}

	switch u.Scheme {
	case "azure":
		container = u.Host
		trimmed := strings.TrimPrefix(u.Path, "/")
		if trimmed == "" {
			return "", "", "", rangereader.New("parse-uri", rangereader.KindInvalidArgument, "missing blob in uri")
		}
		blob = trimmed
		accountURL = ""
	case "http", "https":
		trimmed := strings.TrimPrefix(u.Path, "/")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) != 2 {
			return "", "", "", rangereader.New("parse-uri", rangereader.KindInvalidArgument, "missing container or blob in uri")
		}
		container, blob = parts[0], parts[1]
		accountURL = u.Scheme + "://" + u.Host
	default:
		return "", "", "", rangereader.New("parse-uri", rangereader.KindInvalidArgument, "unsupported scheme "+u.Scheme)
	}
	return container, blob, accountURL, nil
}
