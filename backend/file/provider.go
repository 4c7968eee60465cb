package file

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/provider"
)

func init() {
	provider.Register(fileProvider{})
}

type fileProvider struct{}

func (fileProvider) ID() string { return "file" }
func (fileProvider) Order() int { return 0 }

func (fileProvider) Params() []provider.Param {
	return []provider.Param{
		{Key: "uri", Type: provider.ParamPath, Group: "file", Description: "file:// URI or filesystem path"},
	}
}

func (fileProvider) CanProcess(cfg provider.Config) bool {
	scheme := provider.ParseScheme(cfg.URI())
	return scheme == "" || scheme == "file"
}

// CanProcessHeaders never applies: the file provider has no competing
// scheme to disambiguate against via an HTTP probe.
func (fileProvider) CanProcessHeaders(string, http.Header) bool { return true }

func (fileProvider) Create(_ context.Context, cfg provider.Config) (rangereader.Reader, error) {
	path := cfg.URI()
	if u, err := url.Parse(path); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	return Open(path)
}
