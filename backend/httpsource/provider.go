package httpsource

import (
	"context"
	"net/http"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/provider"
)

func init() {
	provider.Register(httpProvider{})
}

type httpProvider struct{}

func (httpProvider) ID() string { return "http" }
func (httpProvider) Order() int { return 10 }

func (httpProvider) Params() []provider.Param {
	return []provider.Param{
		{Key: "uri", Type: provider.ParamURI, Group: "http", Description: "http:// or https:// URL"},
		{Key: "http.auth.kind", Type: provider.ParamString, Default: "none", Group: "http", Subgroup: "auth",
			Description: "one of none, basic, bearer, api_key, digest, custom"},
		{Key: "http.auth.username", Type: provider.ParamString, Group: "http", Subgroup: "auth"},
		{Key: "http.auth.password", Type: provider.ParamString, Group: "http", Subgroup: "auth"},
		{Key: "http.auth.token", Type: provider.ParamString, Group: "http", Subgroup: "auth"},
		{Key: "http.auth.header_name", Type: provider.ParamString, Group: "http", Subgroup: "auth"},
	}
}

func (httpProvider) CanProcess(cfg provider.Config) bool {
	scheme := provider.ParseScheme(cfg.URI())
	return scheme == "http" || scheme == "https"
}

// CanProcessHeaders always accepts: the generic HTTP provider can serve any
// http(s) URL, whatever headers the probe response carries.
func (httpProvider) CanProcessHeaders(string, http.Header) bool { return true }

func (httpProvider) Create(ctx context.Context, cfg provider.Config) (rangereader.Reader, error) {
	opts := []Option{}
	switch cfg.String("http.auth.kind", "none") {
	case "basic":
		opts = append(opts, WithAuth(BasicAuth{
			Username: cfg.String("http.auth.username", ""),
			Password: cfg.String("http.auth.password", ""),
		}))
	case "bearer":
		opts = append(opts, WithAuth(BearerAuth{Token: cfg.String("http.auth.token", "")}))
	case "api_key":
		opts = append(opts, WithAuth(APIKeyAuth{
			Header: cfg.String("http.auth.header_name", "X-Api-Key"),
			Value:  cfg.String("http.auth.token", ""),
		}))
	case "digest":
		opts = append(opts, WithAuth(&DigestAuth{
			Username: cfg.String("http.auth.username", ""),
			Password: cfg.String("http.auth.password", ""),
		}))
	case "custom":
		headers := http.Header{}
		if name := cfg.String("http.auth.header_name", ""); name != "" {
			headers.Set(name, cfg.String("http.auth.token", ""))
		}
		opts = append(opts, WithAuth(CustomHeaders{Headers: headers}))
	}
	return New(ctx, cfg.URI(), opts...)
}
