package gcs

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/provider"
)

func init() {
	provider.Register(gcsProvider{})
}

type gcsProvider struct{}

func (gcsProvider) ID() string { return "gcs" }
func (gcsProvider) Order() int { return 7 }

func (gcsProvider) Params() []provider.Param {
	return []provider.Param{
		{Key: "uri", Type: provider.ParamURI, Group: "gcs", Description: "gs://bucket/object or a storage.googleapis.com URL"},
		{Key: "gcs.project_id", Type: provider.ParamString, Group: "gcs"},
		{Key: "gcs.quota_project_id", Type: provider.ParamString, Group: "gcs"},
		{Key: "gcs.use_default_application_credentials", Type: provider.ParamBool, Default: false, Group: "gcs"},
	}
}

func (gcsProvider) CanProcess(cfg provider.Config) bool {
	scheme := provider.ParseScheme(cfg.URI())
	if scheme == "gs" {
		return true
	}
	if scheme != "http" && scheme != "https" {
		return false
	}
	u, err := url.Parse(cfg.URI())
	if err != nil {
		return false
	}
	return u.Host == "storage.googleapis.com" || strings.HasSuffix(u.Host, ".storage.googleapis.com")
}

// CanProcessHeaders recognizes a GCS response by its `x-goog-*` headers,
// distinguishing it from an S3 or Azure candidate also matching a generic
// https URL.
func (gcsProvider) CanProcessHeaders(_ string, headers http.Header) bool {
	for key := range headers {
		if strings.HasPrefix(strings.ToLower(key), "x-goog-") {
			return true
		}
	}
	return false
}

func (gcsProvider) Create(ctx context.Context, cfg provider.Config) (rangereader.Reader, error) {
	bucket, object, err := parseURI(cfg.URI())
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if q := cfg.String("gcs.quota_project_id", ""); q != "" {
		opts = append(opts, option.WithQuotaProject(q))
	}
	if !cfg.Bool("gcs.use_default_application_credentials", false) {
		opts = append(opts, option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, rangereader.Wrap("configure", rangereader.KindInvalidArgument, err)
	}
	return New(ctx, client, bucket, object)
}

// parseURI supports gs://bucket/object and
// https://storage.googleapis.com/bucket/object (plus its
// BUCKET.storage.googleapis.com virtual-hosted form).
func parseURI(raw string) (bucket, object string, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return "", "", rangereader.Wrap("parse-uri", rangereader.KindInvalidArgument, parseErr)
	}

	switch u.Scheme {
	case "gs":
		bucket = u.Host
		object = strings.TrimPrefix(u.Path, "/")
	case "http", "https":
		if strings.HasSuffix(u.Host, ".storage.googleapis.com") {
			bucket = strings.TrimSuffix(u.Host, ".storage.googleapis.com")
			object = strings.TrimPrefix(u.Path, "/")
		} else {
			trimmed := strings.TrimPrefix(u.Path, "/")
			parts := strings.SplitN(trimmed, "/", 2)
			if len(parts) != 2 {
				return "", "", rangereader.New("parse-uri", rangereader.KindInvalidArgument, "missing bucket or object in uri")
			}
			bucket, object = parts[0], parts[1]
		}
	default:
		return "", "", rangereader.New("parse-uri", rangereader.KindInvalidArgument, "unsupported scheme "+u.Scheme)
	}

	object, unescapeErr := url.PathUnescape(object)
	if unescapeErr != nil {
		return "", "", rangereader.Wrap("parse-uri", rangereader.KindInvalidArgument, unescapeErr)
	}
	if object == "" || strings.HasSuffix(object, "/") {
		return "", "", rangereader.New("parse-uri", rangereader.KindInvalidArgument, "uri does not reference an object")
	}
	return bucket, object, nil
}
