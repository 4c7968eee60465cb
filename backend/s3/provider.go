package s3

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/tileverse-io/rangereader-go"
	"github.com/tileverse-io/rangereader-go/provider"
)

func init() {
	provider.Register(s3Provider{})
}

type s3Provider struct{}

func (s3Provider) ID() string { return "s3" }

// Order runs ahead of the generic http provider and the other object-store
// providers so a matching candidate is preferred before the HEAD-probe
// disambiguation step is even needed.
func (s3Provider) Order() int { return 5 }

func (s3Provider) Params() []provider.Param {
	return []provider.Param{
		{Key: "uri", Type: provider.ParamURI, Group: "s3", Description: "s3://bucket/key or an S3-compatible HTTPS URL"},
		{Key: "s3.region", Type: provider.ParamString, Group: "s3"},
		{Key: "s3.force_path_style", Type: provider.ParamBool, Default: false, Group: "s3"},
		{Key: "s3.endpoint", Type: provider.ParamURI, Group: "s3"},
		{Key: "aws.access_key_id", Type: provider.ParamString, Group: "aws"},
		{Key: "aws.secret_access_key", Type: provider.ParamString, Group: "aws"},
		{Key: "aws.use_default_credentials_provider", Type: provider.ParamBool, Default: true, Group: "aws"},
		{Key: "aws.default_profile", Type: provider.ParamString, Group: "aws"},
	}
}

func (s3Provider) CanProcess(cfg provider.Config) bool {
	scheme := provider.ParseScheme(cfg.URI())
	if scheme == "s3" {
		return true
	}
	if scheme != "http" && scheme != "https" {
		return false
	}
	u, err := url.Parse(cfg.URI())
	if err != nil {
		return false
	}
	return strings.Contains(u.Host, "amazonaws.com")
}

// CanProcessHeaders recognizes an AWS-flavored response by its `x-amz-*`
// headers, distinguishing it from a GCS or Azure candidate also matching a
// generic https URL.
func (s3Provider) CanProcessHeaders(_ string, headers http.Header) bool {
	for key := range headers {
		if strings.HasPrefix(strings.ToLower(key), "x-amz-") {
			return true
		}
	}
	return false
}

func (s3Provider) Create(ctx context.Context, cfg provider.Config) (rangereader.Reader, error) {
	bucket, key, endpoint, pathStyle, err := parseURI(cfg.URI())
	if err != nil {
		return nil, err
	}
	if e := cfg.String("s3.endpoint", ""); e != "" {
		endpoint = e
	}
	if cfg.Bool("s3.force_path_style", false) {
		pathStyle = true
	}

	client, err := ClientConfig(ctx, cfg.String("s3.region", ""), endpoint,
		cfg.String("aws.access_key_id", ""), cfg.String("aws.secret_access_key", ""), pathStyle)
	if err != nil {
		return nil, err
	}
	return New(ctx, client, bucket, key)
}

// parseURI implements the S3-compatible URI dispatch rules: s3://bucket/key,
// virtual-hosted and path-style AWS HTTPS URLs, and any other http(s) host
// treated as a path-style custom endpoint.
func parseURI(raw string) (bucket, key, endpoint string, pathStyle bool, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return "", "", "", false, rangereader.Wrap("parse-uri", rangereader.KindInvalidArgument, parseErr)
	}

	switch u.Scheme {
	case "s3":
		bucket = u.Host
		key = strings.TrimPrefix(u.Path, "/")
	case "http", "https":
		host := u.Host
		switch {
		case strings.Contains(host, ".s3.amazonaws.com") || strings.Contains(host, ".s3."):
			// virtual-hosted style: bucket.s3[.region].amazonaws.com
			idx := strings.Index(host, ".s3.")
			bucket = host[:idx]
			key = strings.TrimPrefix(u.Path, "/")
		case strings.HasPrefix(host, "s3.") && strings.HasSuffix(host, "amazonaws.com"),
			host == "s3.amazonaws.com":
			// path style: s3[.region].amazonaws.com/bucket/key
			trimmed := strings.TrimPrefix(u.Path, "/")
			parts := strings.SplitN(trimmed, "/", 2)
			if len(parts) != 2 {
				return "", "", "", false, rangereader.New("parse-uri", rangereader.KindInvalidArgument, "missing bucket or key in path-style uri")
			}
			bucket, key = parts[0], parts[1]
			pathStyle = true
		default:
			// custom endpoint: host[:port]/bucket/key, path style
			trimmed := strings.TrimPrefix(u.Path, "/")
			parts := strings.SplitN(trimmed, "/", 2)
			if len(parts) != 2 {
				return "", "", "", false, rangereader.New("parse-uri", rangereader.KindInvalidArgument, "missing bucket or key in custom endpoint uri")
			}
			bucket, key = parts[0], parts[1]
			endpoint = u.Scheme + "://" + host
			pathStyle = true
		}
	default:
		return "", "", "", false, rangereader.New("parse-uri", rangereader.KindInvalidArgument, "unsupported scheme "+u.Scheme)
	}

	key, unescapeErr := url.PathUnescape(key)
	if unescapeErr != nil {
		return "", "", "", false, rangereader.Wrap("parse-uri", rangereader.KindInvalidArgument, unescapeErr)
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return "", "", "", false, rangereader.New("parse-uri", rangereader.KindInvalidArgument, "uri does not reference an object")
	}
	return bucket, key, endpoint, pathStyle, nil
}
