// Package s3 provides a rangereader.Reader backed by an S3-compatible
// object store, using byte-range GetObject requests.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tileverse-io/rangereader-go"
)

// DefaultMaxRetries bounds retry attempts against transient S3 errors
// (throttling, 5xx) before surfacing KindNetwork.
const DefaultMaxRetries = 3

// DefaultInitialBackoff is the delay before the first retry.
const DefaultInitialBackoff = 100 * time.Millisecond

// DefaultMaxBackoff caps the exponential backoff between retries.
const DefaultMaxBackoff = 2 * time.Second

// Reader implements rangereader.Reader against a single S3 object.
type Reader struct {
	*rangereader.Base

	client *s3.Client
	bucket string
	key    string

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	size     int64
	etag     string
	sourceID string
	logger   *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithSourceID overrides the default source identifier used for caching.
func WithSourceID(id string) Option {
	return func(r *Reader) { r.sourceID = id }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(r *Reader) { r.maxRetries = n }
}

// WithBackoff overrides the default backoff schedule.
func WithBackoff(initial, max time.Duration) Option {
	return func(r *Reader) { r.initialBackoff, r.maxBackoff = initial, max }
}

// WithLogger sets the logger used for construction/retry diagnostics.
// Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// ClientConfig builds an *s3.Client from plain parameters, the way a caller
// assembling a URI-described backend (bucket/key/region/endpoint) would.
// An empty endpoint uses AWS's default resolution; pathStyle is required
// for most non-AWS S3-compatible stores (MinIO, etc).
func ClientConfig(ctx context.Context, region, endpoint, accessKeyID, secretAccessKey string, pathStyle bool) (*s3.Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(region))
	if accessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, rangereader.Wrap("configure", rangereader.KindInvalidArgument, err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	}), nil
}

// New constructs a Reader for bucket/key using client. Construction issues
// a HeadObject to resolve size and ETag up front.
func New(ctx context.Context, client *s3.Client, bucket, key string, opts ...Option) (*Reader, error) {
	r := &Reader{
		client:         client,
		bucket:         bucket,
		key:            key,
		maxRetries:     DefaultMaxRetries,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}

	head, err := r.headObject(ctx)
	if err != nil {
		return nil, err
	}
	if head.ContentLength != nil {
		r.size = *head.ContentLength
	} else {
		r.size = -1
	}
	if head.ETag != nil {
		r.etag = strings.Trim(*head.ETag, `"`)
	}
	if r.sourceID == "" {
		r.sourceID = r.defaultSourceID()
	}

	r.logger.Debug("s3: opened", "bucket", bucket, "key", key, "size", r.size, "source_id", r.sourceID)
	r.Base = rangereader.NewBase(r)
	return r, nil
}

// ReadAtRaw implements rangereader.Backend; offset/len(dst) arrive already
// validated and clamped to a known size.
func (r *Reader) ReadAtRaw(ctx context.Context, dst []byte, offset int64) (int, error) {
	end := offset + int64(len(dst)) - 1
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, end)

	var out *s3.GetObjectOutput
	err := r.retry(ctx, "read", func() error {
		var getErr error
		out, getErr = r.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(rangeHeader),
		})
		return getErr
	})
	if isInvalidRange(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer out.Body.Close() //nolint:errcheck // best-effort close after a successful read

	n, err := io.ReadFull(out.Body, dst)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, rangereader.Wrap("read", rangereader.KindNetwork, err)
	}
	return n, nil
}

// SizeRaw implements rangereader.Backend.
func (r *Reader) SizeRaw(context.Context) (int64, bool, error) {
	if r.size < 0 {
		return 0, false, nil
	}
	return r.size, true, nil
}

// SourceIDRaw implements rangereader.Backend.
func (r *Reader) SourceIDRaw() string { return r.sourceID }

// CloseRaw implements rangereader.Backend; the S3 client is shared and owns
// no per-Reader resources.
func (r *Reader) CloseRaw() error { return nil }

func (r *Reader) defaultSourceID() string {
	if r.etag != "" {
		return fmt.Sprintf("s3://%s/%s|etag:%s", r.bucket, r.key, r.etag)
	}
	return fmt.Sprintf("s3://%s/%s|size:%d", r.bucket, r.key, r.size)
}

func (r *Reader) headObject(ctx context.Context) (*s3.HeadObjectOutput, error) {
	var out *s3.HeadObjectOutput
	err := r.retry(ctx, "stat", func() error {
		var headErr error
		out, headErr = r.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
		})
		return headErr
	})
	return out, err
}

// retry runs fn with exponential backoff, classifying AWS errors into
// rangereader error kinds and stopping early on non-retryable failures.
func (r *Reader) retry(ctx context.Context, op string, fn func() error) error {
	backoff := r.initialBackoff
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return rangereader.Wrap(op, rangereader.KindCancelled, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isNotFound(lastErr) {
			return rangereader.Wrap(op, rangereader.KindNotFound, lastErr)
		}
		if isInvalidRange(lastErr) {
			return lastErr
		}
		if !isRetryable(lastErr) {
			break
		}
	}
	return classify(op, lastErr)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isAccessDenied(err) {
		return rangereader.Wrap(op, rangereader.KindAuthDenied, err)
	}
	return rangereader.Wrap(op, rangereader.KindNetwork, err)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "403":
			return true
		}
	}
	return false
}

func isInvalidRange(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidRange"
	}
	return false
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException",
			"InternalError", "ServiceUnavailable", "ServiceException", "InternalServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRange", "InvalidRequest":
			return false
		}
	}
	s := err.Error()
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "i/o timeout") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "500")
}
