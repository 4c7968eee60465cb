// Package gcs provides a rangereader.Reader backed by a Google Cloud
// Storage object, using ranged NewRangeReader calls.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/tileverse-io/rangereader-go"
)

// DefaultMaxRetries bounds retry attempts against transient failures before
// surfacing KindNetwork. The GCS client library already retries idempotent
// requests internally; this layer adds a thin outer retry for the cases it
// leaves to the caller (e.g. a reader stream breaking mid-copy).
const DefaultMaxRetries = 3

// DefaultInitialBackoff is the delay before the first retry.
const DefaultInitialBackoff = 100 * time.Millisecond

// DefaultMaxBackoff caps the exponential backoff between retries.
const DefaultMaxBackoff = 2 * time.Second

// Reader implements rangereader.Reader against a single GCS object.
type Reader struct {
	*rangereader.Base

	obj *storage.ObjectHandle

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	size     int64
	etag     string
	bucket   string
	object   string
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

// WithLogger sets the logger used for construction/retry diagnostics.
// Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// New constructs a Reader for bucket/object using client. Construction
// issues an Attrs call to resolve size and ETag up front.
func New(ctx context.Context, client *storage.Client, bucket, object string, opts ...Option) (*Reader, error) {
	r := &Reader{
		obj:            client.Bucket(bucket).Object(object),
		bucket:         bucket,
		object:         object,
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

	attrs, err := r.attrs(ctx)
	if err != nil {
		return nil, err
	}
	r.size = attrs.Size
	r.etag = attrs.Etag
	if r.sourceID == "" {
		r.sourceID = r.defaultSourceID()
	}

	r.logger.Debug("gcs: opened", "bucket", bucket, "object", object, "size", r.size, "source_id", r.sourceID)
	r.Base = rangereader.NewBase(r)
	return r, nil
}

// ReadAtRaw implements rangereader.Backend; offset/len(dst) arrive already
// validated and clamped to a known size.
func (r *Reader) ReadAtRaw(ctx context.Context, dst []byte, offset int64) (int, error) {
	var n int
	err := r.retry(ctx, "read", func() error {
		reader, openErr := r.obj.NewRangeReader(ctx, offset, int64(len(dst)))
		if openErr != nil {
			return openErr
		}
		defer reader.Close() //nolint:errcheck // best-effort close after read

		var readErr error
		n, readErr = io.ReadFull(reader, dst)
		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			return nil
		}
		return readErr
	})
	if err != nil {
		return 0, err
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

// CloseRaw implements rangereader.Backend; the GCS client is shared and
// owns no per-Reader resources.
func (r *Reader) CloseRaw() error { return nil }

func (r *Reader) defaultSourceID() string {
	if r.etag != "" {
		return fmt.Sprintf("gs://%s/%s|etag:%s", r.bucket, r.object, r.etag)
	}
	return fmt.Sprintf("gs://%s/%s|size:%d", r.bucket, r.object, r.size)
}

func (r *Reader) attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	var attrs *storage.ObjectAttrs
	err := r.retry(ctx, "stat", func() error {
		var attrErr error
		attrs, attrErr = r.obj.Attrs(ctx)
		return attrErr
	})
	return attrs, err
}

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
		if errors.Is(lastErr, storage.ErrObjectNotExist) {
			return rangereader.Wrap(op, rangereader.KindNotFound, lastErr)
		}
		if isAuthError(lastErr) {
			return rangereader.Wrap(op, rangereader.KindAuthDenied, lastErr)
		}
		if !isRetryable(lastErr) {
			break
		}
	}
	return rangereader.Wrap(op, rangereader.KindNetwork, lastErr)
}

func isAuthError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 401 || apiErr.Code == 403
	}
	return false
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == 429
	}
	return true
}
