// Package azureblob provides a rangereader.Reader backed by an Azure Blob
// Storage container, using ranged DownloadStream calls.
package azureblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/tileverse-io/rangereader-go"
)

// DefaultMaxRetries bounds retry attempts against transient failures before
// surfacing KindNetwork.
const DefaultMaxRetries = 3

// DefaultInitialBackoff is the delay before the first retry.
const DefaultInitialBackoff = 100 * time.Millisecond

// DefaultMaxBackoff caps the exponential backoff between retries.
const DefaultMaxBackoff = 2 * time.Second

// Reader implements rangereader.Reader against a single Azure blob.
type Reader struct {
	*rangereader.Base

	client    *azblob.Client
	container string
	blob      string

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

// WithLogger sets the logger used for construction/retry diagnostics.
// Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// New constructs a Reader for container/blob using client. Construction
// issues a GetProperties call to resolve size and ETag up front.
func New(ctx context.Context, client *azblob.Client, container, blob string, opts ...Option) (*Reader, error) {
	r := &Reader{
		client:         client,
		container:      container,
		blob:           blob,
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

	props, err := r.getProperties(ctx)
	if err != nil {
		return nil, err
	}
	if props.ContentLength != nil {
		r.size = *props.ContentLength
	} else {
		r.size = -1
	}
	if props.ETag != nil {
		r.etag = string(*props.ETag)
	}
	if r.sourceID == "" {
		r.sourceID = r.defaultSourceID()
	}

	r.logger.Debug("azureblob: opened", "container", container, "blob", blob, "size", r.size, "source_id", r.sourceID)
	r.Base = rangereader.NewBase(r)
	return r, nil
}

// ReadAtRaw implements rangereader.Backend; offset/len(dst) arrive already
// validated and clamped to a known size.
func (r *Reader) ReadAtRaw(ctx context.Context, dst []byte, offset int64) (int, error) {
	count := int64(len(dst))

	var buf bytes.Buffer
	err := r.retry(ctx, "read", func() error {
		buf.Reset()
		resp, downloadErr := r.client.DownloadStream(ctx, r.container, r.blob, &azblob.DownloadStreamOptions{
			Range: blobRange{Offset: offset, Count: count},
		})
		if downloadErr != nil {
			return downloadErr
		}
		defer resp.Body.Close() //nolint:errcheck // best-effort close after read
		_, copyErr := io.Copy(&buf, resp.Body)
		return copyErr
	})
	if isInvalidRange(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return copy(dst, buf.Bytes()), nil
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

// CloseRaw implements rangereader.Backend; the Azure client is shared and
// owns no per-Reader resources.
func (r *Reader) CloseRaw() error { return nil }

func (r *Reader) defaultSourceID() string {
	if r.etag != "" {
		return fmt.Sprintf("azblob://%s/%s|etag:%s", r.container, r.blob, r.etag)
	}
	return fmt.Sprintf("azblob://%s/%s|size:%d", r.container, r.blob, r.size)
}

// blobProperties is the subset of GetProperties response fields this
// package reads.
type blobProperties struct {
	ContentLength *int64
	ETag          *azcore.ETag
}

func (r *Reader) getProperties(ctx context.Context) (blobProperties, error) {
	var props blobProperties
	err := r.retry(ctx, "stat", func() error {
		blobClient := r.client.ServiceClient().NewContainerClient(r.container).NewBlobClient(r.blob)
		resp, propErr := blobClient.GetProperties(ctx, nil)
		if propErr != nil {
			return propErr
		}
		props = blobProperties{ContentLength: resp.ContentLength, ETag: resp.ETag}
		return nil
	})
	return props, err
}

// blobRange adapts an offset/count pair to the SDK's HTTPRange type without
// importing the sdk/storage/azblob/blob subpackage solely for this struct.
type blobRange = azcore.HTTPRange

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
		if isAuthError(lastErr) {
			return rangereader.Wrap(op, rangereader.KindAuthDenied, lastErr)
		}
		if !isRetryable(lastErr) {
			break
		}
	}
	return rangereader.Wrap(op, rangereader.KindNetwork, lastErr)
}

func isNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound)
}

func isAuthError(err error) bool {
	return bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure, bloberror.InsufficientAccountPermissions)
}

func isInvalidRange(err error) bool {
	return bloberror.HasCode(err, bloberror.InvalidRange)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= 500 || respErr.StatusCode == 429
	}
	return true
}
