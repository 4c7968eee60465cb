package rangereader

import (
	"errors"
	"fmt"
)

// Kind classifies the cause of an Error so callers can switch on failure
// category instead of matching error strings.
type Kind int

const (
	// KindUnknown is the zero value; no *Error built by this module carries
	// it. KindOf returns it for nil and for errors with no *Error in their
	// chain.
	KindUnknown Kind = iota

	// KindInvalidArgument covers negative offsets/lengths, oversize
	// destinations, and malformed URIs or configuration.
	KindInvalidArgument

	// KindNotFound covers missing files/objects: 404, NoSuchKey, BlobNotFound.
	KindNotFound

	// KindAuthDenied covers 401/403, AccessDenied, AuthenticationFailed.
	KindAuthDenied

	// KindNetwork covers connection reset, timeout, DNS failure, and 5xx
	// responses after retries are exhausted.
	KindNetwork

	// KindProtocol covers malformed or inconsistent responses: wrong
	// Content-Length, truncated ranges, unparsable headers.
	KindProtocol

	// KindIO covers local filesystem errors in the file backend and in
	// disk cache writes.
	KindIO

	// KindCancelled covers caller-initiated or timeout cancellation.
	KindCancelled

	// KindUnavailable covers "no provider accepts this URI" and "the
	// chosen provider is disabled".
	KindUnavailable
)

// String returns a lowercase, stable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindAuthDenied:
		return "auth_denied"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindCancelled:
		return "cancelled"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every operation in this module and
// its subpackages. Op names the failing operation (e.g. "read",
// "dispatch", "open"); Kind classifies the failure; Err is the wrapped
// cause, if any.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rangereader: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("rangereader: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error whose cause is a plain error carrying msg.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Err: errors.New(msg)}
}

// Wrap builds an *Error around an existing cause. Wrap(op, kind, nil)
// returns nil, so it is safe to use as `return rangereader.Wrap(op, kind, err)`
// inside an `if err != nil` branch only.
func Wrap(op string, kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, walking Unwrap chains. Returns
// KindUnknown if err is nil or carries no *Error in its chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
