package s3

import (
	"errors"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type fakeAPIError struct{ code string }

func (f fakeAPIError) Error() string        { return f.code }
func (f fakeAPIError) ErrorCode() string    { return f.code }
func (f fakeAPIError) ErrorMessage() string { return f.code }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}

func TestIsRetryable(t *testing.T) {
	require.True(t, isRetryable(fakeAPIError{code: "SlowDown"}))
	require.True(t, isRetryable(fakeAPIError{code: "InternalError"}))
	require.False(t, isRetryable(fakeAPIError{code: "NoSuchKey"}))
	require.False(t, isRetryable(fakeAPIError{code: "AccessDenied"}))
	require.False(t, isRetryable(errors.New("some other error")))
}

func TestIsInvalidRange(t *testing.T) {
	require.True(t, isInvalidRange(fakeAPIError{code: "InvalidRange"}))
	require.False(t, isInvalidRange(fakeAPIError{code: "NoSuchKey"}))
}

func TestIsAccessDenied(t *testing.T) {
	require.True(t, isAccessDenied(fakeAPIError{code: "AccessDenied"}))
	require.False(t, isAccessDenied(fakeAPIError{code: "SlowDown"}))
}
