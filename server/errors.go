package server

import (
	"errors"
	"fmt"
)

var (
	ErrSessionQueueFull   = errors.New("session outgoing queue full")
	ErrSessionNotFound    = errors.New("session not found")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrSessionSuperseded  = errors.New("session superseded by a newer connection")
	ErrMissingAuthToken   = errors.New("missing session token")
	ErrInvalidAuthToken   = errors.New("invalid session token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrBatchKindUnknown   = errors.New("unknown batch event kind")
	ErrStoreUnavailable   = errors.New("durable store unavailable")
	ErrEnvelopeMalformed  = errors.New("malformed envelope")
	ErrEnvelopeUnexpected = errors.New("unexpected envelope message")
)

// Client-facing error codes carried in the error envelope.
const (
	ErrorCodeBadRequest   = 400
	ErrorCodeUnauthorized = 401
	ErrorCodeForbidden    = 403
	ErrorCodeNotFound     = 404
	ErrorCodeInternal     = 500
)

// apiError is an operation failure that maps onto a client error envelope.
// Operations inside the core return plain errors; the pipeline classifies
// them when a response must reach the originating connection.
type apiError struct {
	code int
	err  error
}

func (e *apiError) Error() string { return e.err.Error() }

func (e *apiError) Unwrap() error { return e.err }

func NewAPIError(code int, format string, args ...any) error {
	return &apiError{code: code, err: fmt.Errorf(format, args...)}
}

// ErrorCode classifies err into a client-facing status code.
func ErrorCode(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.code
	}
	switch {
	case errors.Is(err, ErrMissingAuthToken), errors.Is(err, ErrInvalidAuthToken):
		return ErrorCodeUnauthorized
	case errors.Is(err, ErrPermissionDenied):
		return ErrorCodeForbidden
	case errors.Is(err, ErrChannelNotFound), errors.Is(err, ErrIdentityNotFound), errors.Is(err, ErrSessionNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrEnvelopeMalformed), errors.Is(err, ErrEnvelopeUnexpected):
		return ErrorCodeBadRequest
	default:
		return ErrorCodeInternal
	}
}
