package embedder

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrDimensionMismatch is returned when a backend produces vectors whose
// length differs from the configured dimensionality. It is a configuration
// error: retrying cannot fix it and the pipeline must stop.
var ErrDimensionMismatch = errors.New("embedder: embedding dimension mismatch")

// EmbedError is a failed call to an embedding backend.
type EmbedError struct {
	// Backend names the service that failed (openai, ollama).
	Backend string
	// Status is the HTTP status code, or 0 for transport failures.
	Status int
	// Retryable reports whether the same request may succeed later.
	Retryable bool
	// Err is the underlying cause.
	Err error
}

func (e *EmbedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s embedder: HTTP %d: %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("%s embedder: %v", e.Backend, e.Err)
}

func (e *EmbedError) Unwrap() error { return e.Err }

// statusError classifies a non-2xx response. Timeouts, throttling and server
// errors are retryable; every other client error is not.
func statusError(backend string, status int, msg string) *EmbedError {
	if msg == "" {
		msg = http.StatusText(status)
	}
	retryable := status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
	return &EmbedError{Backend: backend, Status: status, Retryable: retryable, Err: errors.New(msg)}
}

// transportError wraps a failure to reach the backend at all.
func transportError(backend string, err error) *EmbedError {
	return &EmbedError{Backend: backend, Retryable: true, Err: err}
}

// malformedError wraps a response that could not be understood.
func malformedError(backend string, err error) *EmbedError {
	return &EmbedError{Backend: backend, Err: err}
}

// IsRetryable reports whether err is an EmbedError marked retryable.
func IsRetryable(err error) bool {
	var ee *EmbedError
	return errors.As(err, &ee) && ee.Retryable
}
