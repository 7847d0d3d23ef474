package rag

import (
	"context"
	"errors"
)

// ErrMissingNode is returned by GraphStore.MergeContains when either endpoint
// has not been merged yet.
var ErrMissingNode = errors.New("rag: graph node missing")

// transientError marks a store failure as safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so that [IsTransient] reports true. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a connectivity-class failure that a
// caller may retry: anything marked with [Transient], or a per-call deadline.
// Cancellation of the caller's context is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var t *transientError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
