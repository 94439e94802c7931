package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrNotFound is returned when a document is not found
	ErrNotFound = errors.New("document not found")
	// ErrOffline is returned when the remote connection is disabled or unreachable
	ErrOffline = errors.New("remote store offline")
	// ErrInvalidOperation is returned for malformed writes, e.g. an update without a document id
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrPermissionDenied is returned when the remote store refuses a write
	ErrPermissionDenied = errors.New("permission denied")
	// ErrCanceled is returned when the operation is canceled by the client
	ErrCanceled = errors.New("operation canceled")
)

// RejectedError is a definitive refusal by the remote store. Retrying the same
// write will not succeed, so callers must not queue it again.
type RejectedError struct {
	Code   int
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rejected by remote (%d): %s", e.Code, e.Reason)
	}
	return "rejected by remote: " + e.Reason
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Reject wraps err as a RejectedError.
func Reject(code int, reason string, err error) error {
	return &RejectedError{Code: code, Reason: reason, Err: err}
}

// IsRejected reports whether err is a definitive remote refusal.
func IsRejected(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return true
	}
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrInvalidOperation)
}

// IsTransient reports whether err is a connectivity failure worth retrying
// later. Anything that is not a rejection or a programmer error counts.
func IsTransient(err error) bool {
	if err == nil || IsRejected(err) {
		return false
	}
	if errors.Is(err, ErrOffline) || IsCanceled(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, ErrNotFound)
}

// WrapError wraps storage errors to model errors.
// It converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
// It checks both direct context errors and wrapped errors (e.g., from MongoDB driver).
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
