package model

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a subscription or connection is not found.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating an entity that already exists.
	ErrExists = errors.New("already exists")
	// ErrPermissionDenied is returned when a rule check denies an operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSubscriptionInvalid is returned when a subscribe request carries a
	// filter that fails static validation. No subscription is created.
	ErrSubscriptionInvalid = errors.New("invalid subscription")
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCanceled is returned when the operation is canceled by the caller.
	ErrCanceled = errors.New("operation canceled")
)

// WrapError converts context cancellation into ErrCanceled and passes
// everything else through.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled reports whether the error is due to context cancellation or
// deadline expiry, directly or wrapped.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCanceled)
}
