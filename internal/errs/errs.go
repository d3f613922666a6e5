// Package errs defines the error kinds shared by the publishing and
// invalidation packages.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks bad caller input. It is never worth retrying.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is the expected signal from an existence check.
	ErrNotFound = errors.New("not found")

	// ErrTransientIO marks a failed object-store or CDN call. Callers decide
	// whether to retry.
	ErrTransientIO = errors.New("i/o failure")

	// ErrConfiguration marks missing or invalid configuration.
	ErrConfiguration = errors.New("configuration error")
)

// Error records the operation and object an error happened on. It matches
// both its Kind and its cause with errors.Is and errors.As.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	target := e.Bucket
	if e.Key != "" {
		target = e.Bucket + "/" + e.Key
	}
	if target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, target, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IO wraps err as an ErrTransientIO failure of op on bucket/key.
func IO(op, bucket, key string, err error) error {
	return &Error{Op: op, Bucket: bucket, Key: key, Kind: ErrTransientIO, Err: err}
}

// Invalid returns an ErrInvalidRequest error for op with the given message.
func Invalid(op, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrInvalidRequest, Err: fmt.Errorf(format, args...)}
}

// Config returns an ErrConfiguration error with the given message.
func Config(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
