// Package errkind classifies pipeline failures so callers and schedulers can
// decide what to retry and what to report.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind names a class of failure.
type Kind string

const (
	Unknown            Kind = "Unknown"
	NotFound           Kind = "NotFound"
	AccessDenied       Kind = "AccessDenied"
	TransientIO        Kind = "TransientIO"
	LocalWriteError    Kind = "LocalWriteError"
	SchemaMismatch     Kind = "SchemaMismatch"
	MalformedPrice     Kind = "MalformedPrice"
	MalformedField     Kind = "MalformedField"
	DDLError           Kind = "DDLError"
	StageUploadError   Kind = "StageUploadError"
	CopyError          Kind = "CopyError"
	CopyPartialFailure Kind = "CopyPartialFailure"
	Locked             Kind = "Locked"
	Config             Kind = "Config"
	Canceled           Kind = "Canceled"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, errkind.E(errkind.NotFound)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// New wraps err with a kind. TransientIO errors and anything that ran out
// of time are retryable by default; an explicit cancellation is not.
func New(kind Kind, op string, err error) *Error {
	retryable := kind == TransientIO || errors.Is(err, context.DeadlineExceeded)
	return &Error{Kind: kind, Op: op, Retryable: retryable, Err: err}
}

// FromContext classifies a context error. A deadline is a step timeout and
// worth retrying; a cancellation means the operator stopped the run.
func FromContext(op string, err error) *Error {
	return New(Canceled, op, err)
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// E returns a bare sentinel for errors.Is comparisons.
func E(kind Kind) error { return &Error{Kind: kind} }

// WithRetry marks a classified error as retryable or not.
func WithRetry(err *Error, retryable bool) *Error {
	err.Retryable = retryable
	return err
}

// KindOf returns the outermost kind found in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled
	}
	return Unknown
}

// Retryable reports whether a scheduler may retry the failed step.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
