// Package apperror defines the typed outcomes every public operation returns.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller
type Kind string

const (
	KindNotFound                    Kind = "not_found"
	KindNoEligibleCandidate         Kind = "no_eligible_candidate"
	KindRoutingFailure              Kind = "routing_failure"
	KindConcurrentCapacityViolation Kind = "concurrent_capacity_violation"
	KindInvalidTransition           Kind = "invalid_transition"
	KindValidation                  Kind = "validation"
	KindForbidden                   Kind = "forbidden"
	KindInternal                    Kind = "internal"
)

// Error carries a kind, a machine-readable code and a message safe to show
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error whose code equals its kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: fmt.Sprintf(format, args...)}
}

// WithCode creates an error with a distinguishing code inside a kind
func WithCode(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidTransition(format string, args ...interface{}) *Error {
	return New(KindInvalidTransition, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func Internal(err error, format string, args ...interface{}) *Error {
	return Wrap(KindInternal, err, format, args...)
}

// KindOf returns the kind of err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
