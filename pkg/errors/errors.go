// Package errors provides structured error handling for Quasar.
//
// Every error carries a Kind from a closed enum. Retryability is decided
// by the Kind alone, never by matching message text or type names, so the
// orchestration layer can classify outcomes without string comparison.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories.
type Kind string

const (
	// KindInternal represents programming or invariant violations
	KindInternal Kind = "internal"
	// KindValidation represents invalid caller input
	KindValidation Kind = "validation"
	// KindConfig represents invalid destination or export configuration
	KindConfig Kind = "config"
	// KindConnection represents connection establishment or drop errors
	KindConnection Kind = "connection"
	// KindTimeout represents operation timeouts
	KindTimeout Kind = "timeout"
	// KindRateLimit represents throttling by an external service
	KindRateLimit Kind = "rate_limit"
	// KindPermission represents authorization failures at the destination
	KindPermission Kind = "permission"
	// KindData represents malformed or unconvertible data
	KindData Kind = "data"
	// KindSchema represents incompatible schema or cast failures
	KindSchema Kind = "schema"
)

// Error is a structured error with a kind, message, optional cause and
// free-form details.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a kind and message. Returns nil when
// err is nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the error represents a transient
// infrastructure failure the orchestration layer should retry whole.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindRateLimit:
		return true
	default:
		return false
	}
}

// IsKind checks whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
