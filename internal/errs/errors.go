// Package errs defines the typed application errors shared by the chat
// service, WebSocket gateway, and REST fallback. Every rejected action
// carries a stable machine-readable code plus a human-readable reason;
// silent drops are not allowed anywhere in the pipeline.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error category with a stable wire value.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeMuted           Code = "MUTED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeValidation      Code = "VALIDATION"
	CodeNotFound        Code = "NOT_FOUND"
	CodeNotMuted        Code = "NOT_MUTED"
	CodeNotRaised       Code = "NOT_RAISED"
	CodeInternal        Code = "INTERNAL"
)

// AppError is the concrete error type carried across the service boundary.
type AppError struct {
	Code    Code
	Message string
	Cause   error

	// RetryAfterSeconds is a hint attached to RATE_LIMITED errors so
	// clients know when the window reopens. Zero means no hint.
	RetryAfterSeconds int
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is makes errors.Is match on code equality so sentinel-style checks work
// across wrapped errors.
func (e *AppError) Is(target error) bool {
	var ae *AppError
	if errors.As(target, &ae) {
		return e.Code == ae.Code
	}
	return false
}

// New creates an AppError with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Unauthenticated(msg string) *AppError { return New(CodeUnauthenticated, msg) }
func Forbidden(msg string) *AppError       { return New(CodeForbidden, msg) }
func Muted(msg string) *AppError           { return New(CodeMuted, msg) }
func Validation(msg string) *AppError      { return New(CodeValidation, msg) }
func NotFound(msg string) *AppError        { return New(CodeNotFound, msg) }
func NotMuted(msg string) *AppError        { return New(CodeNotMuted, msg) }
func NotRaised(msg string) *AppError       { return New(CodeNotRaised, msg) }
func Internal(msg string) *AppError        { return New(CodeInternal, msg) }

// RateLimited builds a RATE_LIMITED error with a retry hint in seconds.
func RateLimited(msg string, retryAfter int) *AppError {
	return &AppError{Code: CodeRateLimited, Message: msg, RetryAfterSeconds: retryAfter}
}

// CodeOf extracts the Code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
