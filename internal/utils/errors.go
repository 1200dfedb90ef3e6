package utils

import (
	"errors"
	"fmt"
)

// Stable error codes carried by AppError and surfaced to RPC and tool callers.
const (
	CodeInvalid             = "invalid_argument"
	CodeNotFound            = "not_found"
	CodeAlreadyExists       = "already_exists"
	CodeSessionExpired      = "session_expired"
	CodeDeduplicationFailed = "deduplication_failed"
	CodeRateLimited         = "rate_limited"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal"
)

// AppError wraps an operation, stable code, human-facing message, and
// underlying error.
type AppError struct {
	Op   string
	Code string
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError with CodeInternal.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Code: CodeInternal, Msg: msg, Err: err}
}

// NewCodedError constructs an AppError with an explicit code.
func NewCodedError(op, code, msg string, err error) error {
	return &AppError{Op: op, Code: code, Msg: msg, Err: err}
}

// CodeOf returns the code of the outermost AppError in err, or CodeInternal.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return CodeInternal
}
