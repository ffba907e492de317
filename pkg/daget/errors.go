package daget

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers: validation and conflict errors map to
// 4xx responses and are never retried, retryable errors are retried by the
// settlement worker up to its attempt cap, invariant errors abort the
// surrounding transaction.
type Code string

const (
	CodeValidation  Code = "validation"
	CodeConflict    Code = "conflict"
	CodeNotFound    Code = "not_found"
	CodeAuth        Code = "auth"
	CodeRateLimited Code = "rate_limited"
	CodeRetryable   Code = "retryable_infra"
	CodeInvariant   Code = "invariant_violation"
)

// Error is a coded domain error. The message is safe to show to callers;
// wrapped causes are for logs only.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newError(CodeValidation, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newError(CodeConflict, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

func Authf(format string, args ...any) *Error {
	return newError(CodeAuth, format, args...)
}

func RateLimitedf(format string, args ...any) *Error {
	return newError(CodeRateLimited, format, args...)
}

func Invariantf(format string, args ...any) *Error {
	return newError(CodeInvariant, format, args...)
}

// Retryablef wraps a transient infra failure (ledger, signer, network) so the
// worker knows another attempt may succeed.
func Retryablef(cause error, format string, args ...any) *Error {
	return &Error{Code: CodeRetryable, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf returns the domain code of err, or empty if err is not a domain
// error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsConflict(err error) bool  { return CodeOf(err) == CodeConflict }
func IsNotFound(err error) bool  { return CodeOf(err) == CodeNotFound }
func IsRetryable(err error) bool { return CodeOf(err) == CodeRetryable }
