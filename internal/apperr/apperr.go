// Package apperr defines the typed errors returned across service and handler layers.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindCooldown             Kind = "cooldown"
	KindRateLimited          Kind = "rate_limited"
	KindOTPMismatch          Kind = "otp_mismatch"
	KindOTPExpired           Kind = "otp_expired"
	KindOTPLocked            Kind = "otp_locked"
	KindUnauthenticated      Kind = "unauthenticated"
	KindForbidden            Kind = "forbidden"
	KindVerificationRequired Kind = "verification_required"
	KindSuspicious           Kind = "suspicious_request"
	KindDependency           Kind = "dependency"
	KindConflict             Kind = "conflict"
	KindAccountLocked        Kind = "account_locked"
	KindDuplicateTarget      Kind = "duplicate_target"
	KindUnavailable          Kind = "unavailable"
	KindInternal             Kind = "internal"
)

// Error is the application error carried to the HTTP boundary
type Error struct {
	Kind              Kind
	Code              string
	Message           string
	Detail            string
	HTTPStatus        int
	RetryAfter        time.Duration
	AttemptsRemaining *int
	Err               error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg = msg + ": " + e.Detail
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so copies made by the With* helpers
// still satisfy errors.Is against the predefined values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

func (e *Error) WithAttempts(remaining int) *Error {
	cp := *e
	cp.AttemptsRemaining = &remaining
	return &cp
}

// RetryAfterSeconds rounds up so a sub-second wait is never reported as zero
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// From converts any error into an *Error, mapping unknown errors to ErrInternal
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return ErrInternal.WithCause(err)
}

// Dependency wraps a collaborator failure; deadline overruns surface as 504
func Dependency(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		cp := ErrDependency.WithCause(err)
		cp.HTTPStatus = http.StatusGatewayTimeout
		return cp
	}
	return ErrDependency.WithCause(err)
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

var (
	ErrValidation = &Error{
		Kind:       KindValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "request is malformed or has invalid fields",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNotFound = &Error{
		Kind:       KindNotFound,
		Code:       "NOT_FOUND",
		Message:    "resource not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrCooldown = &Error{
		Kind:       KindCooldown,
		Code:       "OTP_COOLDOWN",
		Message:    "a code was sent recently, wait before requesting another",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrRateLimited = &Error{
		Kind:       KindRateLimited,
		Code:       "RATE_LIMITED",
		Message:    "too many requests",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrOTPMismatch = &Error{
		Kind:       KindOTPMismatch,
		Code:       "OTP_MISMATCH",
		Message:    "verification code is incorrect",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrOTPExpired = &Error{
		Kind:       KindOTPExpired,
		Code:       "OTP_EXPIRED",
		Message:    "verification code has expired",
		HTTPStatus: http.StatusGone,
	}

	ErrOTPLocked = &Error{
		Kind:       KindOTPLocked,
		Code:       "OTP_LOCKED",
		Message:    "too many incorrect attempts, request a new code",
		HTTPStatus: http.StatusLocked,
	}

	ErrUnauthenticated = &Error{
		Kind:       KindUnauthenticated,
		Code:       "UNAUTHENTICATED",
		Message:    "authentication required",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbidden = &Error{
		Kind:       KindForbidden,
		Code:       "FORBIDDEN",
		Message:    "access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrVerificationRequired = &Error{
		Kind:       KindVerificationRequired,
		Code:       "VERIFICATION_REQUIRED",
		Message:    "account verification required for this action",
		HTTPStatus: http.StatusForbidden,
	}

	ErrSuspicious = &Error{
		Kind:       KindSuspicious,
		Code:       "SUSPICIOUS_REQUEST",
		Message:    "request rejected",
		HTTPStatus: http.StatusForbidden,
	}

	ErrDependency = &Error{
		Kind:       KindDependency,
		Code:       "DEPENDENCY_UNAVAILABLE",
		Message:    "an upstream dependency is unavailable",
		HTTPStatus: http.StatusBadGateway,
	}

	ErrConflict = &Error{
		Kind:       KindConflict,
		Code:       "CONFLICT",
		Message:    "concurrent modification, retry the request",
		HTTPStatus: http.StatusConflict,
	}

	ErrAccountLocked = &Error{
		Kind:       KindAccountLocked,
		Code:       "ACCOUNT_LOCKED",
		Message:    "account temporarily locked",
		HTTPStatus: http.StatusLocked,
	}

	ErrDuplicateTarget = &Error{
		Kind:       KindDuplicateTarget,
		Code:       "DUPLICATE_TARGET",
		Message:    "phone or email already registered",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrUnavailable = &Error{
		Kind:       KindUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "service unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrInternal = &Error{
		Kind:       KindInternal,
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}
)
