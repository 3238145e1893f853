package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing coordinator errors.
type ErrorCode string

// Complete error code constants. All coordinator code MUST use these
// constants instead of hardcoded strings; the retry controller's
// transient/permanent decision is derived from them.
const (
	// Validation — malformed schedule or query configuration. Always permanent.
	ErrCodeValidationWindowDays ErrorCode = "validation_window_days_out_of_range"
	ErrCodeValidationWindowMode ErrorCode = "validation_invalid_window_mode"
	ErrCodeValidationCron       ErrorCode = "validation_invalid_cron_expression"
	ErrCodeValidationTimezone   ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationQuery      ErrorCode = "validation_invalid_query"
	ErrCodeValidationMissing    ErrorCode = "validation_missing_required_field"

	// Auth — credential provider outcomes. Revocation is permanent; a refresh
	// that fails in transit is transient.
	ErrCodeAuthTokenRevoked    ErrorCode = "auth_token_revoked"
	ErrCodeAuthDenied          ErrorCode = "auth_permanently_denied"
	ErrCodeAuthRefreshFailed   ErrorCode = "auth_refresh_unavailable"
	ErrCodeAuthTokenMissing    ErrorCode = "auth_token_missing"

	// Claim — normal race outcome between concurrent workers, not a failure.
	ErrCodeClaimConflict ErrorCode = "claim_conflict"

	// Upstream — the external analytics execution API.
	ErrCodeUpstreamRejected    ErrorCode = "upstream_query_rejected"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// Retryable reports whether an occurrence failing with this code should be
// retried in-process per the backoff schedule. Validation errors, permanent
// authorization denials, and upstream query rejections terminate the
// occurrence immediately; connectivity, rate-limit, and refresh-transport
// failures are retried.
func (c ErrorCode) Retryable() bool {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return false
	case c == ErrCodeAuthTokenRevoked, c == ErrCodeAuthDenied:
		return false
	case c == ErrCodeUpstreamRejected:
		return false
	case c == ErrCodeClaimConflict:
		return false
	case strings.HasPrefix(s, "upstream_"), c == ErrCodeAuthRefreshFailed:
		return true
	case strings.HasPrefix(s, "internal_"):
		return true
	default:
		return false
	}
}

// AppError is the standard application error type used throughout the
// coordinator. All domain errors should be expressed as AppError to enable
// consistent classification, structured logging, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error. This is the standard constructor for domain
// errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ErrClaimConflict is the sentinel returned when another worker already
// claimed the occurrence. It is a normal race outcome: never retried and
// never logged as a failure.
var ErrClaimConflict = NewAppError(ErrCodeClaimConflict, "occurrence already claimed by another worker", nil)

// IsClaimConflict reports whether err is (or wraps) a claim conflict.
func IsClaimConflict(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeClaimConflict
}

// IsRetryable classifies an arbitrary error for the retry controller.
// AppErrors classify by code; anything else (raw network errors, driver
// errors that escaped wrapping) is treated as transient, matching the
// taxonomy's default for connectivity failures.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code.Retryable()
	}
	return true
}

// CodeOf extracts the ErrorCode from an error chain, or
// ErrCodeInternalUnexpected when none is present.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
