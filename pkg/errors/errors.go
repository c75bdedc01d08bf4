package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an AppError with the same code, so that
// errors.Is works against the predefined values below.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeUnauthorizedOrigin = "unauthorized_origin"
	ErrCodeNotFound           = "not_found"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeDuplicateRequest   = "duplicate_request"
	ErrCodeInvalidURL         = "invalid_url"
	ErrCodeWrongPassword      = "wrong_password"
	ErrCodeInvalidSignature   = "invalid_signature"
	ErrCodeDidNotFound        = "did_not_found"
	ErrCodeOnChainError       = "on_chain_error"
	ErrCodeCancelled          = "cancelled"
	ErrCodeRejected           = "rejected"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeInternalError      = "internal_error"
)

// Predefined errors
var (
	ErrUnauthorized = &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       ErrCodeBadRequest,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrCancelled is the fixed error a UI cancel command rejects with.
	ErrCancelled = &AppError{
		Code:       ErrCodeCancelled,
		Message:    "Cancelled",
		StatusCode: http.StatusConflict,
	}

	// ErrRejected is returned to a page whose request the user rejected.
	ErrRejected = &AppError{
		Code:       ErrCodeRejected,
		Message:    "Rejected",
		StatusCode: http.StatusForbidden,
	}

	ErrWrongPassword = &AppError{
		Code:       ErrCodeWrongPassword,
		Message:    "Unable to decode using the supplied passphrase",
		StatusCode: http.StatusUnauthorized,
	}

	ErrRateLimited = &AppError{
		Code:       ErrCodeRateLimited,
		Message:    "Rate limit exceeded",
		StatusCode: http.StatusTooManyRequests,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// NotFound creates a not found error naming the missing resource
func NotFound(what, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s not found", what),
		Detail:     id,
		StatusCode: http.StatusNotFound,
	}
}

// DuplicateRequest creates an error for a second pending authorization from one origin
func DuplicateRequest(origin string) *AppError {
	return &AppError{
		Code:       ErrCodeDuplicateRequest,
		Message:    "The source has a pending authorization request",
		Detail:     origin,
		StatusCode: http.StatusConflict,
	}
}

// InvalidURL creates an error for a url with a disallowed scheme
func InvalidURL(url string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidURL,
		Message:    "Invalid url",
		Detail:     url,
		StatusCode: http.StatusBadRequest,
	}
}

// UnauthorizedOrigin creates an error for a page that was never granted access
func UnauthorizedOrigin(origin, detail string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorizedOrigin,
		Message:    fmt.Sprintf("The source %s is not allowed to interact with this wallet", origin),
		Detail:     detail,
		StatusCode: http.StatusForbidden,
	}
}

// InvalidSignature creates an invalid signature error
func InvalidSignature(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidSignature,
		Message:    "Invalid signature",
		Detail:     detail,
		StatusCode: http.StatusUnauthorized,
	}
}

// DidNotFound creates an error for a DID missing from the local DID store
func DidNotFound(did string) *AppError {
	return &AppError{
		Code:       ErrCodeDidNotFound,
		Message:    "DID not found",
		Detail:     did,
		StatusCode: http.StatusNotFound,
	}
}

// OnChainError wraps a dispatch failure, a decoded chain error or a provider failure
func OnChainError(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeOnChainError,
		Message:    "On-chain submission failed",
		Detail:     detail,
		StatusCode: http.StatusBadGateway,
	}
}

// BadRequest creates a bad request error with detail
func BadRequest(detail string) *AppError {
	return NewWithDetail(ErrCodeBadRequest, "Invalid request parameters", detail, http.StatusBadRequest)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError carrying code
func HasCode(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}

// Wrap converts any error into an AppError, keeping AppErrors as they are
func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := IsAppError(err); ok {
		return appErr
	}
	return NewWithDetail(ErrCodeInternalError, "Internal server error", err.Error(), http.StatusInternalServerError)
}
