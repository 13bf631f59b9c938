package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidMessage ErrorCode = "validation_invalid_message"
	ErrCodeValidationInvalidURL     ErrorCode = "validation_invalid_url"
	ErrCodeValidationInvalidReplay  ErrorCode = "validation_invalid_replay_mode"

	// Not Found (404)
	ErrCodeNotFoundService     ErrorCode = "not_found_service"
	ErrCodeNotFoundInstance    ErrorCode = "not_found_instance"
	ErrCodeNotFoundTransaction ErrorCode = "not_found_transaction"
	ErrCodeNotFoundMessage     ErrorCode = "not_found_message"
	ErrCodeNotFoundStream      ErrorCode = "not_found_stream"

	// Routing (502/503)
	ErrCodeServiceUnavailable ErrorCode = "routing_service_unavailable"
	ErrCodeCircuitOpen        ErrorCode = "routing_circuit_open"
	ErrCodeDeliveryFailed     ErrorCode = "routing_delivery_failed"
	ErrCodeRetryExhausted     ErrorCode = "retry_exhausted"

	// Queueing (429)
	ErrCodeQueueOverflow ErrorCode = "queue_overflow"

	// Event store (409/500)
	ErrCodeEventConcurrency ErrorCode = "eventstore_concurrency_conflict"
	ErrCodeEventStore       ErrorCode = "eventstore_failure"

	// Transactions (409/500)
	ErrCodeTransactionState    ErrorCode = "transaction_invalid_state"
	ErrCodeTransactionPrepare  ErrorCode = "transaction_prepare_failed"
	ErrCodeTransactionCommit   ErrorCode = "transaction_commit_failed"
	ErrCodeTransactionRollback ErrorCode = "transaction_rollback_failed"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalStore      ErrorCode = "internal_store_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case s == string(ErrCodeQueueOverflow):
		return http.StatusTooManyRequests // 429
	case s == string(ErrCodeServiceUnavailable), s == string(ErrCodeCircuitOpen):
		return http.StatusServiceUnavailable // 503
	case s == string(ErrCodeDeliveryFailed), s == string(ErrCodeRetryExhausted):
		return http.StatusBadGateway // 502
	case s == string(ErrCodeEventConcurrency), s == string(ErrCodeTransactionState):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "transaction_"):
		return http.StatusInternalServerError // 500
	case strings.HasPrefix(s, "eventstore_"), strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the hub.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
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

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
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

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
