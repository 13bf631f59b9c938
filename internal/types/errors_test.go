package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// TestAppErrorImplementsError verifies that *AppError satisfies the error interface.
func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

// TestAppErrorErrorFormat verifies the Error() method produces "code: message".
func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeServiceUnavailable,
		Message: "no healthy instance for character",
	}

	expected := "routing_service_unavailable: no healthy instance for character"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

// TestAppErrorUnwrap verifies the error chain support via Unwrap.
func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("connection refused")
	appErr := &AppError{
		Code:    ErrCodeDeliveryFailed,
		Message: "failed to deliver message",
		Err:     underlying,
	}

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() returned unexpected error: got %v, want %v", appErr.Unwrap(), underlying)
	}
}

// TestAppErrorErrorsAs verifies that errors.As can extract AppError from an error chain.
func TestAppErrorErrorsAs(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeEventConcurrency,
		Message: "stream version mismatch",
	}
	wrappedErr := fmt.Errorf("append failed: %w", appErr)

	var extracted *AppError
	if !errors.As(wrappedErr, &extracted) {
		t.Fatal("errors.As failed to extract AppError from wrapped chain")
	}
	if extracted.Code != ErrCodeEventConcurrency {
		t.Errorf("extracted code = %q, want %q", extracted.Code, ErrCodeEventConcurrency)
	}
}

// TestHTTPStatusMapping verifies the status mapping for each error category.
func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationInvalidMessage, http.StatusBadRequest},
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeNotFoundService, http.StatusNotFound},
		{ErrCodeNotFoundTransaction, http.StatusNotFound},
		{ErrCodeQueueOverflow, http.StatusTooManyRequests},
		{ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
		{ErrCodeCircuitOpen, http.StatusServiceUnavailable},
		{ErrCodeDeliveryFailed, http.StatusBadGateway},
		{ErrCodeRetryExhausted, http.StatusBadGateway},
		{ErrCodeEventConcurrency, http.StatusConflict},
		{ErrCodeTransactionState, http.StatusConflict},
		{ErrCodeTransactionPrepare, http.StatusInternalServerError},
		{ErrCodeEventStore, http.StatusInternalServerError},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_unknown"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

// TestWithDetailsDoesNotMutateOriginal verifies WithDetails returns a copy.
func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	orig := NewAppErrorWithDetails(ErrCodeCircuitOpen, "circuit open", nil,
		map[string]any{"destination": "campaign"})

	derived := orig.WithDetails(map[string]any{"retry_after": "30s"})

	if _, ok := orig.Details["retry_after"]; ok {
		t.Error("WithDetails mutated the original error's details")
	}
	if derived.Details["destination"] != "campaign" {
		t.Error("WithDetails dropped existing details")
	}
	if derived.Details["retry_after"] != "30s" {
		t.Error("WithDetails did not merge new details")
	}
}
