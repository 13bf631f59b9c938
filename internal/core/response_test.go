package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/greyhelm/messagehub/internal/types"
)

// --- JSON helper tests ---

func TestJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	data := APIResponse{Data: map[string]string{"name": "test"}}
	JSON(w, r, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	dataMap, ok := body.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected data to be a map, got %T", body.Data)
	}
	if dataMap["name"] != "test" {
		t.Errorf("expected name=test, got %v", dataMap["name"])
	}
}

func TestJSON_MarshalFailure(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	// Add request ID to context for verification.
	ctx := types.WithRequestID(r.Context(), "req-marshal-fail")
	r = r.WithContext(ctx)

	// Channels cannot be marshalled to JSON.
	unmarshalable := make(chan int)
	JSON(w, r, http.StatusOK, unmarshalable)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode fallback error: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	if errResp.Error.RequestID != "req-marshal-fail" {
		t.Errorf("expected request_id req-marshal-fail, got %s", errResp.Error.RequestID)
	}
}

// --- Error helper tests ---

func TestError_AppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-app-err"))

	appErr := types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
	Error(w, r, appErr)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeNotFoundTransaction) {
		t.Errorf("expected code %s, got %s", types.ErrCodeNotFoundTransaction, errResp.Error.Code)
	}
	if errResp.Error.Message != "transaction not found" {
		t.Errorf("unexpected message %q", errResp.Error.Message)
	}
	if errResp.Error.RequestID != "req-app-err" {
		t.Errorf("expected request_id req-app-err, got %s", errResp.Error.RequestID)
	}
}

func TestError_WrappedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	inner := types.NewAppError(types.ErrCodeQueueOverflow, "queue is full", nil)
	wrapped := errors.Join(errors.New("outer context"), inner)
	Error(w, r, wrapped)

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", resp.StatusCode)
	}
}

func TestError_GenericError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, errors.New("database exploded: secret details"))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}

	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	// Internal details must not leak to the client.
	if strings.Contains(errResp.Error.Message, "secret details") {
		t.Error("internal error details leaked into response message")
	}
}

// --- DecodeJSON tests ---

type decodeTarget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestDecodeJSON_Valid(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"hub","count":3}`))

	var dst decodeTarget
	if err := DecodeJSON(w, r, &dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dst.Name != "hub" || dst.Count != 3 {
		t.Errorf("unexpected decode result: %+v", dst)
	}
}

func TestDecodeJSON_EmptyBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	assertInvalidJSON(t, err)
}

func TestDecodeJSON_SyntaxError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	assertInvalidJSON(t, err)
}

func TestDecodeJSON_UnknownField(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x","bogus":true}`))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	assertInvalidJSON(t, err)
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("expected field name in error, got %v", err)
	}
}

func TestDecodeJSON_TypeMismatch(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"count":"not-a-number"}`))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	assertInvalidJSON(t, err)

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Details["field"] != "count" {
		t.Errorf("expected field detail count, got %v", appErr.Details["field"])
	}
}

func TestDecodeJSON_MultipleValues(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}{"name":"b"}`))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	assertInvalidJSON(t, err)
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	w := httptest.NewRecorder()

	// Build a body just over the 1MB limit.
	var buf bytes.Buffer
	buf.WriteString(`{"name":"`)
	buf.Write(bytes.Repeat([]byte("a"), maxRequestBodySize+1))
	buf.WriteString(`"}`)
	r := httptest.NewRequest(http.MethodPost, "/", &buf)

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	assertInvalidJSON(t, err)
}

func assertInvalidJSON(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Code != errCodeValidationInvalidJSON {
		t.Errorf("expected code %s, got %s", errCodeValidationInvalidJSON, appErr.Code)
	}
	if appErr.HTTPStatus() != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", appErr.HTTPStatus())
	}
}
