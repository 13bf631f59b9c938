package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/types"
)

// mockRetryStore implements RetryStore for testing.
type mockRetryStore struct {
	deadLettersFn func() ([]types.RetryRecord, error)
	reprocessFn   func(messageID string) (*types.RetryRecord, error)
}

func (m *mockRetryStore) DeadLetters() ([]types.RetryRecord, error) {
	if m.deadLettersFn != nil {
		return m.deadLettersFn()
	}
	return nil, nil
}

func (m *mockRetryStore) ReprocessDeadLetter(messageID string) (*types.RetryRecord, error) {
	if m.reprocessFn != nil {
		return m.reprocessFn(messageID)
	}
	return &types.RetryRecord{MessageID: messageID, Status: types.RetryPending}, nil
}

func newRetryRouter(store RetryStore) http.Handler {
	h := NewRetryHandler(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestListDeadLetters(t *testing.T) {
	store := &mockRetryStore{
		deadLettersFn: func() ([]types.RetryRecord, error) {
			return []types.RetryRecord{{
				MessageID:    "msg_dead_1",
				Destination:  types.ServiceAdvisor,
				Status:       types.RetryDeadLetter,
				AttemptCount: 5,
				MaxAttempts:  5,
				CreatedAt:    time.Now().UTC(),
			}}, nil
		},
	}
	router := newRetryRouter(store)

	w := doJSON(t, router, http.MethodGet, "/retries/dead-letter", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data []types.RetryRecord `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].MessageID != "msg_dead_1" {
		t.Errorf("unexpected records: %+v", resp.Data)
	}
}

func TestListDeadLetters_Empty(t *testing.T) {
	router := newRetryRouter(&mockRetryStore{})

	w := doJSON(t, router, http.MethodGet, "/retries/dead-letter", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// The data field must be an empty array, not null.
	var resp map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(resp["data"]) != "[]" {
		t.Errorf("expected empty array, got %s", resp["data"])
	}
}

func TestReprocess_Success(t *testing.T) {
	var gotID string
	store := &mockRetryStore{
		reprocessFn: func(messageID string) (*types.RetryRecord, error) {
			gotID = messageID
			return &types.RetryRecord{
				MessageID:    messageID,
				Destination:  types.ServiceJournal,
				Status:       types.RetryPending,
				AttemptCount: 0,
			}, nil
		},
	}
	router := newRetryRouter(store)

	w := doJSON(t, router, http.MethodPost, "/retries/dead-letter/msg_dead_2/reprocess", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotID != "msg_dead_2" {
		t.Errorf("expected msg_dead_2, got %s", gotID)
	}

	var resp struct {
		Data types.RetryRecord `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Data.AttemptCount != 0 {
		t.Errorf("expected reset attempt count, got %d", resp.Data.AttemptCount)
	}
	if resp.Data.Status != types.RetryPending {
		t.Errorf("expected pending status, got %s", resp.Data.Status)
	}
}

func TestReprocess_NotFound(t *testing.T) {
	store := &mockRetryStore{
		reprocessFn: func(messageID string) (*types.RetryRecord, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "no such dead-letter message", nil)
		},
	}
	router := newRetryRouter(store)

	w := doJSON(t, router, http.MethodPost, "/retries/dead-letter/ghost/reprocess", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := decodeError(t, w); code != string(types.ErrCodeNotFoundMessage) {
		t.Errorf("unexpected error code %s", code)
	}
}
