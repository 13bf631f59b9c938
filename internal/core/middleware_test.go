package core

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/config"
	"github.com/greyhelm/messagehub/internal/types"
)

// recordingCollector captures RecordRequest calls for assertions.
type recordingCollector struct {
	mu    sync.Mutex
	calls []recordedRequest
}

type recordedRequest struct {
	method, route, status string
	duration              time.Duration
}

func (c *recordingCollector) RecordRequest(method, route, status string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recordedRequest{method, route, status, duration})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	srv, err := NewServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func TestRecoverer_CatchesPanic(t *testing.T) {
	srv := newTestServer(t)

	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-panic"))

	handler.ServeHTTP(w, r)

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
	if errResp.Error.RequestID != "req-panic" {
		t.Errorf("expected request_id req-panic, got %s", errResp.Error.RequestID)
	}
}

func TestRecoverer_PassesThroughNormally(t *testing.T) {
	srv := newTestServer(t)

	handler := srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Result().StatusCode != http.StatusTeapot {
		t.Errorf("expected status 418, got %d", w.Result().StatusCode)
	}
}

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if captured == "" {
		t.Fatal("expected a generated request ID in context")
	}
	if got := w.Result().Header.Get("X-Request-Id"); got != captured {
		t.Errorf("response header %q does not match context ID %q", got, captured)
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = types.GetRequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "upstream-id-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if captured != "upstream-id-42" {
		t.Errorf("expected upstream ID to be reused, got %q", captured)
	}
}

func TestContextTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var deadlineSet bool
	handler := ContextTimeoutMiddleware(5 * time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, deadlineSet = r.Context().Deadline()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !deadlineSet {
		t.Error("expected request context to carry a deadline")
	}
}

func TestMetricsMiddleware_RecordsRequest(t *testing.T) {
	srv := newTestServer(t)
	collector := &recordingCollector{}
	srv.Metrics = collector
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/transactions/{id}", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})
	srv.MountRoutes()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/transactions/txn_1", nil))

	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.calls) != 1 {
		t.Fatalf("expected 1 recorded request, got %d", len(collector.calls))
	}
	call := collector.calls[0]
	if call.method != http.MethodGet {
		t.Errorf("expected GET, got %s", call.method)
	}
	// The route label must be the pattern, not the raw path.
	if call.route != "/v1/transactions/{id}" {
		t.Errorf("expected route pattern, got %q", call.route)
	}
	if call.status != "200" {
		t.Errorf("expected status 200, got %s", call.status)
	}
}

func TestMetricsMiddleware_NilCollectorPassesThrough(t *testing.T) {
	srv := newTestServer(t)

	handler := srv.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Result().StatusCode != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", w.Result().StatusCode)
	}
}

func TestRequestLogger_RedactsHeaders(t *testing.T) {
	var buf logBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := RequestLogger(logger, []string{"Authorization"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer super-secret")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	out := buf.String()
	if out == "" {
		t.Fatal("expected log output")
	}
	if strings.Contains(out, "super-secret") {
		t.Error("redacted header value leaked into log output")
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("expected [REDACTED] marker in log output")
	}
}

// logBuffer is a minimal concurrency-safe string sink for slog handlers.
type logBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
