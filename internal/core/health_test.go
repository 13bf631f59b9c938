package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/greyhelm/messagehub/internal/config"
)

// --- Mock Health Probe ---

// mockHealthProbe implements HealthProbe for testing.
type mockHealthProbe struct {
	name     string
	checkErr error
	// delay simulates slow subsystems; Check blocks for this duration.
	delay time.Duration
	// called tracks whether Check was invoked.
	called atomic.Bool
}

func (m *mockHealthProbe) Name() string { return m.name }

func (m *mockHealthProbe) Check(ctx context.Context) error {
	m.called.Store(true)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.checkErr
}

// --- Helper ---

func newTestServerForHealth(probes []HealthProbe) *Server {
	cfg := &config.Config{Environment: "local"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, _ := NewServer(cfg, logger)
	srv.HealthProbes = probes
	return srv
}

func doHealthCheck(t *testing.T, srv *Server) (*http.Response, healthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.HandleHealth(w, r)

	resp := w.Result()
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	return resp, body
}

// --- Tests ---

func TestHandleHealth_AllHealthy(t *testing.T) {
	db := &mockHealthProbe{name: "database"}
	store := &mockHealthProbe{name: "retry_store"}
	srv := newTestServerForHealth([]HealthProbe{db, store})

	resp, body := doHealthCheck(t, srv)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if body.Status != "healthy" {
		t.Errorf("expected healthy, got %s", body.Status)
	}
	if body.Components["database"].Status != "healthy" {
		t.Errorf("expected database healthy, got %s", body.Components["database"].Status)
	}
	if !db.called.Load() || !store.called.Load() {
		t.Error("expected all probes to be invoked")
	}
}

func TestHandleHealth_OneUnhealthy(t *testing.T) {
	db := &mockHealthProbe{name: "database", checkErr: errors.New("connection refused")}
	store := &mockHealthProbe{name: "retry_store"}
	srv := newTestServerForHealth([]HealthProbe{db, store})

	resp, body := doHealthCheck(t, srv)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", resp.StatusCode)
	}
	if body.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", body.Status)
	}
	if body.Components["database"].Status != "unhealthy" {
		t.Errorf("expected database unhealthy, got %s", body.Components["database"].Status)
	}
	if body.Components["database"].Message != "connection refused" {
		t.Errorf("expected failure message, got %q", body.Components["database"].Message)
	}
	// The healthy component is still reported.
	if body.Components["retry_store"].Status != "healthy" {
		t.Errorf("expected retry_store healthy, got %s", body.Components["retry_store"].Status)
	}
}

func TestHandleHealth_NoProbes(t *testing.T) {
	srv := newTestServerForHealth(nil)

	resp, body := doHealthCheck(t, srv)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if body.Status != "healthy" {
		t.Errorf("expected healthy, got %s", body.Status)
	}
}

func TestHandleHealth_ProbeFunc(t *testing.T) {
	probe := NewProbe("service_dependencies", func(ctx context.Context) error {
		return errors.New("critical dependency unsatisfied: rules_engine")
	})
	srv := newTestServerForHealth([]HealthProbe{probe})

	resp, body := doHealthCheck(t, srv)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", resp.StatusCode)
	}
	got := body.Components["service_dependencies"]
	if got.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", got.Status)
	}
}

func TestHandleHealth_SlowProbeTimesOut(t *testing.T) {
	slow := &mockHealthProbe{name: "database", delay: 5 * time.Second}
	srv := newTestServerForHealth([]HealthProbe{slow})

	start := time.Now()
	resp, body := doHealthCheck(t, srv)
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", resp.StatusCode)
	}
	if body.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", body.Status)
	}
	// The handler must return around the probe timeout, not the probe delay.
	if elapsed > 4*time.Second {
		t.Errorf("health check took too long: %v", elapsed)
	}
}
