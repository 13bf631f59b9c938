package core

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/config"
)

func TestMountRoutes_HealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.MountRoutes()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Result().StatusCode)
	}
}

func TestMountRoutes_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv.MountRoutes()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Result().StatusCode)
	}
	if w.Body.String() != "# metrics" {
		t.Errorf("unexpected metrics body: %q", w.Body.String())
	}
}

func TestMountRoutes_NoMetricsHandler(t *testing.T) {
	srv := newTestServer(t)
	srv.MountRoutes()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Result().StatusCode)
	}
}

func TestMountRoutes_V1Registrars(t *testing.T) {
	srv := newTestServer(t)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Post("/messages/send", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})
	srv.MountRoutes()

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/messages/send", nil))

	if w.Result().StatusCode != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", w.Result().StatusCode)
	}
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := NewServer(nil, logger); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}
