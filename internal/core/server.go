// Package core provides the HTTP chassis for the message hub. It owns the
// chi router and the global middleware chain, and exposes the shared JSON
// response helpers used by every handler package. Cross-cutting concerns --
// panic recovery, request correlation, logging, and telemetry -- are enforced
// here before requests reach domain-specific handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/config"
)

// MetricsCollector defines the interface for recording HTTP telemetry.
// The Prometheus-backed implementation lives in internal/metrics; tests
// inject lightweight fakes.
type MetricsCollector interface {
	// RecordRequest records request latency and count for one served request.
	RecordRequest(method, route, status string, duration time.Duration)
}

// Server encapsulates the chassis dependencies for the hub's HTTP surface,
// allowing for easy injection during testing and distinct configuration for
// different environments.
type Server struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics MetricsCollector

	// MetricsHandler serves the Prometheus exposition endpoint. When nil,
	// GET /metrics is not mounted.
	MetricsHandler http.Handler

	// HealthProbes are checked concurrently by GET /health. Any failing
	// probe turns the response into a 503.
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handler routes under /v1. They are
	// populated by the application entry point; this indirection avoids
	// import cycles between core and handler packages.
	V1RouteRegistrars []func(chi.Router)

	// Internal router
	router *chi.Mux
}

// NewServer initializes the chassis and prepares the server for route
// mounting. It performs a "fail-fast" check on critical dependencies.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router, used by
// http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
