package handlers

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/core"
	"github.com/greyhelm/messagehub/internal/types"
)

// ServiceRegistry is the registry surface used by the service endpoints.
// Implemented by the enhanced service registry; defined locally to enable
// test mocking.
type ServiceRegistry interface {
	RegisterInstance(reg types.ServiceRegistration) *types.ServiceInstance
	DeregisterInstance(st types.ServiceType, instanceID string) bool
	Services() map[types.ServiceType][]types.ServiceInstance
	AddDependency(dep types.ServiceDependency)
	Dependencies(st types.ServiceType) []types.ServiceDependency
	CheckDependencies(st types.ServiceType) (bool, []types.DependencyIssue)
}

// DependenciesResponse is the body for GET /v1/services/{type}/dependencies.
type DependenciesResponse struct {
	Service      types.ServiceType         `json:"service"`
	Satisfied    bool                      `json:"satisfied"`
	Dependencies []types.ServiceDependency `json:"dependencies"`
	Issues       []types.DependencyIssue   `json:"issues,omitempty"`
}

// ServiceHandler manages service instance registration and the dependency
// graph.
type ServiceHandler struct {
	registry ServiceRegistry
	logger   *slog.Logger
}

// NewServiceHandler creates a ServiceHandler with the provided dependencies.
func NewServiceHandler(registry ServiceRegistry, l *slog.Logger) *ServiceHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ServiceHandler{
		registry: registry,
		logger:   l,
	}
}

// RegisterRoutes mounts service registry routes onto the provided router.
func (h *ServiceHandler) RegisterRoutes(r chi.Router) {
	r.Post("/services/register", h.Register)
	r.Delete("/services/{type}/{id}", h.Deregister)
	r.Get("/services", h.List)
	r.Post("/services/dependencies", h.AddDependency)
	r.Get("/services/{type}/dependencies", h.Dependencies)
}

// Register handles POST /v1/services/register. Re-registering an existing
// (service_type, instance_id) pair replaces the previous registration; this
// is how instances refresh their metadata after a restart.
func (h *ServiceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var reg types.ServiceRegistration
	if err := core.DecodeJSON(w, r, &reg); err != nil {
		core.Error(w, r, err)
		return
	}

	if reg.ServiceType == "" || reg.InstanceID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"service_type and instance_id are required",
			nil,
		))
		return
	}
	if _, err := url.ParseRequestURI(reg.URL); err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidURL,
			"url must be a valid absolute URL",
			err,
		))
		return
	}

	inst := h.registry.RegisterInstance(reg)

	h.logger.InfoContext(r.Context(), "service instance registered",
		"service", reg.ServiceType,
		"instance_id", reg.InstanceID,
		"url", reg.URL,
	)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: inst})
}

// Deregister handles DELETE /v1/services/{type}/{id}.
func (h *ServiceHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	st := types.ServiceType(chi.URLParam(r, "type"))
	id := chi.URLParam(r, "id")

	if !h.registry.DeregisterInstance(st, id) {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundInstance,
			"no such service instance",
			nil,
			map[string]any{"service": string(st), "instance_id": id},
		))
		return
	}

	h.logger.InfoContext(r.Context(), "service instance deregistered",
		"service", st,
		"instance_id", id,
	)

	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /v1/services, returning every registered instance grouped
// by service type.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: h.registry.Services()})
}

// AddDependency handles POST /v1/services/dependencies, declaring that one
// service requires another. Declarations are idempotent.
func (h *ServiceHandler) AddDependency(w http.ResponseWriter, r *http.Request) {
	var dep types.ServiceDependency
	if err := core.DecodeJSON(w, r, &dep); err != nil {
		core.Error(w, r, err)
		return
	}

	if dep.DependentService == "" || dep.RequiredService == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"dependent_service and required_service are required",
			nil,
		))
		return
	}

	h.registry.AddDependency(dep)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: dep})
}

// Dependencies handles GET /v1/services/{type}/dependencies, returning the
// declared dependencies of a service and their current satisfaction state.
func (h *ServiceHandler) Dependencies(w http.ResponseWriter, r *http.Request) {
	st := types.ServiceType(chi.URLParam(r, "type"))

	satisfied, issues := h.registry.CheckDependencies(st)
	resp := DependenciesResponse{
		Service:      st,
		Satisfied:    satisfied,
		Dependencies: h.registry.Dependencies(st),
		Issues:       issues,
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
