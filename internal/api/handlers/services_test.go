package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/types"
)

// mockRegistry implements ServiceRegistry for testing.
type mockRegistry struct {
	registerFn   func(reg types.ServiceRegistration) *types.ServiceInstance
	deregisterFn func(st types.ServiceType, instanceID string) bool
	servicesFn   func() map[types.ServiceType][]types.ServiceInstance
	checkFn      func(st types.ServiceType) (bool, []types.DependencyIssue)

	deps []types.ServiceDependency
}

func (m *mockRegistry) RegisterInstance(reg types.ServiceRegistration) *types.ServiceInstance {
	if m.registerFn != nil {
		return m.registerFn(reg)
	}
	return &types.ServiceInstance{
		ServiceType:  reg.ServiceType,
		InstanceID:   reg.InstanceID,
		URL:          reg.URL,
		HealthStatus: types.HealthUnknown,
	}
}

func (m *mockRegistry) DeregisterInstance(st types.ServiceType, instanceID string) bool {
	if m.deregisterFn != nil {
		return m.deregisterFn(st, instanceID)
	}
	return true
}

func (m *mockRegistry) Services() map[types.ServiceType][]types.ServiceInstance {
	if m.servicesFn != nil {
		return m.servicesFn()
	}
	return map[types.ServiceType][]types.ServiceInstance{}
}

func (m *mockRegistry) AddDependency(dep types.ServiceDependency) {
	m.deps = append(m.deps, dep)
}

func (m *mockRegistry) Dependencies(st types.ServiceType) []types.ServiceDependency {
	var out []types.ServiceDependency
	for _, d := range m.deps {
		if d.DependentService == st {
			out = append(out, d)
		}
	}
	return out
}

func (m *mockRegistry) CheckDependencies(st types.ServiceType) (bool, []types.DependencyIssue) {
	if m.checkFn != nil {
		return m.checkFn(st)
	}
	return true, nil
}

func newServiceRouter(reg ServiceRegistry) http.Handler {
	h := NewServiceHandler(reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestRegister_Success(t *testing.T) {
	router := newServiceRouter(&mockRegistry{})

	w := doJSON(t, router, http.MethodPost, "/services/register", types.ServiceRegistration{
		ServiceType: types.ServiceCharacter,
		InstanceID:  "char-1",
		URL:         "http://char-1.internal:9000",
		HealthCheck: "/health",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data types.ServiceInstance `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Data.InstanceID != "char-1" {
		t.Errorf("unexpected instance ID %s", resp.Data.InstanceID)
	}
	if resp.Data.HealthStatus != types.HealthUnknown {
		t.Errorf("expected unknown health on registration, got %s", resp.Data.HealthStatus)
	}
}

func TestRegister_MissingFields(t *testing.T) {
	router := newServiceRouter(&mockRegistry{})

	w := doJSON(t, router, http.MethodPost, "/services/register", types.ServiceRegistration{
		ServiceType: types.ServiceCharacter,
		URL:         "http://x.internal:9000",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := decodeError(t, w); code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("unexpected error code %s", code)
	}
}

func TestRegister_InvalidURL(t *testing.T) {
	router := newServiceRouter(&mockRegistry{})

	w := doJSON(t, router, http.MethodPost, "/services/register", types.ServiceRegistration{
		ServiceType: types.ServiceCharacter,
		InstanceID:  "char-1",
		URL:         "not a url",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := decodeError(t, w); code != string(types.ErrCodeValidationInvalidURL) {
		t.Errorf("unexpected error code %s", code)
	}
}

func TestDeregister_Success(t *testing.T) {
	var gotType types.ServiceType
	var gotID string
	reg := &mockRegistry{
		deregisterFn: func(st types.ServiceType, id string) bool {
			gotType, gotID = st, id
			return true
		},
	}
	router := newServiceRouter(reg)

	w := doJSON(t, router, http.MethodDelete, "/services/character/char-1", nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if gotType != types.ServiceCharacter || gotID != "char-1" {
		t.Errorf("unexpected deregister args: %s %s", gotType, gotID)
	}
}

func TestDeregister_NotFound(t *testing.T) {
	reg := &mockRegistry{
		deregisterFn: func(types.ServiceType, string) bool { return false },
	}
	router := newServiceRouter(reg)

	w := doJSON(t, router, http.MethodDelete, "/services/character/ghost", nil)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := decodeError(t, w); code != string(types.ErrCodeNotFoundInstance) {
		t.Errorf("unexpected error code %s", code)
	}
}

func TestListServices(t *testing.T) {
	reg := &mockRegistry{
		servicesFn: func() map[types.ServiceType][]types.ServiceInstance {
			return map[types.ServiceType][]types.ServiceInstance{
				types.ServiceRules: {{ServiceType: types.ServiceRules, InstanceID: "rules-1"}},
			}
		},
	}
	router := newServiceRouter(reg)

	w := doJSON(t, router, http.MethodGet, "/services", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data map[types.ServiceType][]types.ServiceInstance `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Data[types.ServiceRules]) != 1 {
		t.Errorf("expected 1 rules instance, got %d", len(resp.Data[types.ServiceRules]))
	}
}

func TestAddDependency(t *testing.T) {
	reg := &mockRegistry{}
	router := newServiceRouter(reg)

	w := doJSON(t, router, http.MethodPost, "/services/dependencies", types.ServiceDependency{
		DependentService: types.ServiceCampaign,
		RequiredService:  types.ServiceRules,
		IsCritical:       true,
		MinimumInstances: 1,
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(reg.deps) != 1 || reg.deps[0].RequiredService != types.ServiceRules {
		t.Errorf("dependency not recorded: %+v", reg.deps)
	}
}

func TestAddDependency_MissingFields(t *testing.T) {
	router := newServiceRouter(&mockRegistry{})

	w := doJSON(t, router, http.MethodPost, "/services/dependencies", types.ServiceDependency{
		DependentService: types.ServiceCampaign,
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestDependencies_ReportsIssues(t *testing.T) {
	reg := &mockRegistry{
		checkFn: func(st types.ServiceType) (bool, []types.DependencyIssue) {
			return false, []types.DependencyIssue{{
				RequiredService:  types.ServiceRules,
				IsCritical:       true,
				HealthyInstances: 0,
				MinimumInstances: 1,
				Reason:           "no healthy instances",
			}}
		},
	}
	reg.AddDependency(types.ServiceDependency{
		DependentService: types.ServiceCampaign,
		RequiredService:  types.ServiceRules,
		IsCritical:       true,
	})
	router := newServiceRouter(reg)

	w := doJSON(t, router, http.MethodGet, "/services/campaign/dependencies", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Data DependenciesResponse `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Data.Satisfied {
		t.Error("expected unsatisfied dependencies")
	}
	if len(resp.Data.Issues) != 1 || resp.Data.Issues[0].Reason != "no healthy instances" {
		t.Errorf("unexpected issues: %+v", resp.Data.Issues)
	}
}
