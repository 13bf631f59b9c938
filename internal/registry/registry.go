// Package registry implements the hub's service registry: multi-instance
// registration, load-balanced instance selection, background health polling,
// and dependency graph checks.
//
// The registry is the authority on which instances exist and how healthy they
// are; the router consults it for every outbound delivery and reports request
// outcomes back so the health-aware balancer can steer load.
package registry

import (
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/greyhelm/messagehub/internal/config"
	"github.com/greyhelm/messagehub/internal/metrics"
	"github.com/greyhelm/messagehub/internal/types"
)

// instanceState pairs a ServiceInstance with the health-check bookkeeping that
// drives status transitions. The embedded history is bounded.
type instanceState struct {
	inst types.ServiceInstance

	consecutiveSuccesses int
	consecutiveFailures  int

	// history records recent health-check outcomes, newest last.
	history []bool
}

const historyLimit = 20

// Registry is the enhanced, multi-instance service registry. All methods are
// safe for concurrent use.
type Registry struct {
	cfg      config.HealthConfig
	strategy types.LoadBalancingStrategy
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// httpClient performs health-check probes. Its timeout is the per-call
	// check timeout, distinct from the polling interval.
	httpClient *http.Client

	now func() time.Time

	mu         sync.Mutex
	services   map[types.ServiceType]map[string]*instanceState
	deps       []types.ServiceDependency
	rrCounters map[types.ServiceType]int64
}

// Option customizes a Registry.
type Option func(*Registry)

// WithStrategy overrides the default health-aware balancing strategy.
func WithStrategy(s types.LoadBalancingStrategy) Option {
	return func(r *Registry) { r.strategy = s }
}

// WithHTTPClient overrides the health-check HTTP client (testing).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.httpClient = c }
}

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a Registry with the given health configuration.
func New(cfg config.HealthConfig, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:        cfg,
		strategy:   types.StrategyHealthAware,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.CheckTimeout},
		now:        time.Now,
		services:   make(map[types.ServiceType]map[string]*instanceState),
		rrCounters: make(map[types.ServiceType]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterInstance adds (or replaces) an instance. Re-registering the same
// (service_type, instance_id) pair replaces the previous registration, which
// subsumes the single-instance-per-type registry mode.
func (r *Registry) RegisterInstance(reg types.ServiceRegistration) *types.ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.services[reg.ServiceType]
	if !ok {
		byID = make(map[string]*instanceState)
		r.services[reg.ServiceType] = byID
	}

	inst := types.ServiceInstance{
		ServiceType:  reg.ServiceType,
		InstanceID:   reg.InstanceID,
		URL:          reg.URL,
		HealthCheck:  reg.HealthCheck,
		Version:      reg.Version,
		Capabilities: reg.Capabilities,
		Weight:       reg.Weight,
		HealthStatus: types.HealthUnknown,
		RegisteredAt: r.now(),
	}
	if inst.HealthCheck == "" {
		inst.HealthCheck = "/health"
	}

	byID[reg.InstanceID] = &instanceState{inst: inst}
	r.logger.Info("instance registered",
		"service", reg.ServiceType, "instance", reg.InstanceID, "url", reg.URL)
	r.updateInstanceGauges()

	out := inst
	return &out
}

// DeregisterInstance removes an instance. Returns false if it was not registered.
func (r *Registry) DeregisterInstance(st types.ServiceType, instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.services[st]
	if !ok {
		return false
	}
	if _, ok := byID[instanceID]; !ok {
		return false
	}
	delete(byID, instanceID)
	if len(byID) == 0 {
		delete(r.services, st)
	}
	r.logger.Info("instance deregistered", "service", st, "instance", instanceID)
	r.updateInstanceGauges()
	return true
}

// GetInstance selects an instance of the given service eligible to handle the
// message type, using the configured load-balancing strategy. It returns
// (nil, nil) when no instance is eligible: callers must treat a nil instance
// as a service-unavailable condition rather than an internal error.
func (r *Registry) GetInstance(st types.ServiceType, messageType types.MessageType, preferVersion string) *types.ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.eligible(st, messageType)
	if len(candidates) == 0 {
		return nil
	}

	// Version preference reorders rather than filters, so a missing preferred
	// version degrades gracefully to whatever is available.
	if preferVersion != "" {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].inst.Version == preferVersion &&
				candidates[j].inst.Version != preferVersion
		})
		if candidates[0].inst.Version == preferVersion {
			trimmed := candidates[:0:0]
			for _, c := range candidates {
				if c.inst.Version == preferVersion {
					trimmed = append(trimmed, c)
				}
			}
			candidates = trimmed
		}
	}

	var picked *instanceState
	switch r.strategy {
	case types.StrategyRoundRobin:
		picked = r.pickRoundRobin(st, candidates)
	case types.StrategyLeastConnections:
		picked = pickLeastConnections(candidates)
	case types.StrategyWeighted:
		picked = pickWeighted(candidates)
	default:
		picked = r.pickHealthAware(candidates)
	}

	if picked == nil {
		return nil
	}
	out := picked.inst
	return &out
}

// GetAllInstances returns copies of the registered instances of a service.
// With healthyOnly set, only Healthy and Degraded instances are returned.
func (r *Registry) GetAllInstances(st types.ServiceType, healthyOnly bool) []types.ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.services[st]
	out := make([]types.ServiceInstance, 0, len(byID))
	for _, state := range byID {
		if healthyOnly && !routable(state.inst.HealthStatus) {
			continue
		}
		out = append(out, state.inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Services returns a snapshot of every service type with its instances,
// for the GET /v1/services surface.
func (r *Registry) Services() map[types.ServiceType][]types.ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[types.ServiceType][]types.ServiceInstance, len(r.services))
	for st, byID := range r.services {
		insts := make([]types.ServiceInstance, 0, len(byID))
		for _, state := range byID {
			insts = append(insts, state.inst)
		}
		sort.Slice(insts, func(i, j int) bool { return insts[i].InstanceID < insts[j].InstanceID })
		out[st] = insts
	}
	return out
}

// eligible filters to routable instances that can handle the message type.
// When no Healthy or Degraded instance exists it falls back to Unknown ones,
// so freshly registered services receive traffic before the first health-check
// pass. Caller must hold r.mu.
func (r *Registry) eligible(st types.ServiceType, messageType types.MessageType) []*instanceState {
	byID := r.services[st]
	out := make([]*instanceState, 0, len(byID))
	var unknown []*instanceState
	for _, state := range byID {
		if messageType != "" && !state.inst.CanHandle(messageType) {
			continue
		}
		switch state.inst.HealthStatus {
		case types.HealthHealthy, types.HealthDegraded:
			out = append(out, state)
		case types.HealthUnknown:
			unknown = append(unknown, state)
		}
	}
	if len(out) == 0 {
		out = unknown
	}
	// Deterministic base order so round-robin distributes evenly.
	sort.Slice(out, func(i, j int) bool { return out[i].inst.InstanceID < out[j].inst.InstanceID })
	return out
}

// routable reports whether a status counts as healthy for the healthy-only
// instance listing.
func routable(s types.HealthStatus) bool {
	return s == types.HealthHealthy || s == types.HealthDegraded
}

func (r *Registry) pickRoundRobin(st types.ServiceType, candidates []*instanceState) *instanceState {
	n := r.rrCounters[st]
	r.rrCounters[st] = n + 1
	return candidates[int(n%int64(len(candidates)))]
}

func pickLeastConnections(candidates []*instanceState) *instanceState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.inst.ActiveConnections < best.inst.ActiveConnections {
			best = c
		}
	}
	return best
}

func pickWeighted(candidates []*instanceState) *instanceState {
	total := 0
	for _, c := range candidates {
		total += c.inst.EffectiveWeight()
	}
	roll := rand.Intn(total)
	for _, c := range candidates {
		roll -= c.inst.EffectiveWeight()
		if roll < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// pickHealthAware selects, among instances whose health score exceeds the
// configured minimum, the one with the lowest load per unit weight. When no
// instance clears the bar it falls back to the highest-scoring instance so
// the hub degrades gracefully instead of failing hard.
func (r *Registry) pickHealthAware(candidates []*instanceState) *instanceState {
	minScore := r.cfg.MinHealthScore

	var best *instanceState
	bestLoad := 0.0
	for _, c := range candidates {
		if c.inst.HealthScore() <= minScore {
			continue
		}
		load := float64(c.inst.ActiveConnections) / float64(c.inst.EffectiveWeight())
		if best == nil || load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	if best != nil {
		return best
	}

	// Graceful degradation: nothing healthy enough, route to the least-bad.
	best = candidates[0]
	bestScore := best.inst.HealthScore()
	for _, c := range candidates[1:] {
		if s := c.inst.HealthScore(); s > bestScore {
			best = c
			bestScore = s
		}
	}
	return best
}

// OnRequestStart records that a delivery to the instance began.
func (r *Registry) OnRequestStart(st types.ServiceType, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state := r.lookup(st, instanceID); state != nil {
		state.inst.ActiveConnections++
		state.inst.TotalRequests++
	}
}

// OnRequestEnd records the outcome of a delivery. ActiveConnections never
// goes negative even if starts and ends are mismatched during deregistration.
func (r *Registry) OnRequestEnd(st types.ServiceType, instanceID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.lookup(st, instanceID)
	if state == nil {
		return
	}
	if state.inst.ActiveConnections > 0 {
		state.inst.ActiveConnections--
	}
	if !success {
		state.inst.FailedRequests++
	}
	state.inst.AverageLatency = r.foldLatency(state.inst.AverageLatency, latency)
}

// foldLatency applies the exponential moving average to a latency sample.
func (r *Registry) foldLatency(old, sample time.Duration) time.Duration {
	if old == 0 {
		return sample
	}
	w := r.cfg.LatencyEMAWeight
	return time.Duration(w*float64(old) + (1-w)*float64(sample))
}

// lookup returns the instance state or nil. Caller must hold r.mu.
func (r *Registry) lookup(st types.ServiceType, instanceID string) *instanceState {
	if byID, ok := r.services[st]; ok {
		return byID[instanceID]
	}
	return nil
}

// updateInstanceGauges refreshes the registered-instance metric.
// Caller must hold r.mu.
func (r *Registry) updateInstanceGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.InstancesRegistered.Reset()
	for st, byID := range r.services {
		counts := make(map[types.HealthStatus]int)
		for _, state := range byID {
			counts[state.inst.HealthStatus]++
		}
		for status, n := range counts {
			r.metrics.InstancesRegistered.WithLabelValues(string(st), string(status)).Set(float64(n))
		}
	}
}
