package registry

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/greyhelm/messagehub/internal/types"
)

// RunHealthChecks polls every registered instance's health endpoint on the
// configured interval until ctx is cancelled. Each probe uses the per-call
// check timeout, which is independent of the polling interval.
func (r *Registry) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAllInstances(ctx)
		}
	}
}

// CheckAllInstances probes every instance once and applies status transitions.
// Exposed for tests and for a forced check on startup.
func (r *Registry) CheckAllInstances(ctx context.Context) {
	type target struct {
		st  types.ServiceType
		id  string
		url string
	}

	r.mu.Lock()
	targets := make([]target, 0)
	for st, byID := range r.services {
		for id, state := range byID {
			targets = append(targets, target{st: st, id: id, url: healthURL(state.inst)})
		}
	}
	r.mu.Unlock()

	for _, tg := range targets {
		start := r.now()
		err := r.probe(ctx, tg.url)
		r.recordHealthCheck(tg.st, tg.id, err == nil, r.now().Sub(start))
	}
}

// probe performs one health-check HTTP GET. Any non-2xx status is a failure.
func (r *Registry) probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &probeStatusError{status: resp.StatusCode}
	}
	return nil
}

type probeStatusError struct{ status int }

func (e *probeStatusError) Error() string {
	return http.StatusText(e.status)
}

// recordHealthCheck folds one probe outcome into the instance state.
//
// Transitions follow consecutive-outcome thresholds: an instance becomes
// Healthy only after HealthyThreshold consecutive successes and Unhealthy
// only after UnhealthyThreshold consecutive failures; anything in between is
// Degraded. This hysteresis prevents status flapping on isolated outcomes.
func (r *Registry) recordHealthCheck(st types.ServiceType, instanceID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.lookup(st, instanceID)
	if state == nil {
		return // deregistered while probing
	}

	state.history = append(state.history, success)
	if len(state.history) > historyLimit {
		state.history = state.history[len(state.history)-historyLimit:]
	}

	if success {
		state.consecutiveSuccesses++
		state.consecutiveFailures = 0
		state.inst.AverageLatency = r.foldLatency(state.inst.AverageLatency, latency)
	} else {
		state.consecutiveFailures++
		state.consecutiveSuccesses = 0
	}

	prev := state.inst.HealthStatus
	switch {
	case state.consecutiveSuccesses >= r.cfg.HealthyThreshold:
		state.inst.HealthStatus = types.HealthHealthy
	case state.consecutiveFailures >= r.cfg.UnhealthyThreshold:
		state.inst.HealthStatus = types.HealthUnhealthy
	default:
		state.inst.HealthStatus = types.HealthDegraded
	}
	state.inst.LastHealthCheck = r.now()

	if state.inst.HealthStatus != prev {
		r.logger.Info("instance health changed",
			"service", st, "instance", instanceID,
			"from", prev, "to", state.inst.HealthStatus)
		r.updateInstanceGauges()
	}
}

// healthURL joins the instance base URL with its health-check path.
func healthURL(inst types.ServiceInstance) string {
	base := strings.TrimRight(inst.URL, "/")
	path := inst.HealthCheck
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
