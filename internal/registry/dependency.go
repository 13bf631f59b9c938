package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/greyhelm/messagehub/internal/types"
)

// AddDependency declares that one service requires another. Dependencies are
// immutable once declared; re-declaring the same pair replaces the old entry.
func (r *Registry) AddDependency(dep types.ServiceDependency) {
	if dep.MinimumInstances <= 0 {
		dep.MinimumInstances = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.deps {
		if existing.DependentService == dep.DependentService &&
			existing.RequiredService == dep.RequiredService {
			r.deps[i] = dep
			return
		}
	}
	r.deps = append(r.deps, dep)
}

// Dependencies returns the declared dependencies of a service.
func (r *Registry) Dependencies(st types.ServiceType) []types.ServiceDependency {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.ServiceDependency, 0)
	for _, dep := range r.deps {
		if dep.DependentService == st {
			out = append(out, dep)
		}
	}
	return out
}

// CheckDependencies verifies that every declared dependency of a service has
// the required number of healthy instances. It returns whether all
// dependencies are satisfied, plus an issue describing each unmet one.
func (r *Registry) CheckDependencies(st types.ServiceType) (bool, []types.DependencyIssue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var issues []types.DependencyIssue
	for _, dep := range r.deps {
		if dep.DependentService != st {
			continue
		}
		healthy := r.healthyCount(dep.RequiredService)
		if healthy < dep.MinimumInstances {
			issues = append(issues, types.DependencyIssue{
				RequiredService:  dep.RequiredService,
				IsCritical:       dep.IsCritical,
				HealthyInstances: healthy,
				MinimumInstances: dep.MinimumInstances,
				Reason: fmt.Sprintf("%d of %d required healthy instances",
					healthy, dep.MinimumInstances),
			})
		}
	}
	return len(issues) == 0, issues
}

// CriticalDependenciesSatisfied reports whether every critical dependency
// across all services is currently met. Feeds the aggregate /health endpoint.
func (r *Registry) CriticalDependenciesSatisfied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range r.deps {
		if !dep.IsCritical {
			continue
		}
		if r.healthyCount(dep.RequiredService) < dep.MinimumInstances {
			return false
		}
	}
	return true
}

// healthyCount counts Healthy and Degraded instances of a service.
// Caller must hold r.mu.
func (r *Registry) healthyCount(st types.ServiceType) int {
	n := 0
	for _, state := range r.services[st] {
		if routable(state.inst.HealthStatus) {
			n++
		}
	}
	return n
}

// RunDependencyChecks periodically verifies all declared dependencies until
// ctx is cancelled. Unmet critical dependencies are surfaced through logs and
// the dependency-failure metric for operational response; they never crash
// the hub.
func (r *Registry) RunDependencyChecks(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.DependencyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAllDependencies()
		}
	}
}

func (r *Registry) checkAllDependencies() {
	r.mu.Lock()
	dependents := make(map[types.ServiceType]bool)
	for _, dep := range r.deps {
		dependents[dep.DependentService] = true
	}
	r.mu.Unlock()

	for st := range dependents {
		ok, issues := r.CheckDependencies(st)
		if ok {
			continue
		}
		for _, issue := range issues {
			level := r.logger.Warn
			if issue.IsCritical {
				level = r.logger.Error
				if r.metrics != nil {
					r.metrics.DependencyFailures.Inc()
				}
			}
			level("dependency unsatisfied",
				"dependent", st,
				"required", issue.RequiredService,
				"critical", issue.IsCritical,
				"healthy", issue.HealthyInstances,
				"minimum", issue.MinimumInstances)
		}
	}
}
