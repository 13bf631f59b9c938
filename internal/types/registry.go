package types

import "time"

// ServiceRegistration is the request body for registering a service instance
// with the hub. Capabilities list the message types the instance can handle;
// an empty list means the instance accepts any message type.
type ServiceRegistration struct {
	ServiceType  ServiceType   `json:"service_type" validate:"required"`
	InstanceID   string        `json:"instance_id" validate:"required"`
	URL          string        `json:"url" validate:"required,url"`
	HealthCheck  string        `json:"health_check"`
	Version      string        `json:"version"`
	Capabilities []MessageType `json:"capabilities,omitempty"`
	Weight       int           `json:"weight"`
}

// ServiceInstance is one running replica of a backend service. It is created
// on registration and mutated by the health-check loop and by per-request
// accounting in the router. All mutation happens under the registry's lock.
type ServiceInstance struct {
	ServiceType  ServiceType   `json:"service_type"`
	InstanceID   string        `json:"instance_id"`
	URL          string        `json:"url"`
	HealthCheck  string        `json:"health_check"`
	Version      string        `json:"version"`
	Capabilities []MessageType `json:"capabilities,omitempty"`

	// Weight biases weighted and health-aware selection. Zero is treated as 1.
	Weight int `json:"weight"`

	// Request accounting, maintained by the router.
	ActiveConnections int           `json:"active_connections"`
	TotalRequests     int64         `json:"total_requests"`
	FailedRequests    int64         `json:"failed_requests"`
	AverageLatency    time.Duration `json:"average_latency"`

	HealthStatus    HealthStatus `json:"health_status"`
	LastHealthCheck time.Time    `json:"last_health_check"`

	RegisteredAt time.Time `json:"registered_at"`
}

// CanHandle reports whether the instance accepts the given message type.
// Instances with no declared capabilities accept everything.
func (i *ServiceInstance) CanHandle(mt MessageType) bool {
	if len(i.Capabilities) == 0 {
		return true
	}
	for _, c := range i.Capabilities {
		if c == mt {
			return true
		}
	}
	return false
}

// EffectiveWeight returns the selection weight, treating unset weights as 1.
func (i *ServiceInstance) EffectiveWeight() int {
	if i.Weight <= 0 {
		return 1
	}
	return i.Weight
}

// HealthScore combines status, failure rate, and latency into a [0,1] score.
// The weighting mirrors the tuning the health-aware balancer was calibrated
// against: status contributes 60%, failure rate 25%, latency 15%.
func (i *ServiceInstance) HealthScore() float64 {
	var statusScore float64
	switch i.HealthStatus {
	case HealthHealthy:
		statusScore = 1.0
	case HealthDegraded:
		statusScore = 0.5
	case HealthUnknown:
		statusScore = 0.25
	default:
		statusScore = 0.0
	}

	failureScore := 1.0
	if i.TotalRequests > 0 {
		failureScore = 1.0 - float64(i.FailedRequests)/float64(i.TotalRequests)
	}

	// Latency score decays linearly up to 2s, the point at which an instance
	// is considered no better than an unhealthy one latency-wise.
	latencyScore := 1.0
	if i.AverageLatency > 0 {
		latencyScore = 1.0 - float64(i.AverageLatency)/float64(2*time.Second)
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	return 0.6*statusScore + 0.25*failureScore + 0.15*latencyScore
}

// ServiceDependency declares that one service requires another to operate.
// Dependencies are immutable once declared and checked periodically by the
// registry's dependency loop.
type ServiceDependency struct {
	DependentService ServiceType `json:"dependent_service" validate:"required"`
	RequiredService  ServiceType `json:"required_service" validate:"required"`
	IsCritical       bool        `json:"is_critical"`
	MinimumInstances int         `json:"minimum_instances"`
	PreferredVersion string      `json:"preferred_version,omitempty"`
}

// DependencyIssue describes one unsatisfied dependency found during a check.
type DependencyIssue struct {
	RequiredService  ServiceType `json:"required_service"`
	IsCritical       bool        `json:"is_critical"`
	HealthyInstances int         `json:"healthy_instances"`
	MinimumInstances int         `json:"minimum_instances"`
	Reason           string      `json:"reason"`
}
