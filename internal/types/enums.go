package types

// ServiceType identifies a backend service reachable through the hub.
// Services are opaque participants; the hub routes to them by type and never
// inspects their business payloads.
type ServiceType string

const (
	ServiceCharacter ServiceType = "character"
	ServiceCampaign  ServiceType = "campaign"
	ServiceJournal   ServiceType = "journal"
	ServiceAdvisor   ServiceType = "llm_advisor"
	ServiceRules     ServiceType = "rules_engine"
	ServiceHub       ServiceType = "message_hub"
)

// MessageType identifies the kind of message being routed. Instances declare
// the message types they can handle in their registration capabilities.
type MessageType string

const (
	// Transaction coordination messages sent by the hub itself.
	MessageTransactionPrepare  MessageType = "transaction.prepare"
	MessageTransactionCommit   MessageType = "transaction.commit"
	MessageTransactionRollback MessageType = "transaction.rollback"
)

// Priority orders messages in the priority queue. Lower values dequeue first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityDeferred
)

// String returns the lowercase name used in JSON, logs and metrics labels.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ParsePriority maps a wire name back to a Priority. Unknown names map to
// PriorityNormal so that callers omitting the field get sensible behavior.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	case "deferred":
		return PriorityDeferred
	default:
		return PriorityNormal
	}
}

// HealthStatus represents the observed health of a service instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// LoadBalancingStrategy selects how the registry picks among eligible instances.
type LoadBalancingStrategy string

const (
	StrategyRoundRobin       LoadBalancingStrategy = "round_robin"
	StrategyLeastConnections LoadBalancingStrategy = "least_connections"
	StrategyWeighted         LoadBalancingStrategy = "weighted"
	StrategyHealthAware      LoadBalancingStrategy = "health_aware"
)

// RetryStatus is the lifecycle state of a RetryRecord.
// These values are persisted in the retry store; do not rename.
type RetryStatus string

const (
	RetryPending    RetryStatus = "pending"
	RetryRetrying   RetryStatus = "retrying"
	RetrySuccess    RetryStatus = "success"
	RetryFailed     RetryStatus = "failed"
	RetryDeadLetter RetryStatus = "dead_letter"
)

// TransactionState is the lifecycle state of a distributed transaction.
// Transitions are strictly Pending -> {Committed | RolledBack | Failed}.
type TransactionState string

const (
	TxPending    TransactionState = "pending"
	TxCommitted  TransactionState = "committed"
	TxRolledBack TransactionState = "rolled_back"
	TxFailed     TransactionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s TransactionState) Terminal() bool {
	return s == TxCommitted || s == TxRolledBack || s == TxFailed
}

// ReplayMode selects the starting point for an event replay.
type ReplayMode string

const (
	ReplayFromBeginning ReplayMode = "from_beginning"
	ReplayFromTimestamp ReplayMode = "from_timestamp"
	ReplayFromSequence  ReplayMode = "from_sequence"
	ReplayLastN         ReplayMode = "last_n_events"
)

// EventTypeSnapshot marks snapshot events in the event log. Snapshot events
// carry reconstructed stream state and are never deleted by compaction.
const EventTypeSnapshot = "system.snapshot"
