package types

import (
	"encoding/json"
	"time"
)

// ServiceMessage is the transport envelope for all inter-service communication
// through the hub. The payload is opaque to the hub; routing decisions use only
// the envelope fields. JSON tags use snake_case to match participant contracts.
type ServiceMessage struct {
	ID          string          `json:"id"`
	Source      ServiceType     `json:"source"`
	Destination ServiceType     `json:"destination"`
	MessageType MessageType     `json:"message_type"`
	Payload     json.RawMessage `json:"payload"`

	// Correlation metadata for tracing chains of messages. CausationID is the
	// ID of the message that directly caused this one.
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ServiceResponse is the reply returned by a destination service (or by the
// hub itself when delivery fails before reaching one).
type ServiceResponse struct {
	MessageID     string          `json:"message_id"`
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// PrioritizedMessage wraps a ServiceMessage for priority queueing.
// AttemptCount and Priority are mutated on requeue; everything else is fixed
// at enqueue time.
type PrioritizedMessage struct {
	Message    ServiceMessage `json:"message"`
	Priority   Priority       `json:"priority"`
	EnqueuedAt time.Time      `json:"enqueued_at"`

	// Deadline, when set, boosts the message toward the front of its level as
	// the deadline approaches.
	Deadline *time.Time `json:"deadline,omitempty"`

	AttemptCount int `json:"attempt_count"`

	// ProcessingTimeEstimate lets callers hint at expected handling cost so
	// batch dequeues can be sized sensibly.
	ProcessingTimeEstimate time.Duration `json:"processing_time_estimate,omitempty"`
}

// RetryRecord tracks the redelivery lifecycle of a failed message. Records are
// persisted in the retry store, updated on each attempt, and moved to the
// dead-letter bucket once MaxAttempts is exhausted.
type RetryRecord struct {
	MessageID    string          `json:"message_id"`
	Source       ServiceType     `json:"source"`
	Destination  ServiceType     `json:"destination"`
	MessageType  MessageType     `json:"message_type"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	Status       RetryStatus     `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Message reconstructs the ServiceMessage for redelivery.
func (r *RetryRecord) Message() ServiceMessage {
	return ServiceMessage{
		ID:          r.MessageID,
		Source:      r.Source,
		Destination: r.Destination,
		MessageType: r.MessageType,
		Payload:     r.Payload,
		Timestamp:   r.CreatedAt,
	}
}
