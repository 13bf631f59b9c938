package types

import (
	"encoding/json"
	"time"
)

// TransactionParticipant is one operation a service will execute as part of a
// distributed transaction. RollbackOperation, when set, names the compensating
// operation issued if the transaction aborts after this operation executed.
type TransactionParticipant struct {
	Service           ServiceType     `json:"service" validate:"required"`
	Operation         string          `json:"operation" validate:"required"`
	Payload           json.RawMessage `json:"payload"`
	RollbackOperation string          `json:"rollback_operation,omitempty"`
}

// TransactionOperation is an entry in the ordered log of executed operations.
// Rollback walks this log in reverse.
type TransactionOperation struct {
	Service           ServiceType     `json:"service"`
	Operation         string          `json:"operation"`
	Payload           json.RawMessage `json:"payload"`
	RollbackOperation string          `json:"rollback_operation,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ExecutedAt        time.Time       `json:"executed_at"`
}

// Transaction is a two-phase-commit coordination record. It is created by
// begin, mutated during prepare/commit under the manager's lock, and retained
// briefly after reaching a terminal state for inspection.
type Transaction struct {
	ID           string                                   `json:"id"`
	State        TransactionState                         `json:"state"`
	Participants map[ServiceType][]TransactionParticipant `json:"participants"`
	Operations   []TransactionOperation                   `json:"operations"`
	StartTime    time.Time                                `json:"start_time"`
	EndTime      *time.Time                               `json:"end_time,omitempty"`
	Error        string                                   `json:"error,omitempty"`
}
