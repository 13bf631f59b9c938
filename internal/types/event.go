package types

import (
	"encoding/json"
	"time"
)

// Event is a single append-only entry in the durable event log. Events are
// never mutated after append. SequenceNumber is globally unique and strictly
// increasing across the whole store; StreamVersion orders events within one
// stream.
type Event struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	SourceService ServiceType       `json:"source_service"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`

	SequenceNumber int64  `json:"sequence_number"`
	StreamID       string `json:"stream_id,omitempty"`

	// StreamVersion is the stream's version after this event was applied.
	// Zero for events not associated with a stream.
	StreamVersion int64 `json:"stream_version,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// IsSnapshot reports whether the event is a compaction snapshot.
func (e *Event) IsSnapshot() bool {
	return e.EventType == EventTypeSnapshot
}

// SnapshotData is the Data payload of a snapshot event. State holds the
// zstd-compressed, base64-encoded reconstructed stream state; Version is the
// stream version the snapshot summarizes.
type SnapshotData struct {
	StreamID string `json:"stream_id"`
	Version  int64  `json:"version"`
	State    string `json:"state"`
}

// AppendRequest carries the parameters for a durable event append.
type AppendRequest struct {
	EventType     string            `json:"event_type" validate:"required"`
	SourceService ServiceType       `json:"source_service" validate:"required"`
	Data          json.RawMessage   `json:"data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	StreamID      string            `json:"stream_id,omitempty"`

	// ExpectedVersion enables optimistic concurrency: when non-nil, the append
	// fails with a concurrency conflict unless the stream's current version
	// equals this value.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

// ReplayRequest selects which events to replay and how.
type ReplayRequest struct {
	Mode      ReplayMode `json:"mode" validate:"required"`
	StreamID  string     `json:"stream_id,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Sequence  int64      `json:"sequence,omitempty"`
	LastN     int        `json:"last_n,omitempty"`
	BatchSize int        `json:"batch_size,omitempty"`
}
