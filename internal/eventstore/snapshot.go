package eventstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/greyhelm/messagehub/internal/types"
)

// streamState is the reconstructed state stored inside a snapshot: the
// ordered history of a stream's events. Snapshots chain: a new snapshot
// starts from the previous snapshot's state and folds in the events appended
// since, so compaction never loses history.
type streamState struct {
	StreamID string       `json:"stream_id"`
	Version  int64        `json:"version"`
	Events   []stateEntry `json:"events"`
}

type stateEntry struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Version   int64           `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
}

// CreateSnapshot reconstructs the stream's current state and appends it as a
// system.snapshot event. The state payload is zstd-compressed and
// base64-encoded. Returns the snapshot event.
func (s *Store) CreateSnapshot(ctx context.Context, streamID string) (*types.Event, error) {
	if streamID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "stream_id is required", nil)
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	state, err := s.reconstruct(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if state.Version == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundStream, "stream has no events", nil).
			WithDetails(map[string]any{"stream_id": streamID})
	}

	compressed, err := compressState(state)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(types.SnapshotData{
		StreamID: streamID,
		Version:  state.Version,
		State:    compressed,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to encode snapshot", err)
	}

	return s.Append(ctx, types.AppendRequest{
		EventType:     types.EventTypeSnapshot,
		SourceService: types.ServiceHub,
		Data:          data,
		StreamID:      streamID,
	})
}

// reconstruct folds a stream's history into a streamState, starting from the
// latest snapshot when one exists.
func (s *Store) reconstruct(ctx context.Context, streamID string) (*streamState, error) {
	state := &streamState{StreamID: streamID}

	snap, err := s.latestSnapshot(ctx, streamID)
	if err != nil {
		return nil, err
	}

	var after int64
	if snap != nil {
		var sd types.SnapshotData
		if err := json.Unmarshal(snap.Data, &sd); err != nil {
			return nil, types.NewAppError(types.ErrCodeEventStore, "failed to decode snapshot payload", err)
		}
		prev, err := decompressState(sd.State)
		if err != nil {
			return nil, err
		}
		state.Events = prev.Events
		state.Version = prev.Version
		after = snap.SequenceNumber
	}

	cursor := after
	for {
		events, err := s.fetchAfter(ctx, cursor, streamID, s.cfg.ReplayBatchSize)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			cursor = e.SequenceNumber
			if e.IsSnapshot() {
				continue
			}
			state.Events = append(state.Events, stateEntry{
				EventType: e.EventType,
				Data:      e.Data,
				Version:   e.StreamVersion,
				Timestamp: e.Timestamp,
			})
			if e.StreamVersion > state.Version {
				state.Version = e.StreamVersion
			}
		}
		if len(events) < s.cfg.ReplayBatchSize {
			return state, nil
		}
	}
}

// latestSnapshot returns the most recent snapshot event for a stream, nil
// when none exists.
func (s *Store) latestSnapshot(ctx context.Context, streamID string) (*types.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_id = $1 AND event_type = $2
		 ORDER BY sequence_number DESC LIMIT 1`,
		streamID, types.EventTypeSnapshot,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to query latest snapshot", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEvent(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to scan snapshot row", err)
	}
	return e, nil
}

// CompactResult reports what a compaction pass did.
type CompactResult struct {
	StreamsCompacted int   `json:"streams_compacted"`
	EventsDeleted    int64 `json:"events_deleted"`
}

// Compact snapshots every stream that still has non-snapshot events older
// than the retention window, then deletes those events. Snapshot events are
// never deleted, so full history remains reconstructable.
func (s *Store) Compact(ctx context.Context) (*CompactResult, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT stream_id FROM events
		 WHERE stream_id IS NOT NULL AND event_type != $1 AND timestamp < $2`,
		types.EventTypeSnapshot, cutoff,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to list compactable streams", err)
	}
	var streams []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, types.NewAppError(types.ErrCodeEventStore, "failed to scan stream id", err)
		}
		streams = append(streams, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "error iterating compactable streams", err)
	}

	result := &CompactResult{}
	for _, streamID := range streams {
		snap, err := s.CreateSnapshot(ctx, streamID)
		if err != nil {
			return result, err
		}
		// The snapshot sits in the WAL; persist it before deleting what it
		// replaces.
		if err := s.Flush(ctx); err != nil {
			return result, err
		}

		tag, err := s.db.Exec(ctx,
			`DELETE FROM events
			 WHERE stream_id = $1 AND event_type != $2
			   AND sequence_number < $3 AND timestamp < $4`,
			streamID, types.EventTypeSnapshot, snap.SequenceNumber, cutoff,
		)
		if err != nil {
			return result, types.NewAppError(types.ErrCodeEventStore, "failed to delete compacted events", err)
		}
		result.StreamsCompacted++
		result.EventsDeleted += tag.RowsAffected()
	}

	// Streamless events past retention have no state to preserve.
	tag, err := s.db.Exec(ctx,
		`DELETE FROM events WHERE stream_id IS NULL AND timestamp < $1`, cutoff,
	)
	if err != nil {
		return result, types.NewAppError(types.ErrCodeEventStore, "failed to delete aged streamless events", err)
	}
	result.EventsDeleted += tag.RowsAffected()

	s.logger.Info("event log compacted",
		"streams", result.StreamsCompacted, "events_deleted", result.EventsDeleted)
	return result, nil
}

func compressState(state *streamState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeEventStore, "failed to marshal stream state", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeEventStore, "failed to init zstd encoder", err)
	}
	defer enc.Close()
	return base64.StdEncoding.EncodeToString(enc.EncodeAll(raw, nil)), nil
}

func decompressState(encoded string) (*streamState, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to decode snapshot state", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to init zstd decoder", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to decompress snapshot state", err)
	}
	var state streamState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to unmarshal stream state", err)
	}
	return &state, nil
}
