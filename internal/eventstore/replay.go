package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/greyhelm/messagehub/internal/types"
)

// ReplayFunc receives each replayed event in sequence order. Returning an
// error stops the replay.
type ReplayFunc func(event types.Event) error

// Replay streams events matching the request to fn in ascending sequence
// order, reading in fixed-size batches. The WAL is flushed first so events
// appended but not yet persisted are included. Returns the number of events
// delivered.
func (s *Store) Replay(ctx context.Context, req types.ReplayRequest, fn ReplayFunc) (int, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.ReplayBatchSize
	}

	if err := s.Flush(ctx); err != nil {
		return 0, err
	}

	var cursor int64
	switch req.Mode {
	case types.ReplayFromBeginning:
		cursor = 0
	case types.ReplayFromSequence:
		cursor = req.Sequence
	case types.ReplayFromTimestamp:
		if req.Timestamp == nil {
			return 0, types.NewAppError(types.ErrCodeValidationMissingField,
				"timestamp is required for from_timestamp replay", nil)
		}
		c, err := s.sequenceBefore(ctx, req)
		if err != nil {
			return 0, err
		}
		cursor = c
	case types.ReplayLastN:
		if req.LastN <= 0 {
			return 0, types.NewAppError(types.ErrCodeValidationMissingField,
				"last_n must be positive for last_n_events replay", nil)
		}
		c, err := s.sequenceForLastN(ctx, req)
		if err != nil {
			return 0, err
		}
		cursor = c
	default:
		return 0, types.NewAppError(types.ErrCodeValidationInvalidReplay,
			fmt.Sprintf("unknown replay mode %q", req.Mode), nil)
	}

	delivered := 0
	for {
		events, err := s.fetchAfter(ctx, cursor, req.StreamID, batchSize)
		if err != nil {
			return delivered, err
		}
		for _, e := range events {
			if err := fn(*e); err != nil {
				return delivered, err
			}
			delivered++
			cursor = e.SequenceNumber
		}
		if len(events) < batchSize {
			return delivered, nil
		}
	}
}

// fetchAfter returns up to limit events with sequence number strictly greater
// than cursor, ascending, optionally restricted to one stream.
func (s *Store) fetchAfter(ctx context.Context, cursor int64, streamID string, limit int) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE sequence_number > $1`
	args := []any{cursor}
	if streamID != "" {
		query += ` AND stream_id = $2`
		args = append(args, streamID)
	}
	query += fmt.Sprintf(` ORDER BY sequence_number ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to query events", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeEventStore, "failed to scan event row", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "error iterating event rows", err)
	}
	return events, nil
}

// sequenceBefore finds the replay cursor for from_timestamp mode: the highest
// sequence number strictly before the requested timestamp, so replay starts
// at the first event at or after it.
func (s *Store) sequenceBefore(ctx context.Context, req types.ReplayRequest) (int64, error) {
	query := `SELECT COALESCE(MAX(sequence_number), 0) FROM events WHERE timestamp < $1`
	args := []any{req.Timestamp.UTC()}
	if req.StreamID != "" {
		query += ` AND stream_id = $2`
		args = append(args, req.StreamID)
	}

	var cursor int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&cursor); err != nil {
		return 0, types.NewAppError(types.ErrCodeEventStore, "failed to resolve timestamp cursor", err)
	}
	return cursor, nil
}

// sequenceForLastN finds the replay cursor for last_n_events mode: the
// sequence number just before the Nth-from-last matching event.
func (s *Store) sequenceForLastN(ctx context.Context, req types.ReplayRequest) (int64, error) {
	query := `SELECT sequence_number FROM events`
	var args []any
	if req.StreamID != "" {
		query += ` WHERE stream_id = $1`
		args = append(args, req.StreamID)
	}
	query += fmt.Sprintf(` ORDER BY sequence_number DESC LIMIT 1 OFFSET $%d`, len(args)+1)
	args = append(args, req.LastN-1)

	var nth int64
	err := s.db.QueryRow(ctx, query, args...).Scan(&nth)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Fewer than N events exist; replay everything.
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeEventStore, "failed to resolve last_n cursor", err)
	}
	return nth - 1, nil
}
