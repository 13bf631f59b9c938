// Package eventstore provides the durable, append-only event log backing the
// hub. Appends allocate a global sequence number transactionally, buffer the
// event in an in-memory write-ahead buffer, and a background flusher persists
// buffered events to PostgreSQL in sequence order.
//
// The backing tables (events, event_streams, and the event_sequence counter
// row) are defined in schema.sql and must exist before the first append;
// schema management is external to the hub.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"

	"github.com/greyhelm/messagehub/internal/config"
	"github.com/greyhelm/messagehub/internal/metrics"
	"github.com/greyhelm/messagehub/internal/types"
)

// DBTX is the minimal query interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB extends DBTX with transaction support. Sequence allocation and stream
// version checks must run inside a transaction; *pgxpool.Pool satisfies this.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the durable event store. All methods are safe for concurrent use.
type Store struct {
	db      DB
	cfg     config.EventStoreConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu  sync.Mutex
	wal []*types.Event
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = mx }
}

// New creates a Store backed by the given database.
func New(db DB, cfg config.EventStoreConfig, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records a new event. The global sequence number and, for stream
// events, the stream version are allocated under a row lock so concurrent
// appends never collide. ExpectedVersion mismatches return an
// eventstore_concurrency_conflict error and nothing is appended.
//
// The event body itself is buffered in the WAL and persisted by the next
// flush; the returned event already carries its final sequence number.
func (s *Store) Append(ctx context.Context, req types.AppendRequest) (*types.Event, error) {
	if req.EventType == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "event_type is required", nil)
	}
	if req.SourceService == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "source_service is required", nil)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to begin append transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT value FROM event_sequence WHERE name = 'global' FOR UPDATE`,
	).Scan(&seq)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to read event sequence", err)
	}
	seq++
	if _, err := tx.Exec(ctx,
		`UPDATE event_sequence SET value = $1 WHERE name = 'global'`, seq,
	); err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to advance event sequence", err)
	}

	var streamVersion int64
	if req.StreamID != "" {
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT version FROM event_streams WHERE stream_id = $1 FOR UPDATE`,
			req.StreamID,
		).Scan(&current)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeEventStore, "failed to read stream version", err)
		}

		if req.ExpectedVersion != nil && *req.ExpectedVersion != current {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeEventConcurrency,
				"stream version mismatch",
				nil,
				map[string]any{
					"stream_id":        req.StreamID,
					"expected_version": *req.ExpectedVersion,
					"current_version":  current,
				},
			)
		}

		// Snapshots annotate the stream at its current version; only domain
		// events advance it.
		streamVersion = current
		if req.EventType != types.EventTypeSnapshot {
			streamVersion = current + 1
			if _, err := tx.Exec(ctx,
				`INSERT INTO event_streams (stream_id, version, updated_at)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (stream_id) DO UPDATE SET version = $2, updated_at = $3`,
				req.StreamID, streamVersion, s.now().UTC(),
			); err != nil {
				return nil, types.NewAppError(types.ErrCodeEventStore, "failed to update stream version", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, types.NewAppError(types.ErrCodeEventStore, "failed to commit append transaction", err)
	}

	event := &types.Event{
		EventID:        "evt_" + ulid.Make().String(),
		EventType:      req.EventType,
		SourceService:  req.SourceService,
		Data:           req.Data,
		Metadata:       req.Metadata,
		CorrelationID:  req.CorrelationID,
		CausationID:    req.CausationID,
		SequenceNumber: seq,
		StreamID:       req.StreamID,
		StreamVersion:  streamVersion,
		Timestamp:      s.now().UTC(),
	}

	s.mu.Lock()
	s.wal = append(s.wal, event)
	buffered := len(s.wal)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.EventsAppended.Inc()
		s.metrics.WALBuffered.Set(float64(buffered))
	}
	return event, nil
}

// Flush persists all buffered events in sequence order. On failure the batch
// is put back at the front of the buffer so no event is lost; the next flush
// retries it.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.wal
	s.wal = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := s.insertBatch(ctx, batch); err != nil {
		s.mu.Lock()
		s.wal = append(batch, s.wal...)
		buffered := len(s.wal)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.WALBuffered.Set(float64(buffered))
		}
		return err
	}

	if s.metrics != nil {
		s.mu.Lock()
		buffered := len(s.wal)
		s.mu.Unlock()
		s.metrics.WALBuffered.Set(float64(buffered))
	}
	return nil
}

const eventColumns = `event_id, event_type, source_service, data, metadata,
	correlation_id, causation_id, sequence_number, stream_id, stream_version, timestamp`

func (s *Store) insertBatch(ctx context.Context, batch []*types.Event) error {
	const colCount = 11
	var sb strings.Builder
	sb.WriteString(`INSERT INTO events (` + eventColumns + `) VALUES `)

	args := make([]any, 0, len(batch)*colCount)
	for i, e := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < colCount; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*colCount+j+1)
		}
		sb.WriteString(")")

		args = append(args,
			e.EventID,
			e.EventType,
			e.SourceService,
			e.Data,
			e.Metadata,
			nilIfEmpty(e.CorrelationID),
			nilIfEmpty(e.CausationID),
			e.SequenceNumber,
			nilIfEmpty(e.StreamID),
			e.StreamVersion,
			e.Timestamp,
		)
	}

	if _, err := s.db.Exec(ctx, sb.String(), args...); err != nil {
		return types.NewAppError(types.ErrCodeEventStore, "failed to flush event batch", err)
	}
	return nil
}

// Run flushes the WAL on the configured interval until ctx is cancelled, then
// performs a final flush so shutdown never drops buffered events.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WALFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error("final WAL flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("WAL flush failed, batch retained", "error", err)
			}
		}
	}
}

// Buffered returns the number of events awaiting flush.
func (s *Store) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wal)
}

// StreamVersion returns the current version of a stream, zero when the stream
// has no events.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	var version int64
	err := s.db.QueryRow(ctx,
		`SELECT version FROM event_streams WHERE stream_id = $1`, streamID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeEventStore, "failed to read stream version", err)
	}
	return version, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanEvent(rows pgx.Rows) (*types.Event, error) {
	var e types.Event
	var correlationID, causationID, streamID *string
	err := rows.Scan(
		&e.EventID,
		&e.EventType,
		&e.SourceService,
		&e.Data,
		&e.Metadata,
		&correlationID,
		&causationID,
		&e.SequenceNumber,
		&streamID,
		&e.StreamVersion,
		&e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if correlationID != nil {
		e.CorrelationID = *correlationID
	}
	if causationID != nil {
		e.CausationID = *causationID
	}
	if streamID != nil {
		e.StreamID = *streamID
	}
	return &e, nil
}
