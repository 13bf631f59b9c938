package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/greyhelm/messagehub/internal/config"
	"github.com/greyhelm/messagehub/internal/metrics"
	"github.com/greyhelm/messagehub/internal/types"
)

// DeliverFunc redelivers a due message. The implementation (the router) is
// responsible for calling MarkSuccess on completion or ScheduleRetry again on
// repeated failure; the manager itself never decides delivery outcomes.
type DeliverFunc func(ctx context.Context, rec types.RetryRecord)

// Manager schedules exponential-backoff redeliveries and moves exhausted
// messages to the dead-letter store.
type Manager struct {
	cfg     config.RetryConfig
	store   *Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	now    func() time.Time
	randFn func() float64
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRand overrides the jitter source (testing).
func WithRand(fn func() float64) ManagerOption {
	return func(m *Manager) { m.randFn = fn }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mx *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager creates a Manager on top of the given store.
func NewManager(cfg config.RetryConfig, store *Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		randFn: rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ScheduleRetry records a delivery failure. attemptCount is the number of
// attempts already made; the resulting record carries attemptCount+1.
//
// When the budget is exhausted the record is marked DeadLetter and parked in
// the dead-letter store instead of the retry schedule. The returned record's
// Status tells the caller which path was taken.
func (m *Manager) ScheduleRetry(msg types.ServiceMessage, cause error, attemptCount int) (*types.RetryRecord, error) {
	now := m.now()
	rec := &types.RetryRecord{
		MessageID:    msg.ID,
		Source:       msg.Source,
		Destination:  msg.Destination,
		MessageType:  msg.MessageType,
		Payload:      msg.Payload,
		AttemptCount: attemptCount + 1,
		MaxAttempts:  m.cfg.MaxAttempts,
		CreatedAt:    msg.Timestamp,
		UpdatedAt:    now,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	if attemptCount+1 > m.cfg.MaxAttempts {
		rec.AttemptCount = attemptCount
		rec.Status = types.RetryDeadLetter
		if err := m.store.MoveToDeadLetter(rec); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to dead-letter message", err)
		}
		m.logger.Warn("message dead-lettered",
			"message_id", msg.ID, "destination", msg.Destination,
			"attempts", rec.AttemptCount, "error", rec.Error)
		m.refreshGauges()
		return rec, nil
	}

	rec.Status = types.RetryPending
	rec.NextRetryAt = now.Add(m.backoff(attemptCount))
	if err := m.store.Put(rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to schedule retry", err)
	}

	if m.metrics != nil {
		m.metrics.RetriesScheduled.Inc()
	}
	m.logger.Info("retry scheduled",
		"message_id", msg.ID, "destination", msg.Destination,
		"attempt", rec.AttemptCount, "next_retry_at", rec.NextRetryAt)
	return rec, nil
}

// backoff computes delay + jitter for the given attempt count:
// delay = min(base * 2^attempts, max), jitter = delay * jitter_factor * rand().
func (m *Manager) backoff(attemptCount int) time.Duration {
	delay := float64(m.cfg.BaseDelay) * math.Pow(2, float64(attemptCount))
	if max := float64(m.cfg.MaxDelay); delay > max {
		delay = max
	}
	jitter := delay * m.cfg.JitterFactor * m.randFn()
	return time.Duration(delay + jitter)
}

// MarkSuccess removes a message from the retry schedule after a redelivery
// succeeded.
func (m *Manager) MarkSuccess(messageID string) error {
	if err := m.store.Remove(messageID); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to clear retry record", err)
	}
	return nil
}

// Abandon moves a scheduled record straight to the dead-letter store without
// consuming the remaining attempt budget. Used when a redelivery hits a
// permanent rejection: further attempts cannot change the outcome, but the
// message stays inspectable and reprocessable by an operator.
func (m *Manager) Abandon(rec types.RetryRecord, cause error) error {
	rec.Status = types.RetryDeadLetter
	rec.UpdatedAt = m.now()
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := m.store.MoveToDeadLetter(&rec); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to dead-letter message", err)
	}
	m.logger.Warn("message abandoned to dead letter",
		"message_id", rec.MessageID, "destination", rec.Destination,
		"attempts", rec.AttemptCount, "error", rec.Error)
	m.refreshGauges()
	return nil
}

// Defer pushes a record's due time out by the backoff for its current attempt
// count without charging an attempt. Used when the destination's circuit is
// open: no delivery was made, so the budget must not shrink, but re-polling
// every tick until the breaker resets would be churn.
func (m *Manager) Defer(rec types.RetryRecord) error {
	rec.Status = types.RetryPending
	rec.NextRetryAt = m.now().Add(m.backoff(rec.AttemptCount))
	rec.UpdatedAt = m.now()
	if err := m.store.Put(&rec); err != nil {
		return types.NewAppError(types.ErrCodeInternalStore, "failed to defer retry", err)
	}
	m.logger.Info("retry deferred",
		"message_id", rec.MessageID, "destination", rec.Destination,
		"next_retry_at", rec.NextRetryAt)
	return nil
}

// ReprocessDeadLetter resets a parked message's attempt count to zero and
// re-enqueues it for immediate redelivery. This is an explicit operator
// action; dead letters are never reprocessed automatically.
func (m *Manager) ReprocessDeadLetter(messageID string) (*types.RetryRecord, error) {
	rec, err := m.store.DeadLetter(messageID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to read dead letter", err)
	}
	if rec == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "no dead letter with that message id", nil).
			WithDetails(map[string]any{"message_id": messageID})
	}

	rec.AttemptCount = 0
	rec.Status = types.RetryPending
	rec.NextRetryAt = m.now()
	rec.Error = ""
	rec.UpdatedAt = m.now()

	if err := m.store.Put(rec); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to re-enqueue dead letter", err)
	}
	if err := m.store.RemoveDeadLetter(messageID); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to clear dead letter", err)
	}

	m.logger.Info("dead letter reprocessed", "message_id", messageID)
	m.refreshGauges()
	return rec, nil
}

// DeadLetters lists every parked record for operator inspection.
func (m *Manager) DeadLetters() ([]types.RetryRecord, error) {
	recs, err := m.store.DeadLetters()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalStore, "failed to list dead letters", err)
	}
	return recs, nil
}

// Run polls the retry schedule until ctx is cancelled, handing due records to
// deliver. Each due record is marked Retrying before the handoff so a crash
// mid-delivery is visible in the store.
func (m *Manager) Run(ctx context.Context, deliver DeliverFunc) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.processDue(ctx, deliver)
		}
	}
}

// processDue pulls one batch of due records and redelivers them.
// Exposed for tests.
func (m *Manager) processDue(ctx context.Context, deliver DeliverFunc) {
	due, err := m.store.Due(m.now(), 100)
	if err != nil {
		m.logger.Error("failed to poll retry schedule", "error", err)
		return
	}

	for _, rec := range due {
		rec.Status = types.RetryRetrying
		rec.UpdatedAt = m.now()
		if err := m.store.Put(&rec); err != nil {
			m.logger.Error("failed to mark record retrying", "message_id", rec.MessageID, "error", err)
			continue
		}
		deliver(ctx, rec)
	}
}

// refreshGauges updates the dead-letter gauge from store counts.
func (m *Manager) refreshGauges() {
	if m.metrics == nil {
		return
	}
	if _, dead, err := m.store.Counts(); err == nil {
		m.metrics.DeadLetters.Set(float64(dead))
	}
}
