// Package txn coordinates distributed transactions across hub participants
// using two-phase commit. Prepare and commit fan out in parallel through the
// message router; any failure aborts into a compensating rollback that walks
// executed operations in reverse.
package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/greyhelm/messagehub/internal/config"
	"github.com/greyhelm/messagehub/internal/metrics"
	"github.com/greyhelm/messagehub/internal/types"
)

// Sender delivers coordination messages to participant services. The message
// router satisfies this.
type Sender interface {
	Send(ctx context.Context, msg types.ServiceMessage) (*types.ServiceResponse, error)
}

// Manager coordinates two-phase-commit transactions. Active transactions live
// in memory; completed ones are retained in a bounded history for inspection.
type Manager struct {
	cfg     config.TransactionConfig
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	active    map[string]*types.Transaction
	completed []*types.Transaction
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// New creates a transaction Manager that coordinates through sender.
func New(cfg config.TransactionConfig, sender Sender, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:    cfg,
		sender: sender,
		logger: logger,
		now:    time.Now,
		active: make(map[string]*types.Transaction),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin creates a new Pending transaction with no participants.
func (m *Manager) Begin() *types.Transaction {
	tx := &types.Transaction{
		ID:           "txn_" + ulid.Make().String(),
		State:        types.TxPending,
		Participants: make(map[types.ServiceType][]types.TransactionParticipant),
		StartTime:    m.now().UTC(),
	}

	m.mu.Lock()
	m.active[tx.ID] = tx
	m.mu.Unlock()

	m.logger.Info("transaction started", "transaction_id", tx.ID)
	return m.snapshot(tx)
}

// AddParticipant registers an operation a service will execute as part of the
// transaction. Only Pending transactions accept participants.
func (m *Manager) AddParticipant(id string, p types.TransactionParticipant) error {
	if p.Service == "" || p.Operation == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"participant service and operation are required", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.active[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
	}
	if tx.State != types.TxPending {
		return types.NewAppErrorWithDetails(types.ErrCodeTransactionState,
			"cannot add participants to a non-pending transaction", nil,
			map[string]any{"transaction_id": id, "state": tx.State})
	}

	tx.Participants[p.Service] = append(tx.Participants[p.Service], p)
	return nil
}

// Commit runs both phases of two-phase commit. PREPARE fans out to every
// participant in parallel; only if all succeed does COMMIT fan out. Any
// failure in either phase aborts into rollback of the operations that had
// executed. Returns the transaction in its terminal state.
func (m *Manager) Commit(ctx context.Context, id string) (*types.Transaction, error) {
	m.mu.Lock()
	tx, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
	}
	if tx.State != types.TxPending {
		state := tx.State
		m.mu.Unlock()
		return nil, types.NewAppErrorWithDetails(types.ErrCodeTransactionState,
			"transaction is not pending", nil,
			map[string]any{"transaction_id": id, "state": state})
	}
	participants := flatten(tx.Participants)
	m.mu.Unlock()

	if err := m.runPhase(ctx, tx, participants, types.MessageTransactionPrepare); err != nil {
		m.logger.Error("prepare phase failed, rolling back",
			"transaction_id", id, "error", err)
		m.abort(ctx, tx, err)
		return m.snapshot(tx), types.NewAppError(types.ErrCodeTransactionPrepare,
			"prepare phase failed", err)
	}

	if err := m.runPhase(ctx, tx, participants, types.MessageTransactionCommit); err != nil {
		m.logger.Error("commit phase failed, rolling back",
			"transaction_id", id, "error", err)
		m.abort(ctx, tx, err)
		return m.snapshot(tx), types.NewAppError(types.ErrCodeTransactionCommit,
			"commit phase failed", err)
	}

	m.finish(tx, types.TxCommitted, "")
	m.logger.Info("transaction committed",
		"transaction_id", id, "participants", len(participants))
	return m.snapshot(tx), nil
}

// Rollback compensates a transaction by walking its executed operations in
// reverse order and issuing each declared rollback operation. A failing
// rollback step marks the transaction Failed; compensations may not be
// idempotent, so it is never retried automatically.
func (m *Manager) Rollback(ctx context.Context, id string) (*types.Transaction, error) {
	m.mu.Lock()
	tx, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
	}
	if tx.State != types.TxPending {
		state := tx.State
		m.mu.Unlock()
		return nil, types.NewAppErrorWithDetails(types.ErrCodeTransactionState,
			"transaction is not pending", nil,
			map[string]any{"transaction_id": id, "state": state})
	}
	m.mu.Unlock()

	m.abort(ctx, tx, nil)
	return m.snapshot(tx), nil
}

// Get returns a transaction by ID, active or completed.
func (m *Manager) Get(id string) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.active[id]; ok {
		return m.snapshot(tx), nil
	}
	for _, tx := range m.completed {
		if tx.ID == id {
			return m.snapshot(tx), nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundTransaction, "transaction not found", nil)
}

// List returns all active transactions followed by the completed history,
// newest completed last.
func (m *Manager) List() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.Transaction, 0, len(m.active)+len(m.completed))
	for _, tx := range m.active {
		out = append(out, m.snapshot(tx))
	}
	for _, tx := range m.completed {
		out = append(out, m.snapshot(tx))
	}
	return out
}

// RunReaper force-rolls-back Pending transactions older than the configured
// timeout, on the configured interval, until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapExpired(ctx)
		}
	}
}

func (m *Manager) reapExpired(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.Timeout)

	m.mu.Lock()
	var expired []*types.Transaction
	for _, tx := range m.active {
		if tx.State == types.TxPending && tx.StartTime.Before(cutoff) {
			expired = append(expired, tx)
		}
	}
	m.mu.Unlock()

	for _, tx := range expired {
		m.logger.Warn("transaction exceeded timeout, forcing rollback",
			"transaction_id", tx.ID, "started_at", tx.StartTime)
		m.abort(ctx, tx, fmt.Errorf("transaction timeout after %s", m.cfg.Timeout))
	}
}

// coordinationPayload is the body of PREPARE/COMMIT messages sent to
// participants.
type coordinationPayload struct {
	TransactionID string          `json:"transaction_id"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// runPhase fans out one coordination message type to all participants in
// parallel. During PREPARE, successful responses are recorded as executed
// operations so a later rollback knows what to compensate.
func (m *Manager) runPhase(ctx context.Context, tx *types.Transaction, participants []types.TransactionParticipant, msgType types.MessageType) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, p := range participants {
		p := p
		g.Go(func() error {
			body, err := json.Marshal(coordinationPayload{
				TransactionID: tx.ID,
				Operation:     p.Operation,
				Payload:       p.Payload,
			})
			if err != nil {
				return fmt.Errorf("encode %s for %s: %w", msgType, p.Service, err)
			}

			resp, err := m.sender.Send(ctx, types.ServiceMessage{
				ID:            "msg_" + uuid.NewString(),
				Source:        types.ServiceHub,
				Destination:   p.Service,
				MessageType:   msgType,
				Payload:       body,
				CorrelationID: tx.ID,
				Timestamp:     m.now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("%s to %s: %w", msgType, p.Service, err)
			}
			if !resp.Success {
				return fmt.Errorf("%s rejected by %s: %s", msgType, p.Service, resp.Error)
			}

			if msgType == types.MessageTransactionPrepare {
				m.mu.Lock()
				tx.Operations = append(tx.Operations, types.TransactionOperation{
					Service:           p.Service,
					Operation:         p.Operation,
					Payload:           p.Payload,
					RollbackOperation: p.RollbackOperation,
					Result:            resp.Data,
					ExecutedAt:        m.now().UTC(),
				})
				m.mu.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

// rollbackPayload carries the context a participant needs to compensate an
// executed operation.
type rollbackPayload struct {
	TransactionID     string          `json:"transaction_id"`
	RollbackOperation string          `json:"rollback_operation"`
	OriginalOperation string          `json:"original_operation"`
	OriginalPayload   json.RawMessage `json:"original_payload,omitempty"`
	OriginalResult    json.RawMessage `json:"original_result,omitempty"`
}

// abort rolls back executed operations in reverse order. Operations without a
// declared rollback operation are skipped. A rollback failure marks the
// transaction Failed instead of RolledBack.
func (m *Manager) abort(ctx context.Context, tx *types.Transaction, cause error) {
	m.mu.Lock()
	ops := make([]types.TransactionOperation, len(tx.Operations))
	copy(ops, tx.Operations)
	m.mu.Unlock()

	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.RollbackOperation == "" {
			continue
		}

		body, err := json.Marshal(rollbackPayload{
			TransactionID:     tx.ID,
			RollbackOperation: op.RollbackOperation,
			OriginalOperation: op.Operation,
			OriginalPayload:   op.Payload,
			OriginalResult:    op.Result,
		})
		if err != nil {
			m.failRollback(tx, op, err)
			return
		}

		resp, err := m.sender.Send(ctx, types.ServiceMessage{
			ID:            "msg_" + uuid.NewString(),
			Source:        types.ServiceHub,
			Destination:   op.Service,
			MessageType:   types.MessageTransactionRollback,
			Payload:       body,
			CorrelationID: tx.ID,
			Timestamp:     m.now().UTC(),
		})
		if err != nil {
			m.failRollback(tx, op, err)
			return
		}
		if !resp.Success {
			m.failRollback(tx, op, fmt.Errorf("rollback rejected: %s", resp.Error))
			return
		}
	}

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	m.finish(tx, types.TxRolledBack, reason)
	m.logger.Info("transaction rolled back",
		"transaction_id", tx.ID, "compensated_operations", len(ops))
}

// failRollback marks the transaction Failed after a compensation error. This
// is operator-intervention territory.
func (m *Manager) failRollback(tx *types.Transaction, op types.TransactionOperation, err error) {
	m.logger.Error("rollback step failed, transaction requires operator intervention",
		"transaction_id", tx.ID, "service", op.Service,
		"rollback_operation", op.RollbackOperation, "error", err)
	m.finish(tx, types.TxFailed,
		fmt.Sprintf("rollback of %s on %s failed: %v", op.Operation, op.Service, err))
}

// finish moves a transaction to a terminal state and into the bounded
// completed history, evicting the oldest entry when full.
func (m *Manager) finish(tx *types.Transaction, state types.TransactionState, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.State.Terminal() {
		return
	}
	tx.State = state
	tx.Error = errMsg
	end := m.now().UTC()
	tx.EndTime = &end

	delete(m.active, tx.ID)
	m.completed = append(m.completed, tx)
	if len(m.completed) > m.cfg.MaxCompleted {
		m.completed = m.completed[len(m.completed)-m.cfg.MaxCompleted:]
	}

	if m.metrics != nil {
		m.metrics.Transactions.WithLabelValues(string(state)).Inc()
	}
}

// snapshot copies a transaction for return to callers so internal state is
// never mutated outside the manager's lock. Caller must hold m.mu or own tx
// exclusively; Commit/Rollback call it after terminal transitions.
func (m *Manager) snapshot(tx *types.Transaction) *types.Transaction {
	cp := *tx
	cp.Participants = make(map[types.ServiceType][]types.TransactionParticipant, len(tx.Participants))
	for svc, ps := range tx.Participants {
		cp.Participants[svc] = append([]types.TransactionParticipant(nil), ps...)
	}
	cp.Operations = append([]types.TransactionOperation(nil), tx.Operations...)
	return &cp
}

// flatten orders participants deterministically for fan-out: by service type,
// then per-service insertion order.
func flatten(participants map[types.ServiceType][]types.TransactionParticipant) []types.TransactionParticipant {
	svcs := make([]types.ServiceType, 0, len(participants))
	for svc := range participants {
		svcs = append(svcs, svc)
	}
	sort.Slice(svcs, func(i, j int) bool { return svcs[i] < svcs[j] })

	var out []types.TransactionParticipant
	for _, svc := range svcs {
		out = append(out, participants[svc]...)
	}
	return out
}
