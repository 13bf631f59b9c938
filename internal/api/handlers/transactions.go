package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/core"
	"github.com/greyhelm/messagehub/internal/types"
)

// TransactionCoordinator is the two-phase-commit surface used by the
// transaction endpoints.
type TransactionCoordinator interface {
	Begin() *types.Transaction
	AddParticipant(id string, p types.TransactionParticipant) error
	Commit(ctx context.Context, id string) (*types.Transaction, error)
	Rollback(ctx context.Context, id string) (*types.Transaction, error)
	Get(id string) (*types.Transaction, error)
	List() []*types.Transaction
}

// AddParticipantRequest is the request body for
// POST /v1/transactions/{id}/participants.
type AddParticipantRequest struct {
	Participant types.TransactionParticipant `json:"participant"`
}

// TransactionHandler coordinates distributed transactions across backend
// services.
type TransactionHandler struct {
	txns   TransactionCoordinator
	logger *slog.Logger
}

// NewTransactionHandler creates a TransactionHandler with the provided
// dependencies.
func NewTransactionHandler(txns TransactionCoordinator, l *slog.Logger) *TransactionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &TransactionHandler{
		txns:   txns,
		logger: l,
	}
}

// RegisterRoutes mounts transaction routes onto the provided router.
func (h *TransactionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/transactions/begin", h.Begin)
	r.Post("/transactions/{id}/participants", h.AddParticipant)
	r.Post("/transactions/{id}/commit", h.Commit)
	r.Post("/transactions/{id}/rollback", h.Rollback)
	r.Get("/transactions", h.List)
	r.Get("/transactions/{id}", h.Get)
}

// Begin handles POST /v1/transactions/begin.
func (h *TransactionHandler) Begin(w http.ResponseWriter, r *http.Request) {
	tx := h.txns.Begin()

	h.logger.InfoContext(r.Context(), "transaction started", "transaction_id", tx.ID)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: tx})
}

// AddParticipant handles POST /v1/transactions/{id}/participants. Participants
// can only be added while the transaction is pending.
func (h *TransactionHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AddParticipantRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.txns.AddParticipant(id, req.Participant); err != nil {
		core.Error(w, r, err)
		return
	}

	tx, err := h.txns.Get(id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: tx})
}

// Commit handles POST /v1/transactions/{id}/commit, running the prepare and
// commit phases. The returned transaction carries the terminal state; a
// prepare or commit failure surfaces as an error after rollback completes.
func (h *TransactionHandler) Commit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.txns.Commit(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: tx})
}

// Rollback handles POST /v1/transactions/{id}/rollback, explicitly aborting a
// pending transaction.
func (h *TransactionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.txns.Rollback(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: tx})
}

// List handles GET /v1/transactions, returning active and recently completed
// transactions.
func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: h.txns.List()})
}

// Get handles GET /v1/transactions/{id}.
func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.txns.Get(id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: tx})
}
