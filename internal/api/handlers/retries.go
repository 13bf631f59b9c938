package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/core"
	"github.com/greyhelm/messagehub/internal/types"
)

// RetryStore is the retry-manager surface used by the dead-letter endpoints.
type RetryStore interface {
	DeadLetters() ([]types.RetryRecord, error)
	ReprocessDeadLetter(messageID string) (*types.RetryRecord, error)
}

// RetryHandler exposes the dead-letter store for operator inspection and
// manual replay.
type RetryHandler struct {
	retries RetryStore
	logger  *slog.Logger
}

// NewRetryHandler creates a RetryHandler with the provided dependencies.
func NewRetryHandler(retries RetryStore, l *slog.Logger) *RetryHandler {
	if l == nil {
		l = slog.Default()
	}
	return &RetryHandler{
		retries: retries,
		logger:  l,
	}
}

// RegisterRoutes mounts retry routes onto the provided router.
func (h *RetryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/retries/dead-letter", h.ListDeadLetters)
	r.Post("/retries/dead-letter/{id}/reprocess", h.Reprocess)
}

// ListDeadLetters handles GET /v1/retries/dead-letter, returning every
// message that exhausted its retry budget.
func (h *RetryHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	records, err := h.retries.DeadLetters()
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if records == nil {
		records = []types.RetryRecord{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: records})
}

// Reprocess handles POST /v1/retries/dead-letter/{id}/reprocess. This is an
// explicit operator action: the record's attempt count is reset and the
// message re-enters the retry schedule.
func (h *RetryHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")

	rec, err := h.retries.ReprocessDeadLetter(messageID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "dead-letter message reprocessed",
		"message_id", messageID,
		"destination", rec.Destination,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rec})
}
