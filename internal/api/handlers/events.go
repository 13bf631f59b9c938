package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/core"
	"github.com/greyhelm/messagehub/internal/eventstore"
	"github.com/greyhelm/messagehub/internal/types"
)

// EventStore is the event-log surface used by the replay and compaction
// endpoints.
type EventStore interface {
	Replay(ctx context.Context, req types.ReplayRequest, fn eventstore.ReplayFunc) (int, error)
	CreateSnapshot(ctx context.Context, streamID string) (*types.Event, error)
	Compact(ctx context.Context) (*eventstore.CompactResult, error)
}

// replayResponseLimit caps how many events a replay response carries inline.
// Replays larger than this still run to completion; the response reports the
// full count but truncates the event list.
const replayResponseLimit = 1000

// ReplayResponse is the body for POST /v1/events/replay.
type ReplayResponse struct {
	Count     int           `json:"count"`
	Truncated bool          `json:"truncated"`
	Events    []types.Event `json:"events"`
}

// EventHandler exposes operator access to the durable event log.
type EventHandler struct {
	store  EventStore
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler with the provided dependencies.
func NewEventHandler(store EventStore, l *slog.Logger) *EventHandler {
	if l == nil {
		l = slog.Default()
	}
	return &EventHandler{
		store:  store,
		logger: l,
	}
}

// RegisterRoutes mounts event log routes onto the provided router.
func (h *EventHandler) RegisterRoutes(r chi.Router) {
	r.Post("/events/replay", h.Replay)
	r.Post("/events/streams/{stream_id}/snapshot", h.Snapshot)
	r.Post("/events/compact", h.Compact)
}

// Replay handles POST /v1/events/replay. The request selects a replay mode
// (from_beginning, from_timestamp, from_sequence, last_n_events) and an
// optional stream filter; matching events stream back in the response up to
// the inline limit.
func (h *EventHandler) Replay(w http.ResponseWriter, r *http.Request) {
	var req types.ReplayRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	resp := ReplayResponse{Events: []types.Event{}}
	count, err := h.store.Replay(r.Context(), req, func(e types.Event) error {
		if len(resp.Events) < replayResponseLimit {
			resp.Events = append(resp.Events, e)
		} else {
			resp.Truncated = true
		}
		return nil
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	resp.Count = count

	h.logger.InfoContext(r.Context(), "event replay served",
		"mode", req.Mode,
		"stream_id", req.StreamID,
		"count", count,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// Snapshot handles POST /v1/events/streams/{stream_id}/snapshot, forcing a
// snapshot of the stream's reconstructed state.
func (h *EventHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "stream_id")

	snap, err := h.store.CreateSnapshot(r.Context(), streamID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: snap})
}

// Compact handles POST /v1/events/compact, snapshotting streams with events
// past the retention window and deleting the superseded rows. Snapshots
// themselves are never deleted.
func (h *EventHandler) Compact(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.Compact(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "event log compacted",
		"streams_compacted", result.StreamsCompacted,
		"events_deleted", result.EventsDeleted,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}
