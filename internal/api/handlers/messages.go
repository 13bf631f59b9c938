// Package handlers contains the HTTP handler implementations for the message
// hub API. Each handler owns one domain surface (messages, services, retries,
// events, transactions), declares the narrow interfaces it needs, and mounts
// its routes via RegisterRoutes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greyhelm/messagehub/internal/core"
	"github.com/greyhelm/messagehub/internal/types"
)

// MessageSender routes a message to its destination service. Implemented by
// the message router; defined locally to enable test mocking.
type MessageSender interface {
	Send(ctx context.Context, msg types.ServiceMessage) (*types.ServiceResponse, error)
}

// MessageQueue is the priority-queue surface used by the enqueue/dequeue
// endpoints.
type MessageQueue interface {
	Enqueue(msg types.ServiceMessage, prio types.Priority, deadline *time.Time) bool
	Dequeue(service types.ServiceType, batchSize int) []types.PrioritizedMessage
	Depths() map[types.Priority]int
}

// SendMessageRequest is the request body for POST /v1/messages/send.
type SendMessageRequest struct {
	Message types.ServiceMessage `json:"message"`
}

// EnqueueMessageRequest is the request body for POST /v1/messages/enqueue.
// Priority defaults to "normal" when omitted.
type EnqueueMessageRequest struct {
	Message  types.ServiceMessage `json:"message"`
	Priority string               `json:"priority,omitempty"`
	Deadline *time.Time           `json:"deadline,omitempty"`
}

// DequeueRequest is the request body for POST /v1/messages/dequeue. Backend
// services poll this endpoint to pull their queued work.
type DequeueRequest struct {
	Service   types.ServiceType `json:"service"`
	BatchSize int               `json:"batch_size,omitempty"`
}

// DequeueResponse carries the dequeued batch.
type DequeueResponse struct {
	Messages []types.PrioritizedMessage `json:"messages"`
}

// QueueDepthsResponse reports current queue depth per priority level.
type QueueDepthsResponse struct {
	Depths map[string]int `json:"depths"`
	Total  int            `json:"total"`
}

// defaultDequeueBatch bounds pull size when the caller does not specify one.
const (
	defaultDequeueBatch = 10
	maxDequeueBatch     = 100
)

// MessageHandler routes and queues inter-service messages.
type MessageHandler struct {
	sender MessageSender
	queue  MessageQueue
	logger *slog.Logger
}

// NewMessageHandler creates a MessageHandler with the provided dependencies.
func NewMessageHandler(sender MessageSender, queue MessageQueue, l *slog.Logger) *MessageHandler {
	if l == nil {
		l = slog.Default()
	}
	return &MessageHandler{
		sender: sender,
		queue:  queue,
		logger: l,
	}
}

// RegisterRoutes mounts message routes onto the provided router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages/send", h.Send)
	r.Post("/messages/enqueue", h.Enqueue)
	r.Post("/messages/dequeue", h.Dequeue)
	r.Get("/messages/queue", h.QueueDepths)
}

// Send handles POST /v1/messages/send. The message is routed synchronously;
// the destination's response (or a structured routing error) is returned to
// the caller.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	resp, err := h.sender.Send(r.Context(), req.Message)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// Enqueue handles POST /v1/messages/enqueue. Returns 202 Accepted on success
// and 429 when the queue rejects the message due to overflow.
func (h *MessageHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueMessageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if req.Message.Destination == "" || req.Message.MessageType == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidMessage,
			"message destination and message_type are required",
			nil,
		))
		return
	}

	prio := types.ParsePriority(req.Priority)
	if !h.queue.Enqueue(req.Message, prio, req.Deadline) {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeQueueOverflow,
			"queue is at capacity, message rejected",
			nil,
		))
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: map[string]any{
		"message_id": req.Message.ID,
		"priority":   prio.String(),
	}})
}

// Dequeue handles POST /v1/messages/dequeue. Backend services pull their
// queued messages in priority order, subject to per-service quotas.
func (h *MessageHandler) Dequeue(w http.ResponseWriter, r *http.Request) {
	var req DequeueRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if req.Service == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"service is required",
			nil,
		))
		return
	}

	batch := req.BatchSize
	if batch <= 0 {
		batch = defaultDequeueBatch
	}
	if batch > maxDequeueBatch {
		batch = maxDequeueBatch
	}

	msgs := h.queue.Dequeue(req.Service, batch)
	if msgs == nil {
		msgs = []types.PrioritizedMessage{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: DequeueResponse{Messages: msgs}})
}

// QueueDepths handles GET /v1/messages/queue, reporting per-priority depth.
func (h *MessageHandler) QueueDepths(w http.ResponseWriter, r *http.Request) {
	depths := h.queue.Depths()

	resp := QueueDepthsResponse{Depths: make(map[string]int, len(depths))}
	for p, n := range depths {
		resp.Depths[p.String()] = n
		resp.Total += n
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
