// Package router orchestrates message delivery: circuit breaker check,
// registry instance selection, HTTP delivery, failure classification, and
// retry/dead-letter hookup.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/greyhelm/messagehub/internal/breaker"
	"github.com/greyhelm/messagehub/internal/metrics"
	"github.com/greyhelm/messagehub/internal/registry"
	"github.com/greyhelm/messagehub/internal/retry"
	"github.com/greyhelm/messagehub/internal/types"
)

// messagePath is the endpoint every registered instance exposes for inbound
// hub messages.
const messagePath = "/v1/messages"

// maxResponseBody bounds how much of a participant response is read.
const maxResponseBody = 1 << 20

// EventAppender records delivery events. The event store satisfies this; nil
// disables event recording.
type EventAppender interface {
	Append(ctx context.Context, req types.AppendRequest) (*types.Event, error)
}

// Router delivers ServiceMessages to registered instances.
type Router struct {
	registry *registry.Registry
	breakers *breaker.Group
	retries  *retry.Manager
	events   EventAppender
	logger   *slog.Logger
	metrics  *metrics.Metrics
	client   *http.Client
	now      func() time.Time
}

// Option customizes a Router.
type Option func(*Router)

// WithHTTPClient overrides the delivery HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Router) { r.client = client }
}

// WithEvents attaches an event appender for delivery events.
func WithEvents(events EventAppender) Option {
	return func(r *Router) { r.events = events }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = mx }
}

// WithClock overrides the time source (testing).
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router.
func New(reg *registry.Registry, breakers *breaker.Group, retries *retry.Manager, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		registry: reg,
		breakers: breakers,
		retries:  retries,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Send routes a message to its destination. Transient failures (network
// errors, 408/429/5xx, no instance available) feed the destination's circuit
// breaker and schedule a retry; permanent failures (other 4xx) are surfaced
// immediately as routing_delivery_failed and never retried. An open breaker
// short-circuits before any instance is contacted.
func (r *Router) Send(ctx context.Context, msg types.ServiceMessage) (*types.ServiceResponse, error) {
	return r.send(ctx, msg, 0)
}

// Redeliver retries a previously failed message from its retry record. It is
// the DeliverFunc handed to the retry manager's poller. Every outcome settles
// the record: success clears it, a permanent rejection dead-letters it, an
// open breaker defers it, and a transient failure has already been
// rescheduled (or dead-lettered on exhaustion) by send.
func (r *Router) Redeliver(ctx context.Context, rec types.RetryRecord) {
	resp, err := r.send(ctx, rec.Message(), rec.AttemptCount)
	if err == nil {
		if err := r.retries.MarkSuccess(rec.MessageID); err != nil {
			r.logger.Error("failed to clear retry record after redelivery",
				"message_id", rec.MessageID, "error", err)
		}
		return
	}

	// send returns a response alongside the error only when the destination
	// rejected the message outright.
	if resp != nil {
		r.logger.Warn("redelivery permanently rejected",
			"message_id", rec.MessageID, "destination", rec.Destination,
			"attempt", rec.AttemptCount, "error", err)
		if aerr := r.retries.Abandon(rec, err); aerr != nil {
			r.logger.Error("failed to dead-letter rejected message",
				"message_id", rec.MessageID, "error", aerr)
		}
		return
	}

	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeCircuitOpen {
		if derr := r.retries.Defer(rec); derr != nil {
			r.logger.Error("failed to defer retry while circuit open",
				"message_id", rec.MessageID, "error", derr)
		}
		return
	}

	r.logger.Warn("redelivery failed",
		"message_id", rec.MessageID, "destination", rec.Destination,
		"attempt", rec.AttemptCount, "error", err)
}

func (r *Router) send(ctx context.Context, msg types.ServiceMessage, attempt int) (*types.ServiceResponse, error) {
	if msg.Destination == "" || msg.MessageType == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMessage,
			"destination and message_type are required", nil)
	}
	if msg.ID == "" {
		msg.ID = "msg_" + uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now().UTC()
	}

	start := r.now()
	resp, err := r.breakers.Execute(msg.Destination, func() (*types.ServiceResponse, error) {
		return r.deliver(ctx, msg)
	})
	elapsed := r.now().Sub(start)

	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeCircuitOpen {
			r.observe(msg.Destination, "circuit_open", elapsed)
			return nil, appErr
		}

		// Transient failure: hand to the retry manager.
		r.observe(msg.Destination, "failed", elapsed)
		if r.retries != nil {
			if _, rerr := r.retries.ScheduleRetry(msg, err, attempt); rerr != nil {
				r.logger.Error("failed to schedule retry",
					"message_id", msg.ID, "error", rerr)
			}
		}
		return nil, err
	}

	if !resp.Success {
		// Permanent rejection by the destination; retrying cannot help.
		r.observe(msg.Destination, "rejected", elapsed)
		return resp, types.NewAppErrorWithDetails(types.ErrCodeDeliveryFailed,
			"destination rejected the message", nil,
			map[string]any{"message_id": msg.ID, "destination": msg.Destination, "error": resp.Error})
	}

	r.observe(msg.Destination, "success", elapsed)
	r.recordDelivery(ctx, msg, elapsed)
	return resp, nil
}

// deliver selects an instance and performs one HTTP delivery attempt. It
// returns a non-nil error only for transient failures, so the circuit breaker
// counts exactly those; permanent 4xx rejections come back as an unsuccessful
// ServiceResponse with a nil error.
func (r *Router) deliver(ctx context.Context, msg types.ServiceMessage) (*types.ServiceResponse, error) {
	inst := r.registry.GetInstance(msg.Destination, msg.MessageType, "")
	if inst == nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeServiceUnavailable,
			"no eligible instance for destination", nil,
			map[string]any{"destination": msg.Destination, "message_type": msg.MessageType})
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode message", err)
	}

	url := strings.TrimRight(inst.URL, "/") + messagePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build delivery request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if reqID := types.GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	r.registry.OnRequestStart(msg.Destination, inst.InstanceID)
	start := r.now()

	httpResp, err := r.client.Do(req)
	if err != nil {
		r.registry.OnRequestEnd(msg.Destination, inst.InstanceID, false, r.now().Sub(start))
		return nil, types.NewAppErrorWithDetails(types.ErrCodeDeliveryFailed,
			"delivery request failed", err,
			map[string]any{"instance_id": inst.InstanceID, "url": inst.URL})
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	elapsed := r.now().Sub(start)
	if err != nil {
		r.registry.OnRequestEnd(msg.Destination, inst.InstanceID, false, elapsed)
		return nil, types.NewAppError(types.ErrCodeDeliveryFailed, "failed to read delivery response", err)
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		r.registry.OnRequestEnd(msg.Destination, inst.InstanceID, true, elapsed)

		var resp types.ServiceResponse
		if err := json.Unmarshal(respBody, &resp); err != nil || resp.MessageID == "" {
			// Destinations that reply with a bare payload still count as
			// delivered.
			resp = types.ServiceResponse{
				MessageID:     msg.ID,
				Success:       true,
				Data:          respBody,
				CorrelationID: msg.CorrelationID,
			}
		}
		return &resp, nil

	case transientStatus(httpResp.StatusCode):
		r.registry.OnRequestEnd(msg.Destination, inst.InstanceID, false, elapsed)
		return nil, types.NewAppErrorWithDetails(types.ErrCodeDeliveryFailed,
			fmt.Sprintf("destination returned %d", httpResp.StatusCode), nil,
			map[string]any{"instance_id": inst.InstanceID, "status": httpResp.StatusCode})

	default:
		// Remaining 4xx: the message itself was rejected.
		r.registry.OnRequestEnd(msg.Destination, inst.InstanceID, false, elapsed)
		return &types.ServiceResponse{
			MessageID:     msg.ID,
			Success:       false,
			Error:         fmt.Sprintf("destination returned %d: %s", httpResp.StatusCode, truncate(respBody, 256)),
			CorrelationID: msg.CorrelationID,
		}, nil
	}
}

// transientStatus reports whether an HTTP status is worth retrying: request
// timeout, rate limiting, and server-side errors.
func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func (r *Router) observe(dest types.ServiceType, outcome string, elapsed time.Duration) {
	if r.metrics != nil {
		r.metrics.ObserveDelivery(string(dest), outcome, elapsed)
	}
}

// recordDelivery appends a delivery event to the event store. Failures are
// logged, never propagated; event recording must not fail a delivery that
// already succeeded.
func (r *Router) recordDelivery(ctx context.Context, msg types.ServiceMessage, elapsed time.Duration) {
	if r.events == nil {
		return
	}

	data, err := json.Marshal(map[string]any{
		"message_id":   msg.ID,
		"source":       msg.Source,
		"destination":  msg.Destination,
		"message_type": msg.MessageType,
		"latency_ms":   elapsed.Milliseconds(),
	})
	if err != nil {
		return
	}

	_, err = r.events.Append(ctx, types.AppendRequest{
		EventType:     "message.delivered",
		SourceService: types.ServiceHub,
		Data:          data,
		CorrelationID: msg.CorrelationID,
		CausationID:   msg.ID,
	})
	if err != nil {
		r.logger.Error("failed to record delivery event",
			"message_id", msg.ID, "error", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
