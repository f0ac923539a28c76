package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/redis"
)

// Idempotency scopes keep /v1/events and /v1/broadcasts keys apart.
const (
	scopeEvents     = "events"
	scopeBroadcasts = "broadcasts"
)

var errEnqueueFailed = errors.New("event queue unavailable")

// Idempotency deduplicates write requests carrying an Idempotency-Key header.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, callerID, idempotencyKey string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, callerID, idempotencyKey string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, scope, callerID, idempotencyKey string) error
}

// EventQueue accepts raw events for asynchronous dispatch.
type EventQueue interface {
	Enqueue(ctx context.Context, event json.RawMessage, idempotencyKey string) (string, error)
}

// EnqueueResponse is returned for ?async=true intake.
type EnqueueResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// CreateEvent handles POST /v1/events
// Dispatches a business event synchronously, or enqueues it with ?async=true.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable request body", err.Error())
		return
	}

	var ev notify.Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	async := false
	if v := r.URL.Query().Get("async"); v != "" {
		async, err = strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid async", "async must be true or false")
			return
		}
	}

	if async {
		if h.queue == nil {
			h.writeError(w, http.StatusNotImplemented, "async_unavailable", "Asynchronous intake is not configured", "")
			return
		}
		if !ev.Type.Valid() {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid event",
				fmt.Sprintf("unknown notification type %q", ev.Type))
			return
		}
	}

	key := r.Header.Get("Idempotency-Key")
	h.serveIdempotent(w, r, scopeEvents, p, key, "Failed to dispatch event", func(ctx context.Context) (int, any, error) {
		if async {
			msgID, err := h.queue.Enqueue(ctx, raw, key)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: %v", errEnqueueFailed, err)
			}
			h.logger.Info("event enqueued",
				zap.String("type", string(ev.Type)),
				zap.String("sqs_message_id", msgID),
			)
			return http.StatusAccepted, EnqueueResponse{MessageID: msgID, Status: "queued"}, nil
		}

		result, err := h.service.Dispatch(ctx, ev)
		if err != nil {
			return 0, nil, err
		}
		return dispatchStatus(result), result, nil
	})
}

// CreateBroadcast handles POST /v1/broadcasts
// Admin-only manual announcement. Supports the Idempotency-Key header.
func (h *Handler) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req notify.BroadcastRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	createdBy := p.UserID
	req.CreatedBy = &createdBy

	key := r.Header.Get("Idempotency-Key")
	h.serveIdempotent(w, r, scopeBroadcasts, p, key, "Failed to send broadcast", func(ctx context.Context) (int, any, error) {
		result, err := h.service.Broadcast(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		h.logger.Info("broadcast sent",
			zap.String("created_by", createdBy.String()),
			zap.String("notification_id", result.NotificationID.String()),
			zap.Int("reached", result.Reached),
		)
		return dispatchStatus(result), result, nil
	})
}

// dispatchStatus is 201 when a notification was written and 200 when nobody qualified.
func dispatchStatus(result *notify.DispatchResult) int {
	if result.NotificationID == uuid.Nil {
		return http.StatusOK
	}
	return http.StatusCreated
}

// serveIdempotent runs handle at most once per (scope, caller, key). A stored
// response is replayed with X-Idempotency-Replayed; failures release the key so
// the caller may retry. Redis errors degrade to running without deduplication.
func (h *Handler) serveIdempotent(w http.ResponseWriter, r *http.Request, scope string, p *auth.Principal, key, title string, handle func(ctx context.Context) (int, any, error)) {
	ctx := r.Context()
	callerID := p.UserID.String()

	reserved := false
	if key != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, callerID, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	status, body, err := handle(ctx)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, scope, callerID, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key",
					zap.Error(rerr),
					zap.String("idempotency_key", key),
				)
			}
		}
		if errors.Is(err, errEnqueueFailed) {
			h.logger.Error("failed to enqueue event", zap.Error(err))
			h.writeError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue event", "")
			return
		}
		h.writeServiceError(w, err, title)
		return
	}

	if reserved {
		payload, merr := json.Marshal(body)
		if merr == nil {
			merr = h.idempotency.Store(ctx, scope, callerID, key, &redis.IdempotencyResult{
				StatusCode: status,
				Body:       payload,
				CreatedAt:  time.Now().Unix(),
			})
		}
		if merr != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(merr),
				zap.String("idempotency_key", key),
			)
		}
	}

	h.writeJSON(w, status, body)
}
