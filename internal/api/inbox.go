package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/notify"
)

// ListNotifications handles GET /v1/notifications
// Query: page, limit, visible (default true), lang.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	q, ok := h.listQuery(w, r)
	if !ok {
		return
	}

	page, err := h.service.ListForUser(r.Context(), p.UserID, q)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// NotificationHistory handles GET /v1/notifications/history
// Returns hidden and expired deliveries as well.
func (h *Handler) NotificationHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	q, ok := h.listQuery(w, r)
	if !ok {
		return
	}

	page, err := h.service.History(r.Context(), p.UserID, q)
	if err != nil {
		h.writeServiceError(w, err, "Failed to load notification history")
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) listQuery(w http.ResponseWriter, r *http.Request) (notify.ListQuery, bool) {
	page, err := parseIntParam(r, "page", 1)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid page", err.Error())
		return notify.ListQuery{}, false
	}
	limit, err := parseIntParam(r, "limit", 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", err.Error())
		return notify.ListQuery{}, false
	}

	visible := true
	if raw := r.URL.Query().Get("visible"); raw != "" {
		visible, err = strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid visible", "visible must be true or false")
			return notify.ListQuery{}, false
		}
	}

	return notify.ListQuery{
		Page:        page,
		Limit:       limit,
		VisibleOnly: visible,
		Language:    r.URL.Query().Get("lang"),
	}, true
}

// UnreadCount handles GET /v1/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	count, err := h.service.UnreadCount(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to count unread notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// MarkRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	d, err := h.service.MarkRead(r.Context(), p.UserID, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to mark notification as read")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// Hide handles POST /v1/notifications/{id}/hide
func (h *Handler) Hide(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	d, err := h.service.Hide(r.Context(), p.UserID, id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to hide notification")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	n, err := h.service.MarkAllRead(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to mark notifications as read")
		return
	}

	h.logger.Info("marked all notifications read",
		zap.String("user_id", p.UserID.String()),
		zap.Int("updated", n),
	)
	h.writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (h *Handler) notificationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
