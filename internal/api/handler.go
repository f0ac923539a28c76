package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/notify"
)

// maxBodyBytes caps request bodies on every write endpoint.
const maxBodyBytes = 1 << 20

// NotificationService is the notification core as seen by the REST layer.
type NotificationService interface {
	Dispatch(ctx context.Context, ev notify.Event) (*notify.DispatchResult, error)
	Broadcast(ctx context.Context, req notify.BroadcastRequest) (*notify.DispatchResult, error)
	ListForUser(ctx context.Context, userID uuid.UUID, q notify.ListQuery) (*notify.InboxPage, error)
	History(ctx context.Context, userID uuid.UUID, q notify.ListQuery) (*notify.InboxPage, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, error)
	Hide(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error)
}

// PreferenceService reads and updates per-type user preferences.
type PreferenceService interface {
	Get(ctx context.Context, userID uuid.UUID, notifType db.NotificationType) (*db.Preference, error)
	List(ctx context.Context, userID uuid.UUID) ([]*db.Preference, error)
	Set(ctx context.Context, userID uuid.UUID, notifType db.NotificationType, patch db.PreferencePatch) (*db.Preference, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     NotificationService
	prefs       PreferenceService
	idempotency Idempotency // nil if Redis not configured
	queue       EventQueue  // nil if SQS not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, service NotificationService, prefs PreferenceService) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
		prefs:   prefs,
	}
}

// WithIdempotency enables Idempotency-Key handling on the write endpoints.
func (h *Handler) WithIdempotency(idem Idempotency) *Handler {
	h.idempotency = idem
	return h
}

// WithQueue enables asynchronous event intake.
func (h *Handler) WithQueue(queue EventQueue) *Handler {
	h.queue = queue
	return h
}

// caller returns the authenticated principal or writes a 401.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
		return nil, false
	}
	return p, true
}

// writeServiceError maps notification core errors to problem+json responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	var verr *notify.ValidationError
	var perr *notify.PersistenceError

	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, "validation_error", title, verr.Error())
	case errors.As(err, &perr):
		h.logger.Error(title, zap.Error(err))
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, "persistence_error", title, "The request was not committed and may be retried")
	case errors.Is(err, notify.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, notify.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", title, err.Error())
	default:
		h.logger.Error(title, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

// decodeBody decodes a JSON request body, keeping numbers as json.Number so
// metadata amounts survive without float rounding.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

// parseIntParam reads a positive integer query parameter.
func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}
