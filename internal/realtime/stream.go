package realtime

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
)

// StreamHandler serves the Server-Sent Events endpoint. It must be mounted behind
// the authentication middleware; requests without a principal are rejected
// before anything is registered.
type StreamHandler struct {
	registry  *Registry
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewStreamHandler(registry *Registry, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &StreamHandler{
		registry:  registry,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn := h.registry.Connect(principal.UserID)
	if conn == nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.registry.Disconnect(conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-conn.Events():
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				h.logger.Debug("realtime write failed",
					zap.Error(err),
					zap.String("user_id", principal.UserID.String()),
				)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
