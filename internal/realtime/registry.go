package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// EventName is the SSE event carrying a notification.
const EventName = "notification"

// Notification is the client-facing view of a delivered notification.
type Notification struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Language  string          `json:"language"`
	Priority  string          `json:"priority"`
	Related   *db.EntityRef   `json:"related,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Payload is the body of one realtime event.
type Payload struct {
	Notification Notification `json:"notification"`
	DeliveryID   uuid.UUID    `json:"deliveryId"`
}

// Conn is one registered client stream.
type Conn struct {
	id     uint64
	UserID uuid.UUID
	events chan []byte
}

// Events yields encoded SSE frames. It is closed when the connection is removed.
func (c *Conn) Events() <-chan []byte {
	return c.events
}

// Registry tracks live connections per authenticated user.
// Sends never block: a connection whose buffer is full misses the event and
// the client catches up through the REST inbox.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]map[uint64]*Conn
	nextID uint64
	total  int
	closed bool

	bufferSize int
	logger     *zap.Logger
}

// NewRegistry creates a registry whose connections buffer up to bufferSize events.
func NewRegistry(bufferSize int, logger *zap.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Registry{
		conns:      make(map[uuid.UUID]map[uint64]*Conn),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Connect registers a new connection for userID. It returns nil after Close.
func (r *Registry) Connect(userID uuid.UUID) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.nextID++
	conn := &Conn{
		id:     r.nextID,
		UserID: userID,
		events: make(chan []byte, r.bufferSize),
	}

	if r.conns[userID] == nil {
		r.conns[userID] = make(map[uint64]*Conn)
	}
	r.conns[userID][conn.id] = conn
	r.total++
	metrics.SetRealtimeConnections(r.total)

	r.logger.Debug("realtime client connected",
		zap.String("user_id", userID.String()),
		zap.Int("connections", r.total),
	)

	return conn
}

// Disconnect removes conn and closes its event channel. Calling it twice is safe.
func (r *Registry) Disconnect(conn *Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	userConns, ok := r.conns[conn.UserID]
	if !ok {
		return
	}
	if _, ok := userConns[conn.id]; !ok {
		return
	}

	close(conn.events)
	delete(userConns, conn.id)
	if len(userConns) == 0 {
		delete(r.conns, conn.UserID)
	}
	r.total--
	metrics.SetRealtimeConnections(r.total)

	r.logger.Debug("realtime client disconnected",
		zap.String("user_id", conn.UserID.String()),
		zap.Int("connections", r.total),
	)
}

// Publish sends payload to every connection of userID and returns how many were
// reached. Zero is normal for offline users.
func (r *Registry) Publish(userID uuid.UUID, payload Payload) int {
	frame, err := encodeFrame(payload)
	if err != nil {
		r.logger.Error("failed to encode realtime payload",
			zap.Error(err),
			zap.String("notification_id", payload.Notification.ID.String()),
		)
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns := r.conns[userID]
	if len(userConns) == 0 {
		metrics.RecordRealtimePush("offline")
		return 0
	}

	reached := 0
	for _, conn := range userConns {
		select {
		case conn.events <- frame:
			reached++
			metrics.RecordRealtimePush("reached")
		default:
			metrics.RecordRealtimePush("dropped")
			r.logger.Warn("realtime buffer full, dropping event",
				zap.String("user_id", userID.String()),
				zap.String("notification_id", payload.Notification.ID.String()),
			)
		}
	}
	return reached
}

// ConnectionCount returns the number of live connections for userID.
func (r *Registry) ConnectionCount(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// Close disconnects every client and rejects new connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for userID, userConns := range r.conns {
		for _, conn := range userConns {
			close(conn.events)
		}
		delete(r.conns, userID)
	}
	r.total = 0
	metrics.SetRealtimeConnections(0)
}

func encodeFrame(payload Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", EventName, payload.DeliveryID, data)), nil
}
