package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/realtime"
	"github.com/lalithlochan/beacon/internal/sns"
)

// memStore is an in-memory NotificationStore with the same conditional-update
// semantics as the Postgres repository.
type memStore struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*db.Notification
	deliveries    []*db.Delivery
	failCreate    error
	clock         func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		notifications: make(map[uuid.UUID]*db.Notification),
		clock:         time.Now,
	}
}

func (m *memStore) CreateWithDeliveries(ctx context.Context, notif *db.Notification, deliveries []*db.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failCreate != nil {
		return m.failCreate
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seen := make(map[uuid.UUID]bool)
	for _, d := range deliveries {
		if seen[d.UserID] {
			return fmt.Errorf("duplicate key (user_id, notification_id)")
		}
		seen[d.UserID] = true
	}

	notif.CreatedAt = m.clock()
	n := *notif
	m.notifications[notif.ID] = &n
	for _, d := range deliveries {
		d.NotificationID = notif.ID
		d.CreatedAt = notif.CreatedAt
		cp := *d
		m.deliveries = append(m.deliveries, &cp)
	}
	return nil
}

func (m *memStore) visible(d *db.Delivery) bool {
	n := m.notifications[d.NotificationID]
	return d.IsVisible && (n.ExpiresAt == nil || n.ExpiresAt.After(m.clock()))
}

func (m *memStore) ListForUser(ctx context.Context, userID uuid.UUID, opts db.ListOptions) ([]*db.Inbox, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*db.Inbox
	for _, d := range m.deliveries {
		if d.UserID != userID {
			continue
		}
		if opts.VisibleOnly && !m.visible(d) {
			continue
		}
		matched = append(matched, &db.Inbox{Delivery: *d, Notification: *m.notifications[d.NotificationID]})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Notification.CreatedAt.After(matched[j].Notification.CreatedAt)
	})

	total := len(matched)
	if opts.Offset >= total {
		return nil, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return matched[opts.Offset:end], total, nil
}

func (m *memStore) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, d := range m.deliveries {
		if d.UserID == userID && !d.IsRead && !d.Suppressed && m.visible(d) {
			count++
		}
	}
	return count, nil
}

func (m *memStore) find(userID, notificationID uuid.UUID) *db.Delivery {
	for _, d := range m.deliveries {
		if d.UserID == userID && d.NotificationID == notificationID {
			return d
		}
	}
	return nil
}

func (m *memStore) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.find(userID, notificationID)
	if d == nil {
		return nil, false, fmt.Errorf("delivery: %w", db.ErrNotFound)
	}
	if d.IsRead || !d.IsVisible {
		cp := *d
		return &cp, false, nil
	}
	now := m.clock()
	d.IsRead = true
	d.ReadAt = &now
	cp := *d
	return &cp, true, nil
}

func (m *memStore) Hide(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.find(userID, notificationID)
	if d == nil {
		return nil, false, fmt.Errorf("delivery: %w", db.ErrNotFound)
	}
	if !d.IsVisible {
		cp := *d
		return &cp, false, nil
	}
	now := m.clock()
	d.IsVisible = false
	d.HiddenAt = &now
	cp := *d
	return &cp, true, nil
}

func (m *memStore) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.clock()
	for _, d := range m.deliveries {
		if d.UserID == userID && !d.IsRead && d.IsVisible {
			d.IsRead = true
			d.ReadAt = &now
			n++
		}
	}
	return n, nil
}

func (m *memStore) deliveriesFor(notificationID uuid.UUID) []db.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []db.Delivery
	for _, d := range m.deliveries {
		if d.NotificationID == notificationID {
			out = append(out, *d)
		}
	}
	return out
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}

// memPrefs is an in-memory PreferenceStore.
type memPrefs struct {
	mu    sync.Mutex
	rows  map[string]*db.Preference
	err   error
	calls int
}

func newMemPrefs() *memPrefs {
	return &memPrefs{rows: make(map[string]*db.Preference)}
}

func prefKey(userID uuid.UUID, t db.NotificationType) string {
	return userID.String() + "/" + string(t)
}

func (m *memPrefs) put(p db.Preference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[prefKey(p.UserID, p.Type)] = &p
}

func (m *memPrefs) Get(ctx context.Context, userID uuid.UUID, t db.NotificationType) (*db.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.rows[prefKey(userID, t)]
	if !ok {
		return nil, fmt.Errorf("preference: %w", db.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memPrefs) GetMany(ctx context.Context, userIDs []uuid.UUID, t db.NotificationType) (map[uuid.UUID]*db.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[uuid.UUID]*db.Preference)
	for _, id := range userIDs {
		if p, ok := m.rows[prefKey(id, t)]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *memPrefs) List(ctx context.Context, userID uuid.UUID) ([]*db.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*db.Preference
	for _, p := range m.rows {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPrefs) Upsert(ctx context.Context, base db.Preference, patch db.PreferencePatch) (*db.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	current, ok := m.rows[prefKey(base.UserID, base.Type)]
	if !ok {
		current = &base
	}
	p := *current
	if patch.InAppEnabled != nil {
		p.InAppEnabled = *patch.InAppEnabled
	}
	if patch.EmailEnabled != nil {
		p.EmailEnabled = *patch.EmailEnabled
	}
	if patch.ClearThreshold {
		p.Threshold = nil
	} else if patch.Threshold != nil {
		th := *patch.Threshold
		p.Threshold = &th
	}
	if patch.Language != nil {
		p.Language = *patch.Language
	}
	now := time.Now()
	p.UpdatedAt = &now
	m.rows[prefKey(p.UserID, p.Type)] = &p
	cp := p
	return &cp, nil
}

// directory is a fixed UserDirectory. Explicit IDs are treated as existing
// unless marked unknown, so tests can address ad-hoc users.
type directory struct {
	mu      sync.Mutex
	users   map[uuid.UUID]string
	unknown map[uuid.UUID]bool
	err     error
}

func newDirectory() *directory {
	return &directory{users: make(map[uuid.UUID]string), unknown: make(map[uuid.UUID]bool)}
}

func (d *directory) markUnknown(ids ...uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.unknown[id] = true
	}
}

func (d *directory) ExistingUserIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []uuid.UUID
	for _, id := range ids {
		if !d.unknown[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *directory) add(role string) uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := uuid.New()
	d.users[id] = role
	return id
}

func (d *directory) ActiveUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ids := make([]uuid.UUID, 0, len(d.users))
	for id := range d.users {
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *directory) ActiveUserIDsByRoles(ctx context.Context, roles []string) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var ids []uuid.UUID
	for id, role := range d.users {
		for _, r := range roles {
			if role == r {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

// recordingPublisher captures pushes and can assert the rows were committed first.
type recordingPublisher struct {
	mu       sync.Mutex
	pushes   map[uuid.UUID][]realtime.Payload
	online   map[uuid.UUID]bool
	store    *memStore
	uncommit int
}

func newRecordingPublisher(store *memStore) *recordingPublisher {
	return &recordingPublisher{
		pushes: make(map[uuid.UUID][]realtime.Payload),
		online: make(map[uuid.UUID]bool),
		store:  store,
	}
}

func (p *recordingPublisher) Publish(userID uuid.UUID, payload realtime.Payload) int {
	committed := false
	for _, d := range p.store.deliveriesFor(payload.Notification.ID) {
		if d.ID == payload.DeliveryID && d.UserID == userID {
			committed = true
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !committed {
		p.uncommit++
	}
	p.pushes[userID] = append(p.pushes[userID], payload)
	if p.online[userID] {
		return 1
	}
	return 0
}

func (p *recordingPublisher) pushed(userID uuid.UUID) []realtime.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Payload(nil), p.pushes[userID]...)
}

func (p *recordingPublisher) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ps := range p.pushes {
		n += len(ps)
	}
	return n
}

type recordingMirror struct {
	mu       sync.Mutex
	messages []sns.Message
	err      error
}

func (m *recordingMirror) Publish(ctx context.Context, msg sns.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	if m.err != nil {
		return "", m.err
	}
	return "mirror-1", nil
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// templateStore backs a real templates.Resolver.
type templateStore struct {
	mu    sync.Mutex
	rows  map[string]*db.Template
	calls int
}

func newTemplateStore() *templateStore {
	return &templateStore{rows: make(map[string]*db.Template)}
}

func (s *templateStore) add(t db.NotificationType, lang, title, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[string(t)+"/"+lang] = &db.Template{
		ID: uuid.New(), Type: t, Language: lang, Channel: db.ChannelInApp,
		TitlePattern: title, MessagePattern: message, IsActive: true,
	}
}

func (s *templateStore) FindActive(ctx context.Context, t db.NotificationType, lang, channel string) (*db.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if channel != db.ChannelInApp {
		return nil, db.ErrNotFound
	}
	tmpl, ok := s.rows[string(t)+"/"+lang]
	if !ok {
		return nil, fmt.Errorf("template: %w", db.ErrNotFound)
	}
	return tmpl, nil
}

func (s *templateStore) lookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errBoom = errors.New("boom")
