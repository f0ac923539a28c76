package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/realtime"
	"github.com/lalithlochan/beacon/internal/sns"
	"github.com/lalithlochan/beacon/internal/templates"
)

// NotificationStore persists notifications and their deliveries.
type NotificationStore interface {
	CreateWithDeliveries(ctx context.Context, notif *db.Notification, deliveries []*db.Delivery) error
	ListForUser(ctx context.Context, userID uuid.UUID, opts db.ListOptions) ([]*db.Inbox, int, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, bool, error)
	Hide(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, bool, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error)
}

// Localizer resolves template patterns.
type Localizer interface {
	Resolve(ctx context.Context, notifType db.NotificationType, language, channel string) (*templates.Patterns, error)
}

// Publisher pushes payloads to connected clients. It must not block.
type Publisher interface {
	Publish(userID uuid.UUID, payload realtime.Payload) int
}

// Mirror receives a summary of every committed dispatch.
type Mirror interface {
	Publish(ctx context.Context, msg sns.Message) (string, error)
}

// Config holds dispatcher settings.
type Config struct {
	TxTimeout       time.Duration
	DefaultLanguage string
	MirrorTimeout   time.Duration
}

// Service is the notification dispatcher and the recipient-facing inbox.
type Service struct {
	store     NotificationStore
	prefs     *Preferences
	users     UserDirectory
	localizer Localizer
	publisher Publisher
	mirror    Mirror
	cfg       Config
	logger    *zap.Logger
}

func NewService(store NotificationStore, prefs *Preferences, users UserDirectory, localizer Localizer, publisher Publisher, cfg Config, logger *zap.Logger) *Service {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 5 * time.Second
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 2 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	return &Service{
		store:     store,
		prefs:     prefs,
		users:     users,
		localizer: localizer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// WithMirror enables best-effort mirroring of dispatch summaries.
func (s *Service) WithMirror(m Mirror) *Service {
	s.mirror = m
	return s
}

// Preferences exposes the preference component.
func (s *Service) Preferences() *Preferences {
	return s.prefs
}

type recipient struct {
	delivery *db.Delivery
	language string
}

// Dispatch resolves recipients for ev, writes the notification and its deliveries
// in one transaction and then pushes to connected, non-suppressed recipients.
func (s *Service) Dispatch(ctx context.Context, ev Event) (*DispatchResult, error) {
	start := time.Now()
	result, err := s.dispatch(ctx, ev)

	outcome := "delivered"
	switch {
	case IsValidation(err):
		outcome = "validation_error"
	case err != nil:
		outcome = "persistence_error"
	case result.RecipientCount == 0:
		outcome = "empty"
	}
	metrics.RecordDispatch(string(ev.Type), outcome, time.Since(start))

	return result, err
}

func (s *Service) dispatch(ctx context.Context, ev Event) (*DispatchResult, error) {
	if err := s.validate(&ev); err != nil {
		return nil, err
	}

	var metric *gateMetric
	g, gated := gateFor(ev.Type)
	if gated {
		value, present, err := metricValue(ev.Metadata, g.metric)
		if err != nil {
			return nil, invalid("metadata."+g.metric, "not a number: %v", err)
		}
		if !present && g.required {
			return nil, invalid("metadata."+g.metric, "required for %s", ev.Type)
		}
		if present {
			metric = &gateMetric{gate: g, value: value}
		}
	}

	selector, err := ev.selector()
	if err != nil {
		return nil, err
	}

	candidates, err := selector.Resolve(ctx, s.users)
	if err != nil {
		return nil, &PersistenceError{Op: "resolve recipients", Err: err}
	}
	if len(candidates) == 0 {
		s.logger.Info("dispatch resolved no recipients",
			zap.String("type", string(ev.Type)),
		)
		return &DispatchResult{}, nil
	}

	prefs, err := s.prefs.GetMany(ctx, candidates, ev.Type)
	if err != nil {
		return nil, &PersistenceError{Op: "load preferences", Err: err}
	}

	gatePrefs := prefs
	if metric != nil && metric.gate.prefType != ev.Type {
		gatePrefs, err = s.prefs.GetMany(ctx, candidates, metric.gate.prefType)
		if err != nil {
			return nil, &PersistenceError{Op: "load threshold preferences", Err: err}
		}
	}

	result := &DispatchResult{}
	recipients := make([]recipient, 0, len(candidates))
	for _, userID := range candidates {
		pref := prefs[userID]

		if metric != nil && !metric.gate.includes(metric.value, gatePrefs[userID]) {
			result.Excluded++
			continue
		}

		suppressed := !pref.InAppEnabled && !alwaysDelivered(ev.Type)
		if suppressed {
			result.Suppressed++
		}

		recipients = append(recipients, recipient{
			delivery: &db.Delivery{
				ID:             uuid.New(),
				UserID:         userID,
				IsVisible:      true,
				Suppressed:     suppressed,
				EmailRequested: pref.EmailEnabled,
			},
			language: pref.Language,
		})
	}

	if result.Excluded > 0 {
		metrics.RecordThresholdExclusions(string(ev.Type), result.Excluded)
	}

	if len(recipients) == 0 {
		s.logger.Info("dispatch excluded every recipient",
			zap.String("type", string(ev.Type)),
			zap.Int("excluded", result.Excluded),
		)
		return result, nil
	}

	notif, err := s.buildNotification(ev, selector)
	if err != nil {
		return nil, err
	}

	deliveries := make([]*db.Delivery, len(recipients))
	for i, r := range recipients {
		deliveries[i] = r.delivery
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()
	if err := s.store.CreateWithDeliveries(txCtx, notif, deliveries); err != nil {
		if errors.Is(err, db.ErrUnknownUser) {
			return nil, invalid("userIds", "references a user that does not exist")
		}
		return nil, &PersistenceError{Op: "create notification", Err: err}
	}

	result.NotificationID = notif.ID
	result.RecipientCount = len(deliveries)
	metrics.RecordDeliveries(string(ev.Type), result.RecipientCount-result.Suppressed, result.Suppressed)

	result.Reached = s.fanOut(ctx, notif, ev.Metadata, recipients)

	s.logger.Info("notification dispatched",
		zap.String("notification_id", notif.ID.String()),
		zap.String("type", string(notif.Type)),
		zap.Int("recipients", result.RecipientCount),
		zap.Int("suppressed", result.Suppressed),
		zap.Int("excluded", result.Excluded),
		zap.Int("reached", result.Reached),
	)

	s.mirrorDispatch(ctx, notif, result)

	return result, nil
}

type gateMetric struct {
	gate  gate
	value decimal.Decimal
}

func (s *Service) validate(ev *Event) error {
	if !ev.Type.Valid() {
		return invalid("type", "unknown notification type %q", ev.Type)
	}
	if ev.Priority == "" {
		ev.Priority = db.PriorityMedium
	}
	if !ev.Priority.Valid() {
		return invalid("priority", "unknown priority %q", ev.Priority)
	}
	if err := ev.Source.Validate(); err != nil {
		return invalid("source", "%v", err)
	}
	if ev.Language == "" {
		ev.Language = s.cfg.DefaultLanguage
	}
	if ev.SecondaryContent != nil && ev.SecondaryContent.Language == "" {
		return invalid("secondaryContent.language", "required")
	}
	if ev.ExpiresAt != nil && !ev.ExpiresAt.After(time.Now()) {
		return invalid("expiresAt", "must be in the future")
	}
	return nil
}

func (s *Service) buildNotification(ev Event, selector RecipientSelector) (*db.Notification, error) {
	metadata := json.RawMessage(`{}`)
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, invalid("metadata", "not serializable: %v", err)
		}
		metadata = raw
	}

	title := ev.Title
	if title == "" {
		title = humanize(ev.Type)
	}

	var roles []string
	if byRole, ok := selector.(ByRole); ok {
		roles = byRole.Roles
	}

	return &db.Notification{
		ID:               uuid.New(),
		CreatedBy:        ev.CreatedBy,
		IsBroadcast:      selector.broadcast(),
		TargetRoles:      roles,
		Type:             ev.Type,
		Content:          db.LocalizedText{Language: ev.Language, Title: title, Message: ev.Message},
		SecondaryContent: ev.SecondaryContent,
		Priority:         ev.Priority,
		Related:          ev.Source,
		Metadata:         metadata,
		ExpiresAt:        ev.ExpiresAt,
	}, nil
}

// fanOut localizes once per language and pushes to every non-suppressed recipient.
// Push failures never fail the dispatch.
func (s *Service) fanOut(ctx context.Context, notif *db.Notification, metadata map[string]any, recipients []recipient) int {
	if s.publisher == nil {
		return 0
	}

	byLanguage := make(map[string][]*db.Delivery)
	for _, r := range recipients {
		if r.delivery.Suppressed {
			continue
		}
		lang := r.language
		if lang == "" {
			lang = s.cfg.DefaultLanguage
		}
		byLanguage[lang] = append(byLanguage[lang], r.delivery)
	}

	reached := 0
	for lang, deliveries := range byLanguage {
		view := notificationView(notif, s.localize(ctx, notif, metadata, lang))
		for _, d := range deliveries {
			reached += s.publisher.Publish(d.UserID, realtime.Payload{
				Notification: view,
				DeliveryID:   d.ID,
			})
		}
	}
	return reached
}

// localize renders the in-app template for lang, falling back to the stored content.
func (s *Service) localize(ctx context.Context, notif *db.Notification, metadata map[string]any, lang string) db.LocalizedText {
	if s.localizer != nil {
		patterns, err := s.localizer.Resolve(ctx, notif.Type, lang, db.ChannelInApp)
		if err == nil {
			c := patterns.Render(metadata)
			return db.LocalizedText{Language: c.Language, Title: c.Title, Message: c.Message}
		}
		if !errors.Is(err, templates.ErrTemplateNotFound) {
			s.logger.Warn("template resolution failed, using stored content",
				zap.Error(err),
				zap.String("notification_id", notif.ID.String()),
				zap.String("language", lang),
			)
		}
	}
	return storedContent(notif, lang)
}

func storedContent(notif *db.Notification, lang string) db.LocalizedText {
	if notif.SecondaryContent != nil && notif.SecondaryContent.Language == lang {
		return *notif.SecondaryContent
	}
	content := notif.Content
	if content.Title == "" {
		content.Title = humanize(notif.Type)
	}
	return content
}

func notificationView(notif *db.Notification, text db.LocalizedText) realtime.Notification {
	v := realtime.Notification{
		ID:        notif.ID,
		Type:      string(notif.Type),
		Title:     text.Title,
		Message:   text.Message,
		Language:  text.Language,
		Priority:  string(notif.Priority),
		Metadata:  notif.Metadata,
		ExpiresAt: notif.ExpiresAt,
		CreatedAt: notif.CreatedAt,
	}
	if !notif.Related.IsZero() {
		related := notif.Related
		v.Related = &related
	}
	return v
}

func (s *Service) mirrorDispatch(ctx context.Context, notif *db.Notification, result *DispatchResult) {
	if s.mirror == nil {
		return
	}

	msg := sns.Message{
		NotificationID: notif.ID.String(),
		Type:           string(notif.Type),
		Priority:       string(notif.Priority),
		Broadcast:      notif.IsBroadcast,
		RecipientCount: result.RecipientCount,
		Suppressed:     result.Suppressed,
		Excluded:       result.Excluded,
		Reached:        result.Reached,
		RelatedKind:    string(notif.Related.Kind),
		RelatedID:      notif.Related.ID,
		CreatedAt:      notif.CreatedAt,
	}

	mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MirrorTimeout)
	go func() {
		defer cancel()
		if _, err := s.mirror.Publish(mirrorCtx, msg); err != nil {
			s.logger.Warn("failed to mirror dispatch",
				zap.Error(err),
				zap.String("notification_id", msg.NotificationID),
			)
		}
	}()
}

// Broadcast dispatches an administrator announcement.
func (s *Service) Broadcast(ctx context.Context, req BroadcastRequest) (*DispatchResult, error) {
	if req.Type == "" {
		req.Type = db.TypeSystemAlert
	}
	if req.Title == "" {
		return nil, invalid("title", "required")
	}
	if req.Message == "" {
		return nil, invalid("message", "required")
	}

	return s.Dispatch(ctx, Event{
		Type:             req.Type,
		Source:           db.EntityRef{Kind: db.EntitySystem},
		Priority:         req.Priority,
		Language:         req.Language,
		Title:            req.Title,
		Message:          req.Message,
		SecondaryContent: req.SecondaryContent,
		Metadata:         req.Metadata,
		UserIDs:          req.UserIDs,
		TargetRoles:      req.TargetRoles,
		CreatedBy:        req.CreatedBy,
		ExpiresAt:        req.ExpiresAt,
	})
}

// ListQuery selects a page of a user's inbox.
type ListQuery struct {
	Page        int
	Limit       int
	VisibleOnly bool
	Language    string
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// InboxItem is one delivery as the recipient sees it.
type InboxItem struct {
	DeliveryID   uuid.UUID             `json:"deliveryId"`
	State        string                `json:"state"`
	IsRead       bool                  `json:"isRead"`
	ReadAt       *time.Time            `json:"readAt,omitempty"`
	IsVisible    bool                  `json:"isVisible"`
	HiddenAt     *time.Time            `json:"hiddenAt,omitempty"`
	Notification realtime.Notification `json:"notification"`
}

// InboxPage is a page of inbox items, newest first.
type InboxPage struct {
	Items []InboxItem `json:"items"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

// ListForUser returns the user's deliveries newest first. With VisibleOnly hidden
// and expired notifications are left out; without it the full history is returned.
// A non-empty Language localizes each item through the template resolver.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, q ListQuery) (*InboxPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}

	rows, total, err := s.store.ListForUser(ctx, userID, db.ListOptions{
		Limit:       q.Limit,
		Offset:      (q.Page - 1) * q.Limit,
		VisibleOnly: q.VisibleOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	page := &InboxPage{
		Items: make([]InboxItem, 0, len(rows)),
		Total: total,
		Page:  q.Page,
		Limit: q.Limit,
	}
	for _, row := range rows {
		page.Items = append(page.Items, s.inboxItem(ctx, row, q.Language))
	}
	return page, nil
}

// History is the audit view of ListForUser including hidden and expired rows.
func (s *Service) History(ctx context.Context, userID uuid.UUID, q ListQuery) (*InboxPage, error) {
	q.VisibleOnly = false
	return s.ListForUser(ctx, userID, q)
}

func (s *Service) inboxItem(ctx context.Context, row *db.Inbox, lang string) InboxItem {
	notif := &row.Notification
	text := storedContent(notif, notif.Content.Language)
	if lang != "" {
		text = s.localize(ctx, notif, templates.DecodeMetadata(notif.Metadata), lang)
	}
	view := notificationView(notif, text)

	return InboxItem{
		DeliveryID:   row.Delivery.ID,
		State:        StateOf(&row.Delivery).String(),
		IsRead:       row.Delivery.IsRead,
		ReadAt:       row.Delivery.ReadAt,
		IsVisible:    row.Delivery.IsVisible,
		HiddenAt:     row.Delivery.HiddenAt,
		Notification: view,
	}
}

// UnreadCount counts visible, unexpired, unsuppressed unread deliveries.
func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	count, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

// MarkRead moves the user's delivery to Read. Repeated calls keep the first read_at.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, error) {
	return s.transition(ctx, userID, notificationID, StateRead, s.store.MarkRead)
}

// Hide moves the user's delivery to Hidden.
func (s *Service) Hide(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, error) {
	return s.transition(ctx, userID, notificationID, StateHidden, s.store.Hide)
}

type conditionalUpdate func(ctx context.Context, userID, notificationID uuid.UUID) (*db.Delivery, bool, error)

func (s *Service) transition(ctx context.Context, userID, notificationID uuid.UUID, to DeliveryState, update conditionalUpdate) (*db.Delivery, error) {
	d, changed, err := update(ctx, userID, notificationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}
	if changed {
		s.logger.Debug("delivery state changed",
			zap.String("notification_id", notificationID.String()),
			zap.String("user_id", userID.String()),
			zap.String("state", to.String()),
		)
		return d, nil
	}

	// The conditional update matched nothing: either already there or forbidden.
	// A row that was read before being hidden is already read.
	if to == StateRead && d.IsRead {
		return d, nil
	}
	if _, err := Transition(StateOf(d), to); err != nil {
		return nil, err
	}
	return d, nil
}

// MarkAllRead marks every visible unread delivery of the user as read.
func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return n, nil
}
