package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

// PreferenceStore persists explicit preference rows.
type PreferenceStore interface {
	Get(ctx context.Context, userID uuid.UUID, notifType db.NotificationType) (*db.Preference, error)
	GetMany(ctx context.Context, userIDs []uuid.UUID, notifType db.NotificationType) (map[uuid.UUID]*db.Preference, error)
	List(ctx context.Context, userID uuid.UUID) ([]*db.Preference, error)
	Upsert(ctx context.Context, base db.Preference, patch db.PreferencePatch) (*db.Preference, error)
}

// DefaultLanguage applies when neither the user nor the deployment chose one.
const DefaultLanguage = "en"

var languagePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z0-9]{2,8})?$`)

// DefaultPreference is the effective preference of a user who never changed
// anything for notifType. It is computed, never written.
func DefaultPreference(userID uuid.UUID, notifType db.NotificationType, language string) db.Preference {
	if language == "" {
		language = DefaultLanguage
	}
	return db.Preference{
		UserID:       userID,
		Type:         notifType,
		InAppEnabled: true,
		EmailEnabled: false,
		Threshold:    nil,
		Language:     language,
	}
}

// alwaysDelivered types ignore the in-app opt-out.
func alwaysDelivered(t db.NotificationType) bool {
	return t == db.TypeSystemAlert || t == db.TypeMaintenanceNotice
}

// Preferences reads and updates per-user notification settings with defaults
// synthesized at read time.
type Preferences struct {
	store           PreferenceStore
	defaultLanguage string
	logger          *zap.Logger
}

func NewPreferences(store PreferenceStore, defaultLanguage string, logger *zap.Logger) *Preferences {
	if defaultLanguage == "" {
		defaultLanguage = DefaultLanguage
	}
	return &Preferences{store: store, defaultLanguage: defaultLanguage, logger: logger}
}

// Get returns the stored preference or the default.
func (p *Preferences) Get(ctx context.Context, userID uuid.UUID, notifType db.NotificationType) (*db.Preference, error) {
	if !notifType.Valid() {
		return nil, invalid("type", "unknown notification type %q", notifType)
	}

	pref, err := p.store.Get(ctx, userID, notifType)
	if errors.Is(err, db.ErrNotFound) {
		def := DefaultPreference(userID, notifType, p.defaultLanguage)
		return &def, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return pref, nil
}

// GetMany returns the effective preference of every user for notifType.
func (p *Preferences) GetMany(ctx context.Context, userIDs []uuid.UUID, notifType db.NotificationType) (map[uuid.UUID]*db.Preference, error) {
	stored, err := p.store.GetMany(ctx, userIDs, notifType)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	prefs := make(map[uuid.UUID]*db.Preference, len(userIDs))
	for _, id := range userIDs {
		if pref, ok := stored[id]; ok {
			prefs[id] = pref
			continue
		}
		def := DefaultPreference(id, notifType, p.defaultLanguage)
		prefs[id] = &def
	}
	return prefs, nil
}

// List returns one effective preference per notification type.
func (p *Preferences) List(ctx context.Context, userID uuid.UUID) ([]*db.Preference, error) {
	stored, err := p.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}

	byType := make(map[db.NotificationType]*db.Preference, len(stored))
	for _, pref := range stored {
		byType[pref.Type] = pref
	}

	prefs := make([]*db.Preference, 0, len(db.NotificationTypes))
	for _, t := range db.NotificationTypes {
		if pref, ok := byType[t]; ok {
			prefs = append(prefs, pref)
			continue
		}
		def := DefaultPreference(userID, t, p.defaultLanguage)
		prefs = append(prefs, &def)
	}
	return prefs, nil
}

// Set validates patch and upserts it.
func (p *Preferences) Set(ctx context.Context, userID uuid.UUID, notifType db.NotificationType, patch db.PreferencePatch) (*db.Preference, error) {
	if !notifType.Valid() {
		return nil, invalid("type", "unknown notification type %q", notifType)
	}
	if patch.Threshold != nil {
		if patch.ClearThreshold {
			return nil, invalid("threshold", "cannot set and clear the threshold at once")
		}
		if _, gated := DefaultThresholds[notifType]; !gated {
			return nil, invalid("threshold", "%s does not support a threshold", notifType)
		}
		if patch.Threshold.IsNegative() {
			return nil, invalid("threshold", "must not be negative")
		}
	}
	if patch.Language != nil && !languagePattern.MatchString(*patch.Language) {
		return nil, invalid("language", "unsupported language tag %q", *patch.Language)
	}

	base := DefaultPreference(userID, notifType, p.defaultLanguage)
	pref, err := p.store.Upsert(ctx, base, patch)
	if err != nil {
		return nil, fmt.Errorf("set preference: %w", err)
	}

	p.logger.Info("preference updated",
		zap.String("user_id", userID.String()),
		zap.String("type", string(notifType)),
	)
	return pref, nil
}
