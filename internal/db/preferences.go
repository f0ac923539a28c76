package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PreferenceRepository persists explicit per-user, per-type notification settings.
// Rows exist only for users that changed something; defaults are applied by callers.
type PreferenceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPreferenceRepository creates a new preference repository
func NewPreferenceRepository(db *DB, logger *zap.Logger) *PreferenceRepository {
	return &PreferenceRepository{
		db:     db,
		logger: logger,
	}
}

const preferenceColumns = `user_id, type, in_app_enabled, email_enabled, threshold::text, language, updated_at`

// Get returns the stored preference or ErrNotFound when the user never set one.
func (r *PreferenceRepository) Get(ctx context.Context, userID uuid.UUID, notifType NotificationType) (*Preference, error) {
	query := `SELECT ` + preferenceColumns + `
		FROM notification_preferences
		WHERE user_id = $1 AND type = $2`

	pref, err := scanPreference(r.db.Pool().QueryRow(ctx, query, userID, string(notifType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("preference %s/%s: %w", userID, notifType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}
	return pref, nil
}

// GetMany returns the stored preferences of the given users for one type, keyed by user id.
// Users without a row are absent from the map.
func (r *PreferenceRepository) GetMany(ctx context.Context, userIDs []uuid.UUID, notifType NotificationType) (map[uuid.UUID]*Preference, error) {
	prefs := make(map[uuid.UUID]*Preference, len(userIDs))
	if len(userIDs) == 0 {
		return prefs, nil
	}

	query := `SELECT ` + preferenceColumns + `
		FROM notification_preferences
		WHERE user_id = ANY($1) AND type = $2`

	rows, err := r.db.Pool().Query(ctx, query, userIDs, string(notifType))
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs[pref.UserID] = pref
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return prefs, nil
}

// List returns every stored preference of a user.
func (r *PreferenceRepository) List(ctx context.Context, userID uuid.UUID) ([]*Preference, error) {
	query := `SELECT ` + preferenceColumns + `
		FROM notification_preferences
		WHERE user_id = $1
		ORDER BY type`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	var prefs []*Preference
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, pref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return prefs, nil
}

// Upsert applies patch on top of the stored row, or on top of base when no row exists yet.
func (r *PreferenceRepository) Upsert(ctx context.Context, base Preference, patch PreferencePatch) (*Preference, error) {
	var threshold *string
	if patch.Threshold != nil {
		s := patch.Threshold.String()
		threshold = &s
	}

	var baseThreshold *string
	if base.Threshold != nil {
		s := base.Threshold.String()
		baseThreshold = &s
	}

	query := `
		INSERT INTO notification_preferences (user_id, type, in_app_enabled, email_enabled, threshold, language, updated_at)
		VALUES (
			$1, $2,
			COALESCE($3::boolean, $8::boolean),
			COALESCE($4::boolean, $9::boolean),
			CASE WHEN $6::boolean THEN NULL ELSE COALESCE($5::numeric, $10::numeric) END,
			COALESCE($7::text, $11::text),
			NOW()
		)
		ON CONFLICT (user_id, type) DO UPDATE SET
			in_app_enabled = COALESCE($3::boolean, notification_preferences.in_app_enabled),
			email_enabled = COALESCE($4::boolean, notification_preferences.email_enabled),
			threshold = CASE
				WHEN $6::boolean THEN NULL
				ELSE COALESCE($5::numeric, notification_preferences.threshold)
			END,
			language = COALESCE($7::text, notification_preferences.language),
			updated_at = NOW()
		RETURNING ` + preferenceColumns

	pref, err := scanPreference(r.db.Pool().QueryRow(ctx, query,
		base.UserID,
		string(base.Type),
		patch.InAppEnabled,
		patch.EmailEnabled,
		threshold,
		patch.ClearThreshold,
		patch.Language,
		base.InAppEnabled,
		base.EmailEnabled,
		baseThreshold,
		base.Language,
	))
	if err != nil {
		r.logger.Error("failed to upsert preference",
			zap.Error(err),
			zap.String("user_id", base.UserID.String()),
			zap.String("type", string(base.Type)),
		)
		return nil, fmt.Errorf("upsert preference: %w", err)
	}

	return pref, nil
}

func scanPreference(row pgx.Row) (*Preference, error) {
	var pref Preference
	var notifType string
	var threshold *string

	err := row.Scan(
		&pref.UserID,
		&notifType,
		&pref.InAppEnabled,
		&pref.EmailEnabled,
		&threshold,
		&pref.Language,
		&pref.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pref.Type = NotificationType(notifType)
	if threshold != nil {
		d, err := decimal.NewFromString(*threshold)
		if err != nil {
			return nil, fmt.Errorf("parse threshold %q: %w", *threshold, err)
		}
		pref.Threshold = &d
	}

	return &pref, nil
}
