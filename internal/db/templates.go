package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// TemplateRepository reads localized notification templates.
type TemplateRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *DB, logger *zap.Logger) *TemplateRepository {
	return &TemplateRepository{
		db:     db,
		logger: logger,
	}
}

// FindActive returns the active template for (type, language, channel) or ErrNotFound.
func (r *TemplateRepository) FindActive(ctx context.Context, notifType NotificationType, language, channel string) (*Template, error) {
	query := `
		SELECT id, type, language, channel, title_pattern, message_pattern,
			email_subject, email_html, is_active
		FROM notification_templates
		WHERE type = $1 AND language = $2 AND channel = $3 AND is_active
	`

	var t Template
	var typ string
	err := r.db.Pool().QueryRow(ctx, query, string(notifType), language, channel).Scan(
		&t.ID,
		&typ,
		&t.Language,
		&t.Channel,
		&t.TitlePattern,
		&t.MessagePattern,
		&t.EmailSubject,
		&t.EmailHTML,
		&t.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s/%s/%s: %w", notifType, language, channel, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to query template",
			zap.Error(err),
			zap.String("type", string(notifType)),
			zap.String("language", language),
			zap.String("channel", channel),
		)
		return nil, fmt.Errorf("query template: %w", err)
	}

	t.Type = NotificationType(typ)
	return &t, nil
}
