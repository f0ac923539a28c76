package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownUser is returned when a delivery names a user that does not exist.
var ErrUnknownUser = errors.New("unknown user")

// foreignKeyViolation is the Postgres SQLSTATE for a failed FK check.
const foreignKeyViolation = "23503"

// Repository handles database operations for notifications and their deliveries
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ListOptions controls inbox pagination and filtering.
type ListOptions struct {
	Limit       int
	Offset      int
	VisibleOnly bool
}

const notificationColumns = `
	n.id, n.created_by, n.is_broadcast, n.target_roles, n.type,
	n.language, n.title, n.message,
	n.secondary_language, n.secondary_title, n.secondary_message,
	n.priority, n.related_kind, n.related_id, n.metadata, n.expires_at, n.created_at`

const deliveryColumns = `
	d.id, d.notification_id, d.user_id, d.is_read, d.read_at,
	d.is_visible, d.hidden_at, d.suppressed, d.email_requested,
	d.is_email_sent, d.email_sent_at, d.email_attempts, d.email_last_error, d.created_at`

// CreateWithDeliveries inserts a notification and its fan-out rows in one transaction.
// Either every row is committed or none is.
func (r *Repository) CreateWithDeliveries(ctx context.Context, notif *Notification, deliveries []*Delivery) error {
	metadata := notif.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}

	var secLang, secTitle, secMessage *string
	if notif.SecondaryContent != nil {
		secLang = &notif.SecondaryContent.Language
		secTitle = &notif.SecondaryContent.Title
		secMessage = &notif.SecondaryContent.Message
	}

	var relatedKind, relatedID *string
	if !notif.Related.IsZero() {
		kind := string(notif.Related.Kind)
		relatedKind = &kind
		relatedID = &notif.Related.ID
	}

	insertQuery := `
		INSERT INTO notifications (
			id, created_by, is_broadcast, target_roles, type,
			language, title, message,
			secondary_language, secondary_title, secondary_message,
			priority, related_kind, related_id, metadata, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		RETURNING created_at
	`

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, insertQuery,
			notif.ID,
			notif.CreatedBy,
			notif.IsBroadcast,
			notif.TargetRoles,
			string(notif.Type),
			notif.Content.Language,
			notif.Content.Title,
			notif.Content.Message,
			secLang,
			secTitle,
			secMessage,
			string(notif.Priority),
			relatedKind,
			relatedID,
			metadata,
			notif.ExpiresAt,
		).Scan(&notif.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}

		rows := make([][]any, 0, len(deliveries))
		for _, d := range deliveries {
			d.NotificationID = notif.ID
			d.CreatedAt = notif.CreatedAt
			rows = append(rows, []any{
				d.ID, d.NotificationID, d.UserID, d.IsRead, d.IsVisible,
				d.Suppressed, d.EmailRequested, d.CreatedAt,
			})
		}

		copied, err := tx.CopyFrom(ctx,
			pgx.Identifier{"notification_deliveries"},
			[]string{"id", "notification_id", "user_id", "is_read", "is_visible", "suppressed", "email_requested", "created_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy deliveries: %w", mapUserFK(err))
		}
		if int(copied) != len(deliveries) {
			return fmt.Errorf("copy deliveries: wrote %d of %d rows", copied, len(deliveries))
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
			zap.Int("deliveries", len(deliveries)),
		)
		return err
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("type", string(notif.Type)),
		zap.Int("deliveries", len(deliveries)),
	)

	return nil
}

// ListForUser returns the user's deliveries joined with their notifications, newest first,
// together with the total number of matching rows.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]*Inbox, int, error) {
	filter := `d.user_id = $1`
	if opts.VisibleOnly {
		filter += ` AND d.is_visible AND (n.expires_at IS NULL OR n.expires_at > NOW())`
	}

	var total int
	countQuery := `
		SELECT COUNT(*)
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE ` + filter
	if err := r.db.Pool().QueryRow(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	query := `
		SELECT ` + deliveryColumns + `, ` + notificationColumns + `
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE ` + filter + `
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var items []*Inbox
	for rows.Next() {
		var item Inbox
		var scan notificationScan
		dest := deliveryDest(&item.Delivery)
		dest = append(dest, scan.dest(&item.Notification)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("scan delivery: %w", err)
		}
		scan.apply(&item.Notification)
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return items, total, nil
}

// UnreadCount counts visible, unexpired, unsuppressed deliveries the user has not read.
func (r *Repository) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM notification_deliveries d
		JOIN notifications n ON n.id = d.notification_id
		WHERE d.user_id = $1
			AND NOT d.is_read
			AND d.is_visible
			AND NOT d.suppressed
			AND (n.expires_at IS NULL OR n.expires_at > NOW())
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// GetDelivery returns the delivery row for (userID, notificationID).
func (r *Repository) GetDelivery(ctx context.Context, userID, notificationID uuid.UUID) (*Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM notification_deliveries d
		WHERE d.user_id = $1 AND d.notification_id = $2
	`

	var d Delivery
	err := r.db.Pool().QueryRow(ctx, query, userID, notificationID).Scan(deliveryDest(&d)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s for user %s: %w", notificationID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	return &d, nil
}

// MarkRead flips an unseen, visible delivery to read. It reports whether this call
// changed the row; when it did not, the current row is returned so the caller can
// decide between a no-op and an illegal transition.
func (r *Repository) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) (*Delivery, bool, error) {
	query := `
		UPDATE notification_deliveries d
		SET is_read = TRUE, read_at = NOW()
		WHERE d.user_id = $1 AND d.notification_id = $2
			AND NOT d.is_read AND d.is_visible
		RETURNING ` + deliveryColumns

	return r.conditionalUpdate(ctx, query, userID, notificationID)
}

// Hide soft-dismisses a visible delivery. Same contract as MarkRead.
func (r *Repository) Hide(ctx context.Context, userID, notificationID uuid.UUID) (*Delivery, bool, error) {
	query := `
		UPDATE notification_deliveries d
		SET is_visible = FALSE, hidden_at = NOW()
		WHERE d.user_id = $1 AND d.notification_id = $2
			AND d.is_visible
		RETURNING ` + deliveryColumns

	return r.conditionalUpdate(ctx, query, userID, notificationID)
}

func (r *Repository) conditionalUpdate(ctx context.Context, query string, userID, notificationID uuid.UUID) (*Delivery, bool, error) {
	var d Delivery
	err := r.db.Pool().QueryRow(ctx, query, userID, notificationID).Scan(deliveryDest(&d)...)
	if err == nil {
		return &d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("failed to update delivery",
			zap.Error(err),
			zap.String("notification_id", notificationID.String()),
			zap.String("user_id", userID.String()),
		)
		return nil, false, fmt.Errorf("update delivery: %w", err)
	}

	current, err := r.GetDelivery(ctx, userID, notificationID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// MarkAllRead marks every visible unread delivery of the user as read.
func (r *Repository) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		UPDATE notification_deliveries
		SET is_read = TRUE, read_at = NOW()
		WHERE user_id = $1 AND NOT is_read AND is_visible
	`

	result, err := r.db.Pool().Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// ClaimPendingEmails leases up to limit deliveries that still owe an email and returns
// them with the recipient address and preferred language. The lease pushes
// email_next_attempt_at forward so concurrent workers skip the claimed rows.
func (r *Repository) ClaimPendingEmails(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]*PendingEmail, error) {
	query := `
		WITH claimed AS (
			UPDATE notification_deliveries
			SET email_attempts = email_attempts + 1,
				email_next_attempt_at = NOW() + make_interval(secs => $3)
			WHERE id IN (
				SELECT id FROM notification_deliveries
				WHERE email_requested AND NOT is_email_sent
					AND email_attempts < $2
					AND (email_next_attempt_at IS NULL OR email_next_attempt_at <= NOW())
				ORDER BY created_at ASC
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *
		)
		SELECT ` + deliveryColumns + `, ` + notificationColumns + `,
			u.email, COALESCE(p.language, '')
		FROM claimed d
		JOIN notifications n ON n.id = d.notification_id
		JOIN users u ON u.id = d.user_id
		LEFT JOIN notification_preferences p ON p.user_id = d.user_id AND p.type = n.type
		ORDER BY d.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, maxAttempts, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim pending emails: %w", err)
	}
	defer rows.Close()

	var pending []*PendingEmail
	for rows.Next() {
		var p PendingEmail
		var scan notificationScan
		dest := deliveryDest(&p.Delivery)
		dest = append(dest, scan.dest(&p.Notification)...)
		dest = append(dest, &p.Email, &p.Language)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan pending email: %w", err)
		}
		scan.apply(&p.Notification)
		pending = append(pending, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return pending, nil
}

// MarkEmailSent records a successful email delivery.
func (r *Repository) MarkEmailSent(ctx context.Context, deliveryID uuid.UUID) error {
	query := `
		UPDATE notification_deliveries
		SET is_email_sent = TRUE, email_sent_at = NOW(), email_last_error = NULL, email_next_attempt_at = NULL
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, deliveryID)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", deliveryID, ErrNotFound)
	}
	return nil
}

// RecordEmailFailure stores the last send error and when to try again.
// A nil nextAttemptAt leaves the row for the next poll.
func (r *Repository) RecordEmailFailure(ctx context.Context, deliveryID uuid.UUID, errorMsg string, nextAttemptAt *time.Time) error {
	query := `
		UPDATE notification_deliveries
		SET email_last_error = $1, email_next_attempt_at = $2
		WHERE id = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, errorMsg, nextAttemptAt, deliveryID)
	if err != nil {
		return fmt.Errorf("record email failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", deliveryID, ErrNotFound)
	}
	return nil
}

// DeferEmail releases a claimed delivery without consuming its attempt.
func (r *Repository) DeferEmail(ctx context.Context, deliveryID uuid.UUID, nextAttemptAt time.Time) error {
	query := `
		UPDATE notification_deliveries
		SET email_attempts = GREATEST(email_attempts - 1, 0), email_next_attempt_at = $1
		WHERE id = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, nextAttemptAt, deliveryID)
	if err != nil {
		return fmt.Errorf("defer email: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", deliveryID, ErrNotFound)
	}
	return nil
}

func deliveryDest(d *Delivery) []any {
	return []any{
		&d.ID,
		&d.NotificationID,
		&d.UserID,
		&d.IsRead,
		&d.ReadAt,
		&d.IsVisible,
		&d.HiddenAt,
		&d.Suppressed,
		&d.EmailRequested,
		&d.IsEmailSent,
		&d.EmailSentAt,
		&d.EmailAttempts,
		&d.EmailLastError,
		&d.CreatedAt,
	}
}

// notificationScan holds the nullable and enum columns that need conversion
// after pgx has scanned a notification row.
type notificationScan struct {
	notifType   string
	priority    string
	secLang     *string
	secTitle    *string
	secMessage  *string
	relatedKind *string
	relatedID   *string
}

func (s *notificationScan) dest(n *Notification) []any {
	return []any{
		&n.ID,
		&n.CreatedBy,
		&n.IsBroadcast,
		&n.TargetRoles,
		&s.notifType,
		&n.Content.Language,
		&n.Content.Title,
		&n.Content.Message,
		&s.secLang,
		&s.secTitle,
		&s.secMessage,
		&s.priority,
		&s.relatedKind,
		&s.relatedID,
		&n.Metadata,
		&n.ExpiresAt,
		&n.CreatedAt,
	}
}

func (s *notificationScan) apply(n *Notification) {
	n.Type = NotificationType(s.notifType)
	n.Priority = Priority(s.priority)
	if s.secLang != nil {
		n.SecondaryContent = &LocalizedText{
			Language: *s.secLang,
			Title:    deref(s.secTitle),
			Message:  deref(s.secMessage),
		}
	}
	if s.relatedKind != nil {
		n.Related = EntityRef{Kind: EntityKind(*s.relatedKind), ID: deref(s.relatedID)}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// mapUserFK turns a foreign-key violation into ErrUnknownUser.
func mapUserFK(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%w: %s", ErrUnknownUser, pgErr.Detail)
	}
	return err
}
