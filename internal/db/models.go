package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NotificationType is the closed set of business events the CRM can notify about.
// Adding a value requires a schema change (see migrations/0001_notifications.up.sql).
type NotificationType string

const (
	TypeOrderCreated          NotificationType = "order_created"
	TypeOrderUpdated          NotificationType = "order_updated"
	TypeOrderStatusChanged    NotificationType = "order_status_changed"
	TypeOrderPaymentUpdated   NotificationType = "order_payment_updated"
	TypeOrderHighValue        NotificationType = "order_high_value"
	TypeOrderFailed           NotificationType = "order_failed"
	TypeStockLow              NotificationType = "stock_low"
	TypeStockMedium           NotificationType = "stock_medium"
	TypeStockOut              NotificationType = "stock_out"
	TypeRestockRecommendation NotificationType = "restock_recommendation"
	TypeCustomerRegistered    NotificationType = "customer_registered"
	TypeSalesSummaryDaily     NotificationType = "sales_summary_daily"
	TypeSalesSummaryWeekly    NotificationType = "sales_summary_weekly"
	TypeSystemAlert           NotificationType = "system_alert"
	TypeMaintenanceNotice     NotificationType = "maintenance_notice"
)

// NotificationTypes lists every persisted type in declaration order.
var NotificationTypes = []NotificationType{
	TypeOrderCreated,
	TypeOrderUpdated,
	TypeOrderStatusChanged,
	TypeOrderPaymentUpdated,
	TypeOrderHighValue,
	TypeOrderFailed,
	TypeStockLow,
	TypeStockMedium,
	TypeStockOut,
	TypeRestockRecommendation,
	TypeCustomerRegistered,
	TypeSalesSummaryDaily,
	TypeSalesSummaryWeekly,
	TypeSystemAlert,
	TypeMaintenanceNotice,
}

// Valid reports whether t is one of the persisted notification types.
func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority constants
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// EntityKind tags the CRM entity a notification points at.
type EntityKind string

const (
	EntityOrder    EntityKind = "order"
	EntityProduct  EntityKind = "product"
	EntityCustomer EntityKind = "customer"
	EntityUser     EntityKind = "user"
	EntitySystem   EntityKind = "system"
)

// EntityRef is a reference to the CRM entity that triggered a notification.
// The zero value means "no related entity".
type EntityRef struct {
	Kind EntityKind `json:"kind,omitempty"`
	ID   string     `json:"id,omitempty"`
}

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Validate checks that the kind is known and that every kind except system carries an id.
func (r EntityRef) Validate() error {
	if r.IsZero() {
		return nil
	}
	switch r.Kind {
	case EntityOrder, EntityProduct, EntityCustomer, EntityUser:
		if r.ID == "" {
			return fmt.Errorf("%s reference requires an id", r.Kind)
		}
		return nil
	case EntitySystem:
		return nil
	default:
		return fmt.Errorf("unknown entity kind %q", r.Kind)
	}
}

// LocalizedText is a title/message pair in one language.
type LocalizedText struct {
	Language string `json:"language"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// Notification represents one business event record in the database
type Notification struct {
	ID               uuid.UUID        `json:"id"`
	CreatedBy        *uuid.UUID       `json:"created_by,omitempty"`
	IsBroadcast      bool             `json:"is_broadcast"`
	TargetRoles      []string         `json:"target_roles,omitempty"`
	Type             NotificationType `json:"type"`
	Content          LocalizedText    `json:"content"`
	SecondaryContent *LocalizedText   `json:"secondary_content,omitempty"`
	Priority         Priority         `json:"priority"`
	Related          EntityRef        `json:"related"`
	Metadata         json.RawMessage  `json:"metadata,omitempty"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Delivery is the per-recipient fan-out row of a Notification.
type Delivery struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	UserID         uuid.UUID  `json:"user_id"`
	IsRead         bool       `json:"is_read"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	IsVisible      bool       `json:"is_visible"`
	HiddenAt       *time.Time `json:"hidden_at,omitempty"`
	Suppressed     bool       `json:"suppressed"`
	EmailRequested bool       `json:"email_requested"`
	IsEmailSent    bool       `json:"is_email_sent"`
	EmailSentAt    *time.Time `json:"email_sent_at,omitempty"`
	EmailAttempts  int        `json:"email_attempts"`
	EmailLastError *string    `json:"email_last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Inbox is a Delivery joined with its Notification, as shown to the recipient.
type Inbox struct {
	Delivery     Delivery     `json:"delivery"`
	Notification Notification `json:"notification"`
}

// PendingEmail is a delivery that still owes its recipient an email.
type PendingEmail struct {
	Delivery     Delivery
	Notification Notification
	Email        string
	Language     string
}

// Preference is one user's settings for one notification type.
type Preference struct {
	UserID       uuid.UUID        `json:"user_id"`
	Type         NotificationType `json:"type"`
	InAppEnabled bool             `json:"in_app_enabled"`
	EmailEnabled bool             `json:"email_enabled"`
	Threshold    *decimal.Decimal `json:"threshold,omitempty"`
	Language     string           `json:"language"`
	UpdatedAt    *time.Time       `json:"updated_at,omitempty"`
}

// PreferencePatch carries the fields a user wants to change; nil means unchanged.
// ClearThreshold removes a custom threshold.
type PreferencePatch struct {
	InAppEnabled   *bool            `json:"in_app_enabled,omitempty"`
	EmailEnabled   *bool            `json:"email_enabled,omitempty"`
	Threshold      *decimal.Decimal `json:"threshold,omitempty"`
	ClearThreshold bool             `json:"clear_threshold,omitempty"`
	Language       *string          `json:"language,omitempty"`
}

// Channel constants
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
)

// Template is a localized, channel-specific text pattern for a notification type.
type Template struct {
	ID             uuid.UUID        `json:"id"`
	Type           NotificationType `json:"type"`
	Language       string           `json:"language"`
	Channel        string           `json:"channel"`
	TitlePattern   string           `json:"title_pattern"`
	MessagePattern string           `json:"message_pattern"`
	EmailSubject   *string          `json:"email_subject,omitempty"`
	EmailHTML      *string          `json:"email_html,omitempty"`
	IsActive       bool             `json:"is_active"`
}
