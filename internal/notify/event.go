package notify

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/beacon/internal/db"
)

// Event is a business event to fan out. Exactly one of UserIDs, TargetRoles or
// neither (everyone) selects the recipients; Recipients overrides both.
type Event struct {
	Type             db.NotificationType `json:"type"`
	Source           db.EntityRef        `json:"source"`
	Priority         db.Priority         `json:"priority,omitempty"`
	Language         string              `json:"language,omitempty"`
	Title            string              `json:"title,omitempty"`
	Message          string              `json:"message,omitempty"`
	SecondaryContent *db.LocalizedText   `json:"secondaryContent,omitempty"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
	UserIDs          []uuid.UUID         `json:"userIds,omitempty"`
	TargetRoles      []string            `json:"targetRoles,omitempty"`
	CreatedBy        *uuid.UUID          `json:"createdBy,omitempty"`
	ExpiresAt        *time.Time          `json:"expiresAt,omitempty"`

	Recipients RecipientSelector `json:"-"`
}

// DispatchResult summarizes one dispatch. A zero NotificationID means nothing was written.
type DispatchResult struct {
	NotificationID uuid.UUID `json:"notificationId"`
	RecipientCount int       `json:"recipientCount"`
	Suppressed     int       `json:"suppressed"`
	Excluded       int       `json:"excluded"`
	Reached        int       `json:"reached"`
}

// BroadcastRequest is an administrator's manual announcement.
type BroadcastRequest struct {
	Type             db.NotificationType `json:"type"`
	Title            string              `json:"title"`
	Message          string              `json:"message"`
	Language         string              `json:"language,omitempty"`
	SecondaryContent *db.LocalizedText   `json:"secondaryContent,omitempty"`
	Priority         db.Priority         `json:"priority,omitempty"`
	TargetRoles      []string            `json:"targetRoles,omitempty"`
	UserIDs          []uuid.UUID         `json:"userIds,omitempty"`
	Metadata         map[string]any      `json:"metadata,omitempty"`
	ExpiresAt        *time.Time          `json:"expiresAt,omitempty"`
	CreatedBy        *uuid.UUID          `json:"-"`
}

func (e *Event) selector() (RecipientSelector, error) {
	if e.Recipients != nil {
		return e.Recipients, nil
	}
	if len(e.UserIDs) > 0 && len(e.TargetRoles) > 0 {
		return nil, invalid("recipients", "userIds and targetRoles are mutually exclusive")
	}
	if len(e.UserIDs) > 0 {
		return ByIDs{IDs: e.UserIDs}, nil
	}
	if len(e.TargetRoles) > 0 {
		return ByRole{Roles: e.TargetRoles}, nil
	}
	return AllUsers{}, nil
}

// humanize turns "stock_low" into "Stock low".
func humanize(t db.NotificationType) string {
	s := strings.ReplaceAll(string(t), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
