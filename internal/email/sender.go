package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one rendered notification email.
type Message struct {
	DeliveryID uuid.UUID
	To         string
	Subject    string
	HTML       string
	Text       string
}

var (
	// ErrInvalidMessage wraps Validate failures. Retrying the same message cannot succeed.
	ErrInvalidMessage = errors.New("invalid email message")

	// ErrRejected is returned when the provider refuses this particular message.
	ErrRejected = errors.New("email rejected by provider")
)

// Validate checks the fields every provider needs.
func (m Message) Validate() error {
	switch {
	case m.To == "":
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	case m.Subject == "":
		return fmt.Errorf("%w: missing subject", ErrInvalidMessage)
	case m.HTML == "" && m.Text == "":
		return fmt.Errorf("%w: missing body", ErrInvalidMessage)
	}
	return nil
}

// Sender delivers an email and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// LogSender logs emails instead of sending them (development).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	s.logger.Info("logging email (development mode)",
		zap.String("delivery_id", msg.DeliveryID.String()),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return "log-" + msg.DeliveryID.String(), nil
}
