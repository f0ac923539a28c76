package circuitbreaker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/email"
)

// ProtectedSender sends email through a CircuitBreaker so a failing provider
// is skipped instead of being retried on every claimed delivery.
type ProtectedSender struct {
	sender  email.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender email.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send returns an *OpenError without calling the provider while the circuit is open.
func (p *ProtectedSender) Send(ctx context.Context, msg email.Message) (string, error) {
	var id string
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := msg.Validate(); err != nil {
			return err
		}
		var err error
		id, err = p.sender.Send(ctx, msg)
		return err
	})

	var open *OpenError
	if errors.As(err, &open) {
		p.logger.Warn("email skipped, provider circuit open",
			zap.String("breaker", open.Name),
			zap.String("delivery_id", msg.DeliveryID.String()),
			zap.Time("retry_at", open.RetryAt),
		)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}
