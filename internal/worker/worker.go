package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/email"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/templates"
)

type Repository interface {
	ClaimPendingEmails(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]*db.PendingEmail, error)
	MarkEmailSent(ctx context.Context, deliveryID uuid.UUID) error
	RecordEmailFailure(ctx context.Context, deliveryID uuid.UUID, errorMsg string, nextAttemptAt *time.Time) error
	DeferEmail(ctx context.Context, deliveryID uuid.UUID, nextAttemptAt time.Time) error
}

// Localizer renders the email channel template.
type Localizer interface {
	Localize(ctx context.Context, notifType db.NotificationType, language, channel string, metadata map[string]any) (*templates.Content, error)
}

// EmailWorker polls for deliveries whose recipient asked for email and sends them.
type EmailWorker struct {
	repo      Repository
	localizer Localizer
	sender    email.Sender
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// Lease is how long a claimed delivery stays invisible to other workers.
	Lease time.Duration
	// CircuitCooldown postpones deliveries skipped while the provider circuit is open.
	CircuitCooldown time.Duration
}

func NewEmailWorker(repo Repository, localizer Localizer, sender email.Sender, cfg Config, logger *zap.Logger) *EmailWorker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Lease == 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.CircuitCooldown == 0 {
		cfg.CircuitCooldown = 30 * time.Second
	}

	return &EmailWorker{
		repo:      repo,
		localizer: localizer,
		sender:    sender,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (w *EmailWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("email worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("email worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *EmailWorker) processBatch(ctx context.Context) int {
	pending, err := w.repo.ClaimPendingEmails(ctx, w.config.BatchSize, w.config.MaxAttempts, w.config.Lease)
	if err != nil {
		w.logger.Error("failed to claim pending emails", zap.Error(err))
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	w.logger.Debug("claimed pending emails", zap.Int("count", len(pending)))

	sent := 0
	for i, p := range pending {
		err := w.processEmail(ctx, p)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			w.deferRemaining(ctx, pending[i:], w.resumeAt(err))
			break
		}
		if err == nil {
			sent++
		}
	}
	return sent
}

func (w *EmailWorker) processEmail(ctx context.Context, p *db.PendingEmail) error {
	deliveryID := p.Delivery.ID
	msg := w.compose(ctx, p)

	_, err := w.sender.Send(ctx, msg)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return err
	}
	if err != nil {
		attempt := p.Delivery.EmailAttempts
		w.logger.Error("failed to send email",
			zap.Error(err),
			zap.String("delivery_id", deliveryID.String()),
			zap.Int("attempt", attempt),
		)

		var next *time.Time
		status := "failed"
		if attempt < w.config.MaxAttempts && !permanent(err) {
			t := w.nextAttempt(attempt)
			next = &t
			status = "retry"
		}
		if rerr := w.repo.RecordEmailFailure(ctx, deliveryID, err.Error(), next); rerr != nil {
			w.logger.Error("failed to record email failure",
				zap.Error(rerr),
				zap.String("delivery_id", deliveryID.String()),
			)
		}
		metrics.RecordEmailProcessed(status)
		return err
	}

	if err := w.repo.MarkEmailSent(ctx, deliveryID); err != nil {
		w.logger.Error("email sent but not recorded",
			zap.Error(err),
			zap.String("delivery_id", deliveryID.String()),
		)
		return err
	}

	metrics.RecordEmailProcessed("sent")
	metrics.RecordEmailLatency(w.now().Sub(p.Notification.CreatedAt))
	w.logger.Info("notification email sent",
		zap.String("delivery_id", deliveryID.String()),
		zap.String("notification_id", p.Notification.ID.String()),
	)
	return nil
}

// compose renders the email template in the recipient's language, falling back
// to the notification's stored title and message.
func (w *EmailWorker) compose(ctx context.Context, p *db.PendingEmail) email.Message {
	notif := &p.Notification
	msg := email.Message{
		DeliveryID: p.Delivery.ID,
		To:         p.Email,
		Subject:    notif.Content.Title,
		Text:       notif.Content.Message,
	}
	if notif.SecondaryContent != nil && notif.SecondaryContent.Language == p.Language {
		msg.Subject = notif.SecondaryContent.Title
		msg.Text = notif.SecondaryContent.Message
	}

	content, err := w.localizer.Localize(ctx, notif.Type, p.Language, db.ChannelEmail, templates.DecodeMetadata(notif.Metadata))
	switch {
	case err == nil:
		msg.Subject = content.EmailSubject
		msg.HTML = content.EmailHTML
		msg.Text = content.Message
	case !errors.Is(err, templates.ErrTemplateNotFound):
		w.logger.Warn("email template resolution failed, using stored content",
			zap.Error(err),
			zap.String("delivery_id", p.Delivery.ID.String()),
		)
	}

	if msg.Subject == "" {
		msg.Subject = string(notif.Type)
	}
	if msg.Text == "" && msg.HTML == "" {
		msg.Text = msg.Subject
	}
	return msg
}

// deferRemaining pushes claimed deliveries past the circuit cooldown without
// counting the skipped attempt against them.
func (w *EmailWorker) deferRemaining(ctx context.Context, pending []*db.PendingEmail, next time.Time) {
	for _, p := range pending {
		if err := w.repo.DeferEmail(ctx, p.Delivery.ID, next); err != nil {
			w.logger.Error("failed to defer email",
				zap.Error(err),
				zap.String("delivery_id", p.Delivery.ID.String()),
			)
		}
		metrics.RecordEmailProcessed("deferred")
	}
	w.logger.Warn("email provider unavailable, deferred claimed deliveries",
		zap.Int("count", len(pending)),
		zap.Time("next_attempt", next),
	)
}

// resumeAt is when deliveries skipped by an open circuit become due again.
func (w *EmailWorker) resumeAt(err error) time.Time {
	now := w.now()
	var open *circuitbreaker.OpenError
	if errors.As(err, &open) && open.RetryAt.After(now) {
		return open.RetryAt
	}
	return now.Add(w.config.CircuitCooldown)
}

// permanent reports whether resending the same message cannot succeed.
func permanent(err error) bool {
	return errors.Is(err, email.ErrInvalidMessage) || errors.Is(err, email.ErrRejected)
}

// nextAttempt backs off by attempt number.
func (w *EmailWorker) nextAttempt(attempt int) time.Time {
	delays := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	return w.now().Add(delays[idx])
}
