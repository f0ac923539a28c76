package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/sqs"
)

// Queue is the SQS consumer surface used by EventConsumer.
type Queue interface {
	Receive(ctx context.Context, max int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// Dispatcher fans out one event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event) (*notify.DispatchResult, error)
}

type ConsumerConfig struct {
	BatchSize int32
	// RetryDelay is the base visibility delay after a retryable failure; it grows
	// with the receive count.
	RetryDelay time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// EventConsumer dispatches events queued on SQS. Retryable failures leave the
// message for redelivery; malformed or invalid events are deleted.
type EventConsumer struct {
	queue      Queue
	dispatcher Dispatcher
	config     ConsumerConfig
	logger     *zap.Logger
}

func NewEventConsumer(queue Queue, dispatcher Dispatcher, cfg ConsumerConfig, logger *zap.Logger) *EventConsumer {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 15 * time.Second
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &EventConsumer{
		queue:      queue,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
	}
}

func (c *EventConsumer) Start(ctx context.Context) {
	c.logger.Info("event consumer started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("event consumer stopping")
			return
		}

		messages, err := c.queue.Receive(ctx, c.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to receive events", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorBackoff):
			}
			continue
		}

		c.processBatch(ctx, messages)
	}
}

func (c *EventConsumer) processBatch(ctx context.Context, messages []sqs.Received) {
	metrics.SetSQSMessagesInFlight(len(messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, m := range messages {
		outcome := c.handle(ctx, m)
		metrics.RecordEventConsumed(outcome)
	}
}

// handle returns the outcome label.
func (c *EventConsumer) handle(ctx context.Context, m sqs.Received) string {
	log := c.logger.With(zap.String("idempotency_key", m.Message.IdempotencyKey))

	ev, err := decodeEvent(m.Message.Event)
	if err != nil {
		log.Warn("dropping undecodable event", zap.Error(err))
		c.delete(ctx, m, log)
		return "rejected"
	}

	result, err := c.dispatcher.Dispatch(ctx, ev)
	switch {
	case err == nil:
		log.Info("queued event dispatched",
			zap.String("type", string(ev.Type)),
			zap.String("notification_id", result.NotificationID.String()),
			zap.Int("recipients", result.RecipientCount),
		)
		c.delete(ctx, m, log)
		return "dispatched"

	case notify.IsValidation(err):
		log.Warn("dropping invalid event", zap.Error(err), zap.String("type", string(ev.Type)))
		c.delete(ctx, m, log)
		return "rejected"

	default:
		delay := c.retryDelay(m.ReceiveCount)
		log.Error("event dispatch failed, leaving for redelivery",
			zap.Error(err),
			zap.Int("receive_count", m.ReceiveCount),
			zap.Duration("retry_in", delay),
		)
		if verr := c.queue.ChangeVisibility(ctx, m.ReceiptHandle, int32(delay/time.Second)); verr != nil {
			log.Warn("failed to set retry visibility", zap.Error(verr))
		}
		return "retry"
	}
}

func (c *EventConsumer) delete(ctx context.Context, m sqs.Received, log *zap.Logger) {
	if err := c.queue.Delete(ctx, m.ReceiptHandle); err != nil {
		log.Error("failed to delete event message", zap.Error(err))
	}
}

// retryDelay doubles per receive, capped at the SQS visibility maximum of 12h.
func (c *EventConsumer) retryDelay(receiveCount int) time.Duration {
	const maxDelay = 12 * time.Hour
	d := c.config.RetryDelay
	for i := 1; i < receiveCount && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// decodeEvent keeps metadata numbers as json.Number.
func decodeEvent(raw json.RawMessage) (notify.Event, error) {
	var ev notify.Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	err := dec.Decode(&ev)
	return ev, err
}
