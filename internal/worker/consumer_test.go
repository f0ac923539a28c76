package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/sqs"
)

type mockQueue struct {
	batches    [][]sqs.Received
	deleted    []string
	visibility map[string]int32
}

func (q *mockQueue) Receive(ctx context.Context, max int32) ([]sqs.Received, error) {
	if len(q.batches) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b, nil
}

func (q *mockQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *mockQueue) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	if q.visibility == nil {
		q.visibility = make(map[string]int32)
	}
	q.visibility[receiptHandle] = seconds
	return nil
}

type mockDispatcher struct {
	events []notify.Event
	err    error
}

func (d *mockDispatcher) Dispatch(ctx context.Context, ev notify.Event) (*notify.DispatchResult, error) {
	d.events = append(d.events, ev)
	if d.err != nil {
		return nil, d.err
	}
	return &notify.DispatchResult{NotificationID: uuid.New(), RecipientCount: 1}, nil
}

func received(handle, event string, receiveCount int) sqs.Received {
	return sqs.Received{
		Message:       sqs.Message{Event: json.RawMessage(event)},
		ReceiptHandle: handle,
		ReceiveCount:  receiveCount,
	}
}

func TestEventConsumer_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		event       string
		dispatchErr error
		wantDeleted bool
		wantRetry   bool
	}{
		{"dispatched", `{"type":"order_failed","title":"x"}`, nil, true, false},
		{"undecodable", `{"type":`, nil, true, false},
		{"invalid", `{"type":"nope"}`, &notify.ValidationError{Field: "type", Reason: "unknown"}, true, false},
		{"persistence failure", `{"type":"order_failed"}`, &notify.PersistenceError{Op: "create notification", Err: errors.New("timeout")}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &mockQueue{}
			d := &mockDispatcher{err: tt.dispatchErr}
			c := NewEventConsumer(q, d, ConsumerConfig{}, zap.NewNop())

			c.processBatch(context.Background(), []sqs.Received{received("h1", tt.event, 1)})

			if got := len(q.deleted) == 1; got != tt.wantDeleted {
				t.Errorf("deleted = %v, want %v", got, tt.wantDeleted)
			}
			if _, got := q.visibility["h1"]; got != tt.wantRetry {
				t.Errorf("retry visibility set = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestEventConsumer_DecodesMetadataNumbersExactly(t *testing.T) {
	q := &mockQueue{}
	d := &mockDispatcher{}
	c := NewEventConsumer(q, d, ConsumerConfig{}, zap.NewNop())

	user := uuid.New()
	event := `{"type":"order_created","source":{"kind":"order","id":"42"},"metadata":{"amount":1000.10},"userIds":["` + user.String() + `"]}`
	c.processBatch(context.Background(), []sqs.Received{received("h1", event, 1)})

	if len(d.events) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(d.events))
	}
	ev := d.events[0]
	if got, ok := ev.Metadata["amount"].(json.Number); !ok || got.String() != "1000.10" {
		t.Errorf("amount = %#v", ev.Metadata["amount"])
	}
	if len(ev.UserIDs) != 1 || ev.UserIDs[0] != user {
		t.Errorf("user ids = %v", ev.UserIDs)
	}
}

func TestEventConsumer_RetryDelayGrows(t *testing.T) {
	c := NewEventConsumer(&mockQueue{}, &mockDispatcher{}, ConsumerConfig{RetryDelay: 10 * time.Second}, zap.NewNop())

	tests := []struct {
		count int
		want  time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{4, 80 * time.Second},
		{100, 12 * time.Hour},
	}
	for _, tt := range tests {
		if got := c.retryDelay(tt.count); got != tt.want {
			t.Errorf("receive %d: got %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestEventConsumer_StartProcessesUntilCancelled(t *testing.T) {
	q := &mockQueue{batches: [][]sqs.Received{
		{received("h1", `{"type":"system_alert","title":"a"}`, 1), received("h2", `{"type":"system_alert","title":"b"}`, 1)},
	}}
	d := &mockDispatcher{}
	c := NewEventConsumer(q, d, ConsumerConfig{}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Start(ctx)

	if len(d.events) != 2 || len(q.deleted) != 2 {
		t.Fatalf("dispatched %d, deleted %d", len(d.events), len(q.deleted))
	}
}
