package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/db"
)

func testPayload() Payload {
	return Payload{
		Notification: Notification{
			ID:        uuid.New(),
			Type:      "order_created",
			Title:     "New order #42",
			Message:   "Order #42 was placed",
			Language:  "en",
			Priority:  "medium",
			CreatedAt: time.Now().UTC(),
		},
		DeliveryID: uuid.New(),
	}
}

func TestNotification_RelatedEncoding(t *testing.T) {
	p := testPayload()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"related"`)

	p.Notification.Related = &db.EntityRef{Kind: db.EntityProduct, ID: "sku-9"}
	raw, err = json.Marshal(p)
	require.NoError(t, err)

	var decoded Payload
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Notification.Related)
	assert.Equal(t, db.EntityProduct, decoded.Notification.Related.Kind)
	assert.Equal(t, "sku-9", decoded.Notification.Related.ID)
}

func TestRegistry_PublishOffline(t *testing.T) {
	r := NewRegistry(4, zap.NewNop())

	assert.Equal(t, 0, r.Publish(uuid.New(), testPayload()))
}

func TestRegistry_PublishReachesEveryConnectionOfUser(t *testing.T) {
	r := NewRegistry(4, zap.NewNop())
	alice, bob := uuid.New(), uuid.New()

	a1 := r.Connect(alice)
	a2 := r.Connect(alice)
	b1 := r.Connect(bob)

	payload := testPayload()
	assert.Equal(t, 2, r.Publish(alice, payload))

	for _, c := range []*Conn{a1, a2} {
		select {
		case frame := <-c.Events():
			assert.True(t, strings.HasPrefix(string(frame), "event: notification\n"))
			assert.Contains(t, string(frame), payload.DeliveryID.String())
		default:
			t.Fatal("expected a frame")
		}
	}

	select {
	case <-b1.Events():
		t.Fatal("bob must not receive alice's event")
	default:
	}
}

func TestRegistry_FullBufferIsUnreachable(t *testing.T) {
	r := NewRegistry(1, zap.NewNop())
	user := uuid.New()
	r.Connect(user)

	assert.Equal(t, 1, r.Publish(user, testPayload()))

	done := make(chan int)
	go func() { done <- r.Publish(user, testPayload()) }()

	select {
	case reached := <-done:
		assert.Equal(t, 0, reached)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full buffer")
	}
}

func TestRegistry_Disconnect(t *testing.T) {
	r := NewRegistry(4, zap.NewNop())
	user := uuid.New()
	c := r.Connect(user)

	r.Disconnect(c)
	r.Disconnect(c)
	r.Disconnect(nil)

	_, open := <-c.Events()
	assert.False(t, open)
	assert.Equal(t, 0, r.ConnectionCount(user))
	assert.Equal(t, 0, r.Publish(user, testPayload()))
}

func TestRegistry_ConcurrentConnectPublishDisconnect(t *testing.T) {
	r := NewRegistry(8, zap.NewNop())
	user := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := r.Connect(user)
			r.Disconnect(c)
		}()
		go func() {
			defer wg.Done()
			r.Publish(user, testPayload())
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.ConnectionCount(user))
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(4, zap.NewNop())
	c := r.Connect(uuid.New())

	r.Close()

	_, open := <-c.Events()
	assert.False(t, open)
	assert.Nil(t, r.Connect(uuid.New()))
	r.Disconnect(c)
}

func TestStreamHandler_RejectsUnauthenticated(t *testing.T) {
	r := NewRegistry(4, zap.NewNop())
	h := NewStreamHandler(r, time.Second, zap.NewNop())

	req := httptest.NewRequest("GET", "/v1/stream", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamHandler_DeliversEvents(t *testing.T) {
	registry := NewRegistry(4, zap.NewNop())
	user := uuid.New()
	h := NewStreamHandler(registry, time.Hour, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.WithPrincipal(r.Context(), &auth.Principal{UserID: user, Role: auth.RoleStaff})
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return registry.ConnectionCount(user) == 1 },
		time.Second, 10*time.Millisecond)

	payload := testPayload()
	require.Equal(t, 1, registry.Publish(user, payload))

	var data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}

	var got Payload
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, payload.DeliveryID, got.DeliveryID)
	assert.Equal(t, payload.Notification.Title, got.Notification.Title)

	cancel()
	require.Eventually(t, func() bool { return registry.ConnectionCount(user) == 0 },
		2*time.Second, 10*time.Millisecond)
}
