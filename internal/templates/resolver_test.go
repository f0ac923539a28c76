package templates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

type fakeStore struct {
	mu        sync.Mutex
	templates map[string]*db.Template
	calls     int
	err       error
}

func newFakeStore(templates ...*db.Template) *fakeStore {
	s := &fakeStore{templates: make(map[string]*db.Template)}
	for _, t := range templates {
		s.templates[fmt.Sprintf("%s/%s/%s", t.Type, t.Language, t.Channel)] = t
	}
	return s
}

func (s *fakeStore) FindActive(ctx context.Context, notifType db.NotificationType, language, channel string) (*db.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	t, ok := s.templates[fmt.Sprintf("%s/%s/%s", notifType, language, channel)]
	if !ok || !t.IsActive {
		return nil, fmt.Errorf("lookup: %w", db.ErrNotFound)
	}
	return t, nil
}

func tmpl(notifType db.NotificationType, lang, title, message string) *db.Template {
	return &db.Template{
		Type:           notifType,
		Language:       lang,
		Channel:        db.ChannelInApp,
		TitlePattern:   title,
		MessagePattern: message,
		IsActive:       true,
	}
}

func TestResolver_Resolve(t *testing.T) {
	store := newFakeStore(
		tmpl(db.TypeCustomerRegistered, "en", "New customer", "{{customerName}} just registered"),
		tmpl(db.TypeCustomerRegistered, "es", "Nuevo cliente", "{{customerName}} se registró"),
	)
	r := NewResolver(store, "en", time.Minute, zap.NewNop())

	p, err := r.Resolve(context.Background(), db.TypeCustomerRegistered, "es", db.ChannelInApp)
	require.NoError(t, err)
	assert.Equal(t, "es", p.Language)
	assert.Equal(t, "Nuevo cliente", p.Title)
}

func TestResolver_FallsBackToDefaultLanguage(t *testing.T) {
	store := newFakeStore(tmpl(db.TypeStockLow, "en", "Low stock", "{{quantity}} left"))
	r := NewResolver(store, "en", time.Minute, zap.NewNop())

	p, err := r.Resolve(context.Background(), db.TypeStockLow, "fr", db.ChannelInApp)
	require.NoError(t, err)
	assert.Equal(t, "en", p.Language)
}

func TestResolver_NotFound(t *testing.T) {
	r := NewResolver(newFakeStore(), "en", time.Minute, zap.NewNop())

	_, err := r.Resolve(context.Background(), db.TypeOrderFailed, "en", db.ChannelInApp)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}

func TestResolver_InactiveTemplateIsNotFound(t *testing.T) {
	inactive := tmpl(db.TypeOrderFailed, "en", "Failed", "Order failed")
	inactive.IsActive = false
	r := NewResolver(newFakeStore(inactive), "en", time.Minute, zap.NewNop())

	_, err := r.Resolve(context.Background(), db.TypeOrderFailed, "en", db.ChannelInApp)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestResolver_StoreErrorIsNotTemplateNotFound(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	r := NewResolver(store, "en", time.Minute, zap.NewNop())

	_, err := r.Resolve(context.Background(), db.TypeOrderFailed, "en", db.ChannelInApp)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTemplateNotFound))
}

func TestResolver_CachesHitsAndMisses(t *testing.T) {
	store := newFakeStore(tmpl(db.TypeStockOut, "en", "Out", "Out of stock"))
	r := NewResolver(store, "en", time.Minute, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(ctx, db.TypeStockOut, "en", db.ChannelInApp)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, db.TypeOrderFailed, "en", db.ChannelInApp)
		require.ErrorIs(t, err, ErrTemplateNotFound)
	}

	assert.Equal(t, 2, store.calls)
}

func TestResolver_CacheExpires(t *testing.T) {
	store := newFakeStore(tmpl(db.TypeStockOut, "en", "Out", "Out of stock"))
	r := NewResolver(store, "en", time.Minute, zap.NewNop())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := r.Resolve(ctx, db.TypeStockOut, "en", db.ChannelInApp)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = r.Resolve(ctx, db.TypeStockOut, "en", db.ChannelInApp)
	require.NoError(t, err)

	assert.Equal(t, 2, store.calls)
}

func TestResolver_ZeroTTLDisablesCache(t *testing.T) {
	store := newFakeStore(tmpl(db.TypeStockOut, "en", "Out", "Out of stock"))
	r := NewResolver(store, "en", 0, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), db.TypeStockOut, "en", db.ChannelInApp)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, store.calls)
}

func TestResolver_Localize(t *testing.T) {
	store := newFakeStore(tmpl(db.TypeCustomerRegistered, "en", "New customer", "Welcome {{customerName}} ({{segment}})"))
	r := NewResolver(store, "en", time.Minute, zap.NewNop())

	c, err := r.Localize(context.Background(), db.TypeCustomerRegistered, "", db.ChannelInApp,
		map[string]any{"customerName": "Ava"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome Ava ({{segment}})", c.Message)
}
