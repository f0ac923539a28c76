package templates

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// ErrTemplateNotFound is returned when no active template matches a lookup.
var ErrTemplateNotFound = errors.New("template not found")

// Store looks up a single active template.
type Store interface {
	FindActive(ctx context.Context, notifType db.NotificationType, language, channel string) (*db.Template, error)
}

// Patterns are the unrendered texts of a template.
type Patterns struct {
	Language     string
	Title        string
	Message      string
	EmailSubject *string
	EmailHTML    *string
}

// Content is a rendered template.
type Content struct {
	Language     string `json:"language"`
	Title        string `json:"title"`
	Message      string `json:"message"`
	EmailSubject string `json:"email_subject,omitempty"`
	EmailHTML    string `json:"email_html,omitempty"`
}

// Render fills every pattern from metadata. An absent email subject falls back to the title.
func (p *Patterns) Render(metadata map[string]any) Content {
	c := Content{
		Language: p.Language,
		Title:    Render(p.Title, metadata),
		Message:  Render(p.Message, metadata),
	}
	if p.EmailSubject != nil {
		c.EmailSubject = Render(*p.EmailSubject, metadata)
	} else {
		c.EmailSubject = c.Title
	}
	if p.EmailHTML != nil {
		c.EmailHTML = RenderHTML(*p.EmailHTML, metadata)
	}
	return c
}

type cacheKey struct {
	notifType db.NotificationType
	language  string
	channel   string
}

type cacheEntry struct {
	patterns  *Patterns // nil caches a miss
	expiresAt time.Time
}

// Resolver resolves templates by (type, language, channel), falling back to the
// default language, and caches results for a short TTL.
type Resolver struct {
	store           Store
	defaultLanguage string
	ttl             time.Duration
	logger          *zap.Logger
	now             func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

// NewResolver creates a resolver. A zero ttl disables caching.
func NewResolver(store Store, defaultLanguage string, ttl time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:           store,
		defaultLanguage: defaultLanguage,
		ttl:             ttl,
		logger:          logger,
		now:             time.Now,
		cache:           make(map[cacheKey]cacheEntry),
	}
}

// DefaultLanguage returns the language used when a recipient has none.
func (r *Resolver) DefaultLanguage() string {
	return r.defaultLanguage
}

// Resolve returns the active template patterns for (type, language, channel).
// When language has no template the default language is tried.
func (r *Resolver) Resolve(ctx context.Context, notifType db.NotificationType, language, channel string) (*Patterns, error) {
	if language == "" {
		language = r.defaultLanguage
	}
	key := cacheKey{notifType: notifType, language: language, channel: channel}

	if entry, ok := r.cached(key); ok {
		metrics.RecordTemplateLookup(channel, "cache")
		if entry.patterns == nil {
			return nil, fmt.Errorf("%s/%s/%s: %w", notifType, language, channel, ErrTemplateNotFound)
		}
		return entry.patterns, nil
	}

	patterns, err := r.lookup(ctx, notifType, language, channel)
	if errors.Is(err, ErrTemplateNotFound) && language != r.defaultLanguage {
		patterns, err = r.lookup(ctx, notifType, r.defaultLanguage, channel)
		if err == nil {
			metrics.RecordTemplateLookup(channel, "fallback")
		}
	}

	switch {
	case err == nil:
		metrics.RecordTemplateLookup(channel, "hit")
		r.remember(key, patterns)
		return patterns, nil
	case errors.Is(err, ErrTemplateNotFound):
		metrics.RecordTemplateLookup(channel, "miss")
		r.remember(key, nil)
		return nil, fmt.Errorf("%s/%s/%s: %w", notifType, language, channel, ErrTemplateNotFound)
	default:
		r.logger.Warn("template lookup failed",
			zap.Error(err),
			zap.String("type", string(notifType)),
			zap.String("language", language),
			zap.String("channel", channel),
		)
		return nil, err
	}
}

// Localize resolves and renders in one step.
func (r *Resolver) Localize(ctx context.Context, notifType db.NotificationType, language, channel string, metadata map[string]any) (*Content, error) {
	patterns, err := r.Resolve(ctx, notifType, language, channel)
	if err != nil {
		return nil, err
	}
	content := patterns.Render(metadata)
	return &content, nil
}

// Invalidate drops every cached lookup.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[cacheKey]cacheEntry)
	r.mu.Unlock()
}

func (r *Resolver) lookup(ctx context.Context, notifType db.NotificationType, language, channel string) (*Patterns, error) {
	t, err := r.store.FindActive(ctx, notifType, language, channel)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find template: %w", err)
	}
	return &Patterns{
		Language:     t.Language,
		Title:        t.TitlePattern,
		Message:      t.MessagePattern,
		EmailSubject: t.EmailSubject,
		EmailHTML:    t.EmailHTML,
	}, nil
}

func (r *Resolver) cached(key cacheKey) (cacheEntry, bool) {
	if r.ttl <= 0 {
		return cacheEntry{}, false
	}
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok || r.now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (r *Resolver) remember(key cacheKey, patterns *Patterns) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{patterns: patterns, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
}
