package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/redis"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	authn := auth.NewAuthenticator("test-secret")
	other := auth.NewAuthenticator("other-secret")
	userID := uuid.New()

	valid, err := authn.Issue(userID, auth.RoleStaff, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	forged, _ := other.Issue(userID, auth.RoleAdmin, time.Hour)

	tests := []struct {
		name           string
		header         string
		query          string
		allowQuery     bool
		expectedStatus int
	}{
		{"bearer header", "Bearer " + valid, "", false, http.StatusOK},
		{"missing token", "", "", false, http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", "", false, http.StatusUnauthorized},
		{"foreign signature", "Bearer " + forged, "", false, http.StatusUnauthorized},
		{"query token allowed", "", valid, true, http.StatusOK},
		{"query token refused", "", valid, false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *auth.Principal
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = auth.FromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			target := "/v1/notifications"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(authn, zap.NewNop(), tt.allowQuery)(next).ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusOK {
				if seen == nil || seen.UserID != userID || seen.Role != auth.RoleStaff {
					t.Errorf("unexpected principal %+v", seen)
				}
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name           string
		role           string
		authenticated  bool
		expectedStatus int
	}{
		{"admin allowed", auth.RoleAdmin, true, http.StatusOK},
		{"service allowed", auth.RoleService, true, http.StatusOK},
		{"staff forbidden", auth.RoleStaff, true, http.StatusForbidden},
		{"anonymous", "", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
			if tt.authenticated {
				req = asUser(req, tt.role)
			}
			rec := httptest.NewRecorder()
			RequireRole(auth.RoleAdmin, auth.RoleService)(okHandler()).ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func TestUserKeyFunc(t *testing.T) {
	req := asUser(httptest.NewRequest(http.MethodGet, "/test", nil), auth.RoleStaff)
	if got := UserKeyFunc(req); got != "user:"+testUser.String() {
		t.Errorf("expected user key, got %q", got)
	}

	anon := httptest.NewRequest(http.MethodGet, "/test", nil)
	anon.RemoteAddr = "5.6.7.8:1234"
	if got := UserKeyFunc(anon); got != "ip:5.6.7.8:1234" {
		t.Errorf("expected ip fallback, got %q", got)
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, nil, UserKeyFunc)(okHandler())

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_Blocks(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := redis.NewRateLimiter(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop(), redis.RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
	})
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), UserKeyFunc)(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, asUser(httptest.NewRequest("GET", "/v1/notifications", nil), auth.RoleStaff))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("expected limit header 2, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, asUser(httptest.NewRequest("GET", "/v1/notifications", nil), auth.RoleStaff))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if resp := decodeProblem(t, rec); resp.Type != "rate_limit_exceeded" {
		t.Errorf("expected rate_limit_exceeded, got %s", resp.Type)
	}

	// Another user has their own budget.
	otherReq := httptest.NewRequest("GET", "/v1/notifications", nil)
	otherReq = otherReq.WithContext(auth.WithPrincipal(otherReq.Context(), &auth.Principal{UserID: uuid.New(), Role: auth.RoleStaff}))
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, otherReq)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for another user, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	limiter := redis.NewRateLimiter(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop(), redis.RateLimitConfig{Limit: 1, Window: time.Minute})
	mr.Close()

	rec := httptest.NewRecorder()
	RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected fail-open 200, got %d", rec.Code)
	}
}
