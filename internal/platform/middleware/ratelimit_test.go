package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/myclinic/clinic/internal/platform/auth"
)

func serveLimited(h echo.HandlerFunc, e *echo.Echo) (*httptest.ResponseRecorder, error) {
	rec := httptest.NewRecorder()
	err := h(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil), rec))
	return rec, err
}

func TestRateLimit_Burst(t *testing.T) {
	tests := []struct {
		name    string
		rps     float64
		burst   int
		sent    int
		allowed int
	}{
		{name: "within burst", rps: 10, burst: 5, sent: 5, allowed: 5},
		{name: "exceeds burst", rps: 1, burst: 2, sent: 3, allowed: 2},
		{name: "single token", rps: 1, burst: 1, sent: 4, allowed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			h := RateLimit(RateLimitConfig{RequestsPerSecond: tt.rps, BurstSize: tt.burst})(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})

			passed := 0
			for i := 0; i < tt.sent; i++ {
				rec, err := serveLimited(h, e)
				if got := rec.Header().Get("X-RateLimit-Limit"); got != strconv.FormatFloat(tt.rps, 'f', 0, 64) {
					t.Errorf("request %d: X-RateLimit-Limit = %q", i+1, got)
				}
				if err == nil {
					passed++
					continue
				}
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusTooManyRequests {
					t.Fatalf("request %d: expected 429, got %v", i+1, err)
				}
			}
			if passed != tt.allowed {
				t.Errorf("passed %d requests, want %d", passed, tt.allowed)
			}
		})
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	if _, err := serveLimited(h, e); err != nil {
		t.Fatalf("first request: %v", err)
	}
	rec, err := serveLimited(h, e)
	if err == nil {
		t.Fatal("expected second request to be limited")
	}

	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want integer >= 1", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}

func withIdentity(c echo.Context, tenant, user string) {
	req := c.Request()
	c.SetRequest(req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{TenantID: tenant, UserID: user})))
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}

	e := echo.New()
	mw := RateLimit(cfg)
	handler := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	c1 := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	withIdentity(c1, "tenant-a", "u1")
	if err := handler(c1); err != nil {
		t.Fatalf("tenant-a first request: expected no error, got %v", err)
	}

	c2 := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	withIdentity(c2, "tenant-a", "u1")
	if err := handler(c2); err == nil {
		t.Fatal("tenant-a second request: expected rate limit error")
	}

	c3 := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	withIdentity(c3, "tenant-b", "u1")
	if err := handler(c3); err != nil {
		t.Fatalf("tenant-b first request: expected no error, got %v", err)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 {
		t.Errorf("expected RequestsPerSecond 100, got %f", cfg.RequestsPerSecond)
	}
	if cfg.BurstSize != 200 {
		t.Errorf("expected BurstSize 200, got %d", cfg.BurstSize)
	}
}

func TestLimiterStore_EvictsIdleClients(t *testing.T) {
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.get("a")
	store.get("b")
	if store.size() != 2 {
		t.Fatalf("expected 2 limiters, got %d", store.size())
	}

	now = now.Add(2 * time.Minute)
	store.get("c")
	if store.size() != 1 {
		t.Errorf("expected idle limiters evicted, got %d", store.size())
	}
}
