package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID:  "acme",
		Role:      "doctor",
		BranchIDs: []string{"b1"},
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	mw := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))
	err := mw(handler)(c)

	if err == nil {
		t.Fatal("expected error for missing header")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", httpErr.Code)
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
	}

	mw := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			c := e.NewContext(req, httptest.NewRecorder())

			err := mw(func(c echo.Context) error { return nil })(c)
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 HTTPError, got %v", err)
			}
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok := createTestToken(t, validClaims(), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	c := e.NewContext(req, httptest.NewRecorder())

	var got Identity
	mw := JWTMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}))
	err := mw(func(c echo.Context) error {
		id, ok := IdentityFromContext(c.Request().Context())
		if !ok {
			t.Fatal("expected identity on context")
		}
		got = id
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UserID != "user-1" || got.TenantID != "acme" || got.Role != "doctor" {
		t.Errorf("unexpected identity: %+v", got)
	}
	if c.Get("jwt_tenant_id") != "acme" {
		t.Errorf("expected jwt_tenant_id acme, got %v", c.Get("jwt_tenant_id"))
	}
}

func TestDevAuthMiddleware_NoHeader(t *testing.T) {
	tests := []struct {
		name          string
		defaultTenant string
		wantTenant    string
	}{
		{name: "configured tenant", defaultTenant: "clinic_a", wantTenant: "clinic_a"},
		{name: "empty falls back", defaultTenant: "", wantTenant: "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

			mw := DevAuthMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}), tt.defaultTenant)
			err := mw(func(c echo.Context) error {
				id, ok := IdentityFromContext(c.Request().Context())
				if !ok || id.Role != "admin" || id.TenantID != tt.wantTenant || id.UserID != DevUserID {
					t.Errorf("expected dev admin identity in %s, got %+v", tt.wantTenant, id)
				}
				return nil
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.Get("jwt_tenant_id") != tt.wantTenant {
				t.Errorf("expected jwt_tenant_id %s, got %v", tt.wantTenant, c.Get("jwt_tenant_id"))
			}
		})
	}
}

func TestDevAuthMiddleware_BadHeaderStillRejected(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	c := e.NewContext(req, httptest.NewRecorder())

	mw := DevAuthMiddleware(NewVerifier(JWTConfig{SigningKey: testSigningKey}), "default")
	if err := mw(func(c echo.Context) error { return nil })(c); err == nil {
		t.Fatal("expected error for invalid token in dev mode")
	}
}
