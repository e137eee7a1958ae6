package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgegate/edgegate/internal/config"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestNewJWTAuthRequiresSecret(t *testing.T) {
	if _, err := NewJWTAuth(config.AuthConfig{}); err == nil {
		t.Error("expected error for missing secret")
	}
}

func TestAuthenticate(t *testing.T) {
	auth, err := NewJWTAuth(config.AuthConfig{
		JWTSecret:    "test-secret",
		AllowedRoles: []string{"admin"},
	})
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}

	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub":  "ops-1",
		"role": "Admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	identity, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.ID != "ops-1" {
		t.Errorf("ID = %s, want ops-1", identity.ID)
	}
	if identity.Role != "admin" {
		t.Errorf("Role = %s, want admin (lowercased)", identity.Role)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	auth, _ := NewJWTAuth(config.AuthConfig{JWTSecret: "test-secret"})

	expired := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "ops-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongSecret := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "ops-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	// Token signed with an algorithm outside the allowlist.
	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "ops-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired", "Bearer " + expired},
		{"wrong secret", "Bearer " + wrongSecret},
		{"alg none", "Bearer " + unsigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if _, err := auth.Authenticate(req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestMiddlewareStatusCodes(t *testing.T) {
	auth, _ := NewJWTAuth(config.AuthConfig{
		JWTSecret:    "test-secret",
		AllowedRoles: []string{"admin"},
	})

	var gotIdentity *Identity
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Missing token: 401 with a challenge.
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("no token: expected WWW-Authenticate header")
	}

	// Valid token, disallowed role: 403.
	viewer := signToken(t, "test-secret", jwt.MapClaims{
		"sub":  "viewer-1",
		"role": "viewer",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+viewer)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("viewer role: expected 403, got %d", rec.Code)
	}

	// Valid token, allowed role: 200 and identity in context.
	admin := signToken(t, "test-secret", jwt.MapClaims{
		"sub":  "ops-1",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin role: expected 200, got %d", rec.Code)
	}
	if gotIdentity == nil || gotIdentity.ID != "ops-1" {
		t.Errorf("expected identity in context, got %+v", gotIdentity)
	}
}

func TestMiddlewareEmptyRoleListAllowsAny(t *testing.T) {
	auth, _ := NewJWTAuth(config.AuthConfig{JWTSecret: "test-secret"})

	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "anyone",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
