// Package auth guards the admin API with JWT bearer tokens.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/middleware"
)

// Identity is the authenticated caller extracted from token claims.
type Identity struct {
	ID   string
	Role string
}

type identityKey struct{}

// IdentityFromContext returns the identity stored by the middleware,
// or nil when the request was not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// JWTAuth validates HS256 bearer tokens against a shared secret and an
// allowed-role set.
type JWTAuth struct {
	secret       []byte
	allowedRoles map[string]struct{}
}

// NewJWTAuth builds an authenticator from config. The secret is
// required; an empty allowed-role list means any role passes.
func NewJWTAuth(cfg config.AuthConfig) (*JWTAuth, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth: jwt_secret is required")
	}
	roles := make(map[string]struct{}, len(cfg.AllowedRoles))
	for _, r := range cfg.AllowedRoles {
		roles[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return &JWTAuth{
		secret:       []byte(cfg.JWTSecret),
		allowedRoles: roles,
	}, nil
}

// Authenticate verifies the bearer token and returns the caller identity.
func (a *JWTAuth) Authenticate(r *http.Request) (*Identity, error) {
	tokenString := extractToken(r)
	if tokenString == "" {
		return nil, errors.ErrUnauthorized.WithMessage("Bearer token not provided")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, errors.ErrUnauthorized.WithMessage("Invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrUnauthorized.WithMessage("Invalid token claims")
	}

	sub, _ := claims.GetSubject()
	role, _ := claims["role"].(string)

	return &Identity{ID: sub, Role: strings.ToLower(role)}, nil
}

// authorize checks the identity's role against the allowed set.
func (a *JWTAuth) authorize(id *Identity) error {
	if len(a.allowedRoles) == 0 {
		return nil
	}
	if _, ok := a.allowedRoles[id.Role]; !ok {
		return errors.ErrForbidden.WithMessage("Insufficient role")
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401 and
// authenticated callers whose role is not allowed with 403.
func (a *JWTAuth) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				writeAuthError(w, err)
				return
			}

			if err := a.authorize(identity); err != nil {
				writeAuthError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	if gerr, ok := err.(*errors.GatewayError); ok {
		gerr.WriteJSON(w)
		return
	}
	errors.ErrUnauthorized.WriteJSON(w)
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}
