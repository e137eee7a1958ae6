package middleware

import (
	"context"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// storeKey is the context key for the shared store client
type storeKey struct{}

// StoreContext attaches the shared store client to every request context
// before any policy or rate-limiting stage runs.
func StoreContext(client *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), storeKey{}, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StoreFromContext returns the shared store client, or nil when the
// middleware did not run.
func StoreFromContext(ctx context.Context) *redis.Client {
	if c, ok := ctx.Value(storeKey{}).(*redis.Client); ok {
		return c
	}
	return nil
}
