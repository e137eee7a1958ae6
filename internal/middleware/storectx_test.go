package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestStoreContext(t *testing.T) {
	// Construction does not dial, so a dummy address is fine here.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	var got *redis.Client
	handler := StoreContext(client)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = StoreFromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got != client {
		t.Error("handler should see the client attached by the middleware")
	}
}

func TestStoreFromContextMissing(t *testing.T) {
	if StoreFromContext(t.Context()) != nil {
		t.Error("expected nil when the middleware did not run")
	}
}
