package gateway

import (
	"net/http"
	"strings"

	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/middleware"
)

// publicHandler composes the enforcement pipeline:
//
//	RequestID → Recovery → StoreContext → IPResolver
//	  → (health bypass) → PolicyGate → ReputationGate → RateLimiter → terminal
//
// Health probes resolve their IP like everyone else but skip the gates.
func (s *Server) publicHandler() http.Handler {
	gates := middleware.NewBuilder()
	if s.policyGate != nil {
		gates.Use(s.policyGate.Middleware())
	}
	if s.repGate != nil {
		gates.Use(s.repGate.Middleware())
	}
	if s.bucket != nil {
		gates.Use(s.bucket.Middleware())
	}
	gated := gates.Handler(admittedHandler())

	health := http.HandlerFunc(s.handleHealth)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHealthPath(r.URL.Path) {
			health.ServeHTTP(w, r)
			return
		}
		gated.ServeHTTP(w, r)
	})

	return middleware.NewBuilder().
		Use(middleware.RequestID()).
		Use(middleware.Recovery()).
		Use(middleware.StoreContext(s.rdb)).
		Use(s.resolver.Middleware).
		Handler(inner)
}

// isHealthPath matches the probe paths that bypass the gates.
func isHealthPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/") || path == "/healthz"
}

// admittedHandler terminates the pipeline for requests that passed
// every gate. Forwarding to an origin is a deployment concern; this
// service only decides admission.
func admittedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteSuccess(w, http.StatusOK, map[string]string{"status": "admitted"})
	})
}
