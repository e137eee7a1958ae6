// Package cors answers preflight requests and stamps response headers
// for the admin API.
package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/middleware"
)

// Handler applies a single CORS policy to every admin route.
type Handler struct {
	allowOrigins    []string
	allowMethods    string
	allowHeaders    string
	maxAge          string
	allowAllOrigins bool
}

// New builds a CORS handler from config.
func New(cfg config.CORSConfig) *Handler {
	h := &Handler{
		allowOrigins: cfg.AllowedOrigins,
	}

	if len(cfg.AllowedMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowedMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	}

	if len(cfg.AllowedHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowedHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization"
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	} else {
		h.maxAge = "600"
	}

	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

// IsPreflight reports whether the request is a CORS preflight.
func (h *Handler) IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight answers a preflight with 204. Disallowed origins get
// the 204 without any Allow-* headers, which the browser treats as a
// denial.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.isOriginAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respOrigin := origin
	if h.allowAllOrigins {
		respOrigin = "*"
	}

	w.Header().Set("Access-Control-Allow-Origin", respOrigin)
	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
	w.Header().Set("Access-Control-Max-Age", h.maxAge)
	w.Header().Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders adds CORS headers to a non-preflight response.
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isOriginAllowed(origin) {
		return
	}

	respOrigin := origin
	if h.allowAllOrigins {
		respOrigin = "*"
	}

	w.Header().Set("Access-Control-Allow-Origin", respOrigin)
	w.Header().Set("Vary", "Origin")
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}
	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// Wildcard subdomains: *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

// Middleware short-circuits preflights and stamps headers on everything else.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.IsPreflight(r) {
				h.HandlePreflight(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
