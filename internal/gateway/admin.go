package gateway

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/middleware/policy"
	"github.com/edgegate/edgegate/internal/middleware/ratelimit"
)

var countryCodeRe = regexp.MustCompile(`^[A-Za-z]{2}$`)

// adminHandler builds the admin listener: health endpoints are open,
// everything under /admin sits behind CORS → compression → JWT → the
// per-identity fixed window.
func (s *Server) adminHandler() http.Handler {
	router := httprouter.New()

	router.GET("/admin/policy/allowlist", s.handleListSet(s.keys.AllowlistIPs()))
	router.POST("/admin/policy/allowlist", s.handleAddIP(s.keys.AllowlistIPs()))
	router.DELETE("/admin/policy/allowlist/:ip", s.handleRemoveIP(s.keys.AllowlistIPs()))

	router.GET("/admin/policy/denylist", s.handleListSet(s.keys.BlocklistIPs()))
	router.POST("/admin/policy/denylist", s.handleAddIP(s.keys.BlocklistIPs()))
	router.DELETE("/admin/policy/denylist/:ip", s.handleRemoveIP(s.keys.BlocklistIPs()))

	router.GET("/admin/policy/cidrs", s.handleListSet(s.keys.BlocklistCIDRs()))
	router.POST("/admin/policy/cidrs", s.handleAddCIDR)
	// Catch-all keeps the slash inside the CIDR: /admin/policy/cidrs/10.0.0.0/8
	router.DELETE("/admin/policy/cidrs/*cidr", s.handleRemoveCIDR)

	router.GET("/admin/policy/countries", s.handleListSet(s.keys.BlocklistCountries()))
	router.POST("/admin/policy/countries", s.handleAddCountry)
	router.DELETE("/admin/policy/countries/:code", s.handleRemoveCountry)

	router.POST("/admin/policy/reload", s.handlePolicyReload)

	router.GET("/admin/rate-limits", s.handleRateLimitList)
	router.GET("/admin/rate-limits/:key", s.handleRateLimitGet)
	router.PUT("/admin/rate-limits/:key", s.handleRateLimitPut)
	router.DELETE("/admin/rate-limits/:key", s.handleRateLimitDelete)

	router.GET("/admin/stats", s.handleStats)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})

	protected := middleware.NewBuilder().
		Use(s.cors.Middleware()).
		Use(s.compressor.Middleware()).
		Use(s.jwt.Middleware()).
		Use(s.adminWindow.Middleware()).
		Handler(router)

	health := http.HandlerFunc(s.handleHealth)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHealthPath(r.URL.Path) {
			health.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})

	return middleware.NewBuilder().
		Use(middleware.RequestID()).
		Use(middleware.Recovery()).
		Handler(inner)
}

// handleListSet returns the sorted members of one policy set.
func (s *Server) handleListSet(key string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		members, err := s.rdb.SMembers(r.Context(), key).Result()
		if err != nil {
			s.storeError(w, "list policy set", key, err)
			return
		}
		sort.Strings(members)
		errors.WriteSuccess(w, http.StatusOK, members)
	}
}

func (s *Server) handleAddIP(key string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req struct {
			IP string `json:"ip"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errors.ErrBadRequest.WithMessage("Invalid request body").WriteJSON(w)
			return
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(req.IP))
		if err != nil {
			errors.ErrBadRequest.WithMessage("Invalid IP address").WriteJSON(w)
			return
		}
		s.mutateSet(w, r, key, addr.Unmap().String(), true)
	}
}

func (s *Server) handleRemoveIP(key string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		addr, err := netip.ParseAddr(ps.ByName("ip"))
		if err != nil {
			errors.ErrBadRequest.WithMessage("Invalid IP address").WriteJSON(w)
			return
		}
		s.mutateSet(w, r, key, addr.Unmap().String(), false)
	}
}

func (s *Server) handleAddCIDR(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		CIDR string `json:"cidr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.ErrBadRequest.WithMessage("Invalid request body").WriteJSON(w)
		return
	}
	prefix, err := netip.ParsePrefix(strings.TrimSpace(req.CIDR))
	if err != nil {
		errors.ErrBadRequest.WithMessage("Invalid CIDR").WriteJSON(w)
		return
	}
	s.mutateSet(w, r, s.keys.BlocklistCIDRs(), prefix.String(), true)
}

func (s *Server) handleRemoveCIDR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// The catch-all parameter includes its leading slash.
	raw := strings.TrimPrefix(ps.ByName("cidr"), "/")
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		errors.ErrBadRequest.WithMessage("Invalid CIDR").WriteJSON(w)
		return
	}
	s.mutateSet(w, r, s.keys.BlocklistCIDRs(), prefix.String(), false)
}

func (s *Server) handleAddCountry(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Country string `json:"country"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.ErrBadRequest.WithMessage("Invalid request body").WriteJSON(w)
		return
	}
	code := strings.TrimSpace(req.Country)
	if !countryCodeRe.MatchString(code) {
		errors.ErrBadRequest.WithMessage("Invalid country code").WriteJSON(w)
		return
	}
	s.mutateSet(w, r, s.keys.BlocklistCountries(), strings.ToUpper(code), true)
}

func (s *Server) handleRemoveCountry(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if !countryCodeRe.MatchString(code) {
		errors.ErrBadRequest.WithMessage("Invalid country code").WriteJSON(w)
		return
	}
	s.mutateSet(w, r, s.keys.BlocklistCountries(), strings.ToUpper(code), false)
}

// mutateSet adds or removes one member and publishes an invalidation
// when the set actually changed.
func (s *Server) mutateSet(w http.ResponseWriter, r *http.Request, key, member string, add bool) {
	var (
		n   int64
		err error
	)
	if add {
		n, err = s.rdb.SAdd(r.Context(), key, member).Result()
	} else {
		n, err = s.rdb.SRem(r.Context(), key, member).Result()
	}
	if err != nil {
		s.storeError(w, "mutate policy set", key, err)
		return
	}

	changed := n > 0
	if changed {
		if err := s.publishInvalidation(r); err != nil {
			logging.Warn("Invalidation publish failed", zap.String("key", key), zap.Error(err))
		}
	}

	if add {
		errors.WriteSuccess(w, http.StatusOK, map[string]interface{}{"member": member, "added": changed})
		return
	}
	errors.WriteSuccess(w, http.StatusOK, map[string]interface{}{"member": member, "removed": changed})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.publishInvalidation(r); err != nil {
		s.storeError(w, "publish invalidation", policy.Channel, err)
		return
	}
	errors.WriteSuccess(w, http.StatusOK, map[string]bool{"published": true})
}

// publishInvalidation tells every replica to rebuild its snapshot.
func (s *Server) publishInvalidation(r *http.Request) error {
	return policy.Publish(r.Context(), s.rdb)
}

func (s *Server) handleRateLimitList(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limits, err := s.limits.List(r.Context())
	if err != nil {
		s.storeError(w, "list rate limits", s.keys.RateLimitConfig(), err)
		return
	}
	errors.WriteSuccess(w, http.StatusOK, limits)
}

func (s *Server) handleRateLimitGet(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	limit, err := s.limits.Get(r.Context(), ps.ByName("key"))
	if err != nil {
		s.storeError(w, "get rate limit", s.keys.RateLimitConfig(), err)
		return
	}
	errors.WriteSuccess(w, http.StatusOK, limit)
}

func (s *Server) handleRateLimitPut(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Capacity   int     `json:"capacity"`
		RefillRate float64 `json:"refillRate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.ErrBadRequest.WithMessage("Invalid request body").WriteJSON(w)
		return
	}

	key := ps.ByName("key")
	if err := s.limits.Update(r.Context(), key, req.Capacity, req.RefillRate); err != nil {
		if ratelimit.IsInvalidLimit(err) {
			errors.ErrBadRequest.WithMessage(err.Error()).WriteJSON(w)
			return
		}
		s.storeError(w, "update rate limit", s.keys.RateLimitConfig(), err)
		return
	}
	errors.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"apiKey":     key,
		"capacity":   req.Capacity,
		"refillRate": req.RefillRate,
	})
}

func (s *Server) handleRateLimitDelete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	removed, err := s.limits.Delete(r.Context(), ps.ByName("key"))
	if err != nil {
		s.storeError(w, "delete rate limit", s.keys.RateLimitConfig(), err)
		return
	}
	if !removed {
		errors.ErrNotFound.WithMessage("No override for this API key").WriteJSON(w)
		return
	}
	errors.WriteSuccess(w, http.StatusOK, map[string]bool{"removed": true})
}

// handleStats aggregates per-stage counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	errors.WriteSuccess(w, http.StatusOK, s.statsPayload())
}

func (s *Server) storeError(w http.ResponseWriter, op, key string, err error) {
	logging.Error("Admin store operation failed",
		zap.String("op", op), zap.String("key", key), zap.Error(err))
	errors.ErrInternalServer.WriteJSON(w)
}
