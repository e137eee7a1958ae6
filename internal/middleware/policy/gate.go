package policy

import (
	"net/http"
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/middleware/realip"
)

// CountryFunc resolves an IP to an uppercase alpha-2 country code, or ""
// when unknown. Lookup failures must surface as "", never as an error.
type CountryFunc func(ip string) string

// Gate enforces the allow/deny policy on every request.
type Gate struct {
	cache   *Cache
	country CountryFunc

	totalChecks     atomic.Int64
	allowlistHits   atomic.Int64
	deniedIP        atomic.Int64
	deniedCountry   atomic.Int64
	rejectedInvalid atomic.Int64
}

// NewGate creates a policy gate backed by the given cache. A nil country
// resolver disables country blocking.
func NewGate(cache *Cache, country CountryFunc) *Gate {
	if country == nil {
		country = func(string) string { return "" }
	}
	return &Gate{cache: cache, country: country}
}

// Check evaluates the policy for one client IP. It returns nil to pass or
// a GatewayError describing the rejection. allowlisted is true when the IP
// passed via an explicit allowlist entry; such requests skip the remaining
// gates entirely. forwarded tells a header-asserted client identity apart
// from a direct caller: only direct internal traffic bypasses the lists.
func (g *Gate) Check(clientIP string, forwarded bool) (allowlisted bool, gerr *errors.GatewayError) {
	g.totalChecks.Add(1)

	if clientIP == "" {
		g.rejectedInvalid.Add(1)
		return false, errors.ErrBadRequest.WithMessage("Unable to determine client IP")
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		g.rejectedInvalid.Add(1)
		return false, errors.ErrBadRequest.WithMessage("Unable to determine client IP")
	}
	addr = addr.Unmap()

	// Direct internal traffic is never policed. A private address arriving
	// via a forwarded header is a proxied client, not infrastructure, and
	// stays subject to the lists.
	if isInternal(addr) && !forwarded {
		return false, nil
	}

	snap := g.cache.Current()

	// Allowlist dominates every block rule.
	if snap.IsAllowlisted(addr) {
		g.allowlistHits.Add(1)
		return true, nil
	}

	if snap.IsDenylisted(addr) {
		g.deniedIP.Add(1)
		logging.Warn("IP blocked by policy", zap.String("ip", clientIP))
		return false, errors.ErrForbidden.WithMessage("IP address blocked")
	}

	if cc := g.country(clientIP); cc != "" && snap.IsCountryBlocked(cc) {
		g.deniedCountry.Add(1)
		logging.Warn("country blocked by policy",
			zap.String("ip", clientIP),
			zap.String("country", cc),
		)
		return false, errors.ErrForbidden.WithMessage("Country blocked")
	}

	return false, nil
}

// Middleware returns the enforcement middleware. It reads the client IP
// resolved earlier in the chain and marks allowlisted requests exempt so
// downstream gates pass them through untouched.
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			allowlisted, gerr := g.Check(realip.FromContext(ctx), realip.Forwarded(ctx))
			if gerr != nil {
				gerr.WriteJSON(w)
				return
			}
			if allowlisted {
				r = r.WithContext(middleware.MarkExempt(ctx))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isInternal reports whether addr belongs to infrastructure that bypasses
// policy checks entirely.
func isInternal(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// GateStats returns metrics for the policy gate.
type GateStats struct {
	TotalChecks     int64 `json:"total_checks"`
	AllowlistHits   int64 `json:"allowlist_hits"`
	DeniedIP        int64 `json:"denied_ip"`
	DeniedCountry   int64 `json:"denied_country"`
	RejectedInvalid int64 `json:"rejected_invalid"`
}

// Stats returns the current metrics.
func (g *Gate) Stats() GateStats {
	return GateStats{
		TotalChecks:     g.totalChecks.Load(),
		AllowlistHits:   g.allowlistHits.Load(),
		DeniedIP:        g.deniedIP.Load(),
		DeniedCountry:   g.deniedCountry.Load(),
		RejectedInvalid: g.rejectedInvalid.Load(),
	}
}
