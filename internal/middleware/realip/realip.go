package realip

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"
)

// contextKey is the type for the client IP context key.
type contextKey struct{}

// forwardedKey marks client IPs that came from a forwarded header rather
// than the socket.
type forwardedKey struct{}

// Forwarded headers, in precedence order. The CDN header is only honored
// when the direct peer is a trusted proxy; the generic headers are spoofable
// either way, so gating them buys nothing.
const (
	headerCDN       = "CF-Connecting-IP"
	headerRealIP    = "X-Real-IP"
	headerForwarded = "X-Forwarded-For"
)

// Resolver derives the textual client IP used by every downstream stage
// from the socket address and the forwarded-header set.
type Resolver struct {
	trusted []netip.Prefix

	totalRequests atomic.Int64
	fromHeader    atomic.Int64
}

// New creates a Resolver from a list of trusted proxy CIDRs. Bare IPs are
// widened to single-address prefixes.
func New(trusted []string) (*Resolver, error) {
	prefixes := make([]netip.Prefix, 0, len(trusted))
	for _, entry := range trusted {
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return &Resolver{trusted: prefixes}, nil
}

// Extract determines the client IP for one request. forwarded reports
// whether the value came from a forwarded header rather than the socket;
// downstream stages use it to tell asserted client identities apart from
// direct internal callers.
//
// Precedence: CDN header (trusted peer only, public value only), then
// X-Real-IP (public value only), then the first public X-Forwarded-For hop
// (or its first element when none are public), then the socket address.
// Never fails; an unresolvable request yields an empty string.
func (c *Resolver) Extract(r *http.Request) (ip string, forwarded bool) {
	c.totalRequests.Add(1)

	peer := peerAddr(r.RemoteAddr)

	if v := strings.TrimSpace(r.Header.Get(headerCDN)); v != "" && c.isTrustedPeer(peer) {
		if addr, err := netip.ParseAddr(v); err == nil && IsPublic(addr) {
			c.fromHeader.Add(1)
			return v, true
		}
	}

	if v := strings.TrimSpace(r.Header.Get(headerRealIP)); v != "" {
		if addr, err := netip.ParseAddr(v); err == nil && IsPublic(addr) {
			c.fromHeader.Add(1)
			return v, true
		}
	}

	if v := r.Header.Get(headerForwarded); v != "" {
		c.fromHeader.Add(1)
		return firstPublicHop(v), true
	}

	if peer.IsValid() {
		return peer.String(), false
	}
	return "", false
}

// firstPublicHop walks the X-Forwarded-For list left to right and returns
// the first public hop; when none qualify it falls back to the first
// element verbatim.
func firstPublicHop(xff string) string {
	parts := strings.Split(xff, ",")
	for _, part := range parts {
		hop := strings.TrimSpace(part)
		if hop == "" {
			continue
		}
		if addr, err := netip.ParseAddr(hop); err == nil && IsPublic(addr) {
			return hop
		}
	}
	return strings.TrimSpace(parts[0])
}

// isTrustedPeer checks whether the direct peer matches any trusted CIDR.
func (c *Resolver) isTrustedPeer(peer netip.Addr) bool {
	if !peer.IsValid() {
		return false
	}
	for _, p := range c.trusted {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

// IsPublic reports whether addr is globally routable: not private or ULA,
// not loopback, not link-local, not multicast, and not in a reserved range.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsLoopback() ||
		addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return false
	}
	if addr.Is4() {
		for _, p := range reserved4 {
			if p.Contains(addr) {
				return false
			}
		}
	}
	return true
}

// reserved4 covers the IPv4 ranges that are neither private nor routable:
// "this network", carrier-grade NAT, and class E.
var reserved4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// peerAddr parses the transport peer address, tolerating a missing port.
func peerAddr(remote string) netip.Addr {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}

// Middleware returns an http.Handler middleware that resolves the client
// IP and stores it in the request context along with its provenance.
func (c *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP, forwarded := c.Extract(r)
		ctx := context.WithValue(r.Context(), contextKey{}, clientIP)
		ctx = context.WithValue(ctx, forwardedKey{}, forwarded)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves the client IP from the request context.
// Returns empty string if not set.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

// Forwarded reports whether the client IP in the context came from a
// forwarded header rather than the socket address.
func Forwarded(ctx context.Context) bool {
	v, _ := ctx.Value(forwardedKey{}).(bool)
	return v
}

// Stats returns metrics for the IP resolver.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	FromHeader    int64 `json:"from_header"`
	TrustedCIDRs  int   `json:"trusted_cidrs"`
}

// Stats returns the current metrics.
func (c *Resolver) Stats() Stats {
	return Stats{
		TotalRequests: c.totalRequests.Load(),
		FromHeader:    c.fromHeader.Load(),
		TrustedCIDRs:  len(c.trusted),
	}
}
