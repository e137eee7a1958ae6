package policy

import (
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/logging"
)

// Snapshot is one immutable view of the policy lists. Readers share it
// without locks; reloads install a replacement wholesale.
type Snapshot struct {
	allowlist map[string]struct{}
	denylist  map[string]struct{}
	cidrs     []netip.Prefix
	countries map[string]struct{}
	loadedAt  time.Time
}

// newSnapshot builds a snapshot from raw set members. Parseable IPs are
// stored in canonical form so textual variants still match; malformed CIDR
// entries are skipped with a warning, never fatal.
func newSnapshot(allow, deny, cidrs, countries []string) *Snapshot {
	s := &Snapshot{
		allowlist: make(map[string]struct{}, len(allow)),
		denylist:  make(map[string]struct{}, len(deny)),
		cidrs:     make([]netip.Prefix, 0, len(cidrs)),
		countries: make(map[string]struct{}, len(countries)),
		loadedAt:  time.Now(),
	}

	for _, entry := range allow {
		s.allowlist[canonicalIP(entry)] = struct{}{}
	}
	for _, entry := range deny {
		s.denylist[canonicalIP(entry)] = struct{}{}
	}
	for _, entry := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(entry))
		if err != nil {
			logging.Warn("skipping malformed denylist CIDR", zap.String("cidr", entry), zap.Error(err))
			continue
		}
		s.cidrs = append(s.cidrs, p.Masked())
	}
	for _, entry := range countries {
		cc := strings.ToUpper(strings.TrimSpace(entry))
		if cc == "" {
			continue
		}
		s.countries[cc] = struct{}{}
	}

	return s
}

// canonicalIP normalizes a stored list entry. Unparseable entries keep
// their raw form; they can still match by exact string.
func canonicalIP(entry string) string {
	entry = strings.TrimSpace(entry)
	if addr, err := netip.ParseAddr(entry); err == nil {
		return addr.Unmap().String()
	}
	return entry
}

// IsAllowlisted reports whether addr is on the allowlist.
func (s *Snapshot) IsAllowlisted(addr netip.Addr) bool {
	_, ok := s.allowlist[addr.Unmap().String()]
	return ok
}

// IsDenylisted reports whether addr matches the exact denylist or any
// denylisted CIDR.
func (s *Snapshot) IsDenylisted(addr netip.Addr) bool {
	addr = addr.Unmap()
	if _, ok := s.denylist[addr.String()]; ok {
		return true
	}
	for _, p := range s.cidrs {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsCountryBlocked reports whether the uppercase alpha-2 code is blocked.
func (s *Snapshot) IsCountryBlocked(cc string) bool {
	_, ok := s.countries[strings.ToUpper(cc)]
	return ok
}

// Counts returns the list sizes for the admin surface.
func (s *Snapshot) Counts() (allow, deny, cidr, country int) {
	return len(s.allowlist), len(s.denylist), len(s.cidrs), len(s.countries)
}

// LoadedAt reports when this snapshot was installed.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}
