package store

// Keys derives the namespaced keys used by the policy, reputation and
// rate-limiting stages.
type Keys struct {
	Prefix string
}

// AllowlistIPs is the IP allowlist set.
func (k Keys) AllowlistIPs() string { return k.Prefix + "geo:whitelist:ips" }

// BlocklistIPs is the exact-IP denylist set.
func (k Keys) BlocklistIPs() string { return k.Prefix + "geo:blocklist:ips" }

// BlocklistCIDRs is the CIDR denylist set.
func (k Keys) BlocklistCIDRs() string { return k.Prefix + "geo:blocklist:cidrs" }

// BlocklistCountries is the country denylist set (alpha-2, uppercase).
func (k Keys) BlocklistCountries() string { return k.Prefix + "geo:blocklist:countries" }

// Reputation is the cached verdict for one IP.
func (k Keys) Reputation(ip string) string { return k.Prefix + "geo:reputation:" + ip }

// ReputationLock is the single-flight lock for one IP.
func (k Keys) ReputationLock(ip string) string { return k.Prefix + "geo:lock:" + ip }

// RateBucket is the token-bucket hash for one identifier.
func (k Keys) RateBucket(id string) string { return k.Prefix + "rate-limit:bucket:" + id }

// AdminWindow is the fixed-window counter for one admin identifier.
func (k Keys) AdminWindow(id string) string { return k.Prefix + "admin-rate-limit:" + id }

// RateLimitConfig is the per-API-key limit hash. It carries no prefix:
// the hash is shared by every deployment pointing at the same store.
func (k Keys) RateLimitConfig() string { return "rl:config" }
