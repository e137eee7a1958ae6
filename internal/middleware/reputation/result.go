package reputation

// Result is one adapter's opinion of an IP. Optional fields are pointers
// so the cached JSON distinguishes "absent" from zero.
type Result struct {
	Provider   string   `json:"provider,omitempty"`
	Score      *int     `json:"score,omitempty"`
	Categories []string `json:"categories,omitempty"`
	LastSeen   *string  `json:"lastSeen,omitempty"`
	IsProxy    *bool    `json:"isProxy,omitempty"`
	IsTor      *bool    `json:"isTor,omitempty"`
	IsVPN      *bool    `json:"isVpn,omitempty"`
}

// Verdict is the aggregate of all adapter results for one IP. It is what
// gets cached, JSON-encoded, in the shared store.
type Verdict []Result

// MaxScore returns the worst score across all results. Adapters that omit
// a score count as zero; an empty verdict scores zero.
func (v Verdict) MaxScore() int {
	max := 0
	for _, r := range v {
		if r.Score != nil && *r.Score > max {
			max = *r.Score
		}
	}
	return max
}

func ptr[T any](v T) *T { return &v }
