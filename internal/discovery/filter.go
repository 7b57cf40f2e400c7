package discovery

import (
	"strings"

	"docket/internal/config"
)

// Filter limits discovery to tracked committees. An empty committee set
// accepts everything.
type Filter struct {
	committees map[string]int
	maxTier    int
}

// FilterFromConfig builds the filter from [discovery] committees and max_tier.
func FilterFromConfig(cfg *config.Config) Filter {
	return NewFilter(cfg.Discovery.Committees, cfg.Discovery.MaxTier)
}

// NewFilter maps committee keys to tiers. maxTier <= 0 accepts every tier.
func NewFilter(committees map[string]int, maxTier int) Filter {
	normalized := make(map[string]int, len(committees))
	for key, tier := range committees {
		if key = normalizeKey(key); key != "" {
			normalized[key] = tier
		}
	}
	return Filter{committees: normalized, maxTier: maxTier}
}

// Allow reports whether a hearing for committeeKey should be queued, and
// the reason when it should not.
func (f Filter) Allow(committeeKey string) (bool, string) {
	if len(f.committees) == 0 {
		return true, ""
	}
	tier, ok := f.committees[normalizeKey(committeeKey)]
	if !ok {
		return false, "committee not tracked"
	}
	if f.maxTier > 0 && tier > f.maxTier {
		return false, "committee tier above max_tier"
	}
	return true, ""
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
