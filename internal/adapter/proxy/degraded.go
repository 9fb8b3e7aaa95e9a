package proxy

import (
	"sync"
	"time"
)

// Feature names tracked by the degraded-feature probe
const (
	FeatureContext1M   = "context_1m"
	FeatureCacheTTL1h  = "extended_cache_ttl"
	FeatureThinking    = "extended_thinking"
	DefaultDegradedTTL = 5 * time.Minute
)

// DegradedFeatures tracks optional request features an upstream has
// recently rejected, so the forwarder stops asking for them for a while
// instead of burning retries. Entries expire on their own; Reset clears
// one early.
type DegradedFeatures struct {
	mu      sync.Mutex
	entries map[string]time.Time // (providerID, feature) -> disabled until
	ttl     time.Duration
	now     func() time.Time
}

func NewDegradedFeatures(ttl time.Duration) *DegradedFeatures {
	if ttl <= 0 {
		ttl = DefaultDegradedTTL
	}
	return &DegradedFeatures{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func degradedKey(providerID, feature string) string {
	return providerID + "/" + feature
}

// Disable marks a feature degraded for the provider until the TTL elapses
func (d *DegradedFeatures) Disable(providerID, feature string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[degradedKey(providerID, feature)] = d.now().Add(d.ttl)
}

// IsDisabled reports whether the feature is inside its degraded window.
// Expired entries are cleared on read.
func (d *DegradedFeatures) IsDisabled(providerID, feature string) bool {
	key := degradedKey(providerID, feature)
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.entries[key]
	if !ok {
		return false
	}
	if d.now().Before(until) {
		return true
	}
	delete(d.entries, key)
	return false
}

// Reset clears one degraded entry, for administrative recovery
func (d *DegradedFeatures) Reset(providerID, feature string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, degradedKey(providerID, feature))
}

// Active lists the currently degraded (provider, feature) keys
func (d *DegradedFeatures) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var keys []string
	for k, until := range d.entries {
		if now.Before(until) {
			keys = append(keys, k)
		}
	}
	return keys
}
