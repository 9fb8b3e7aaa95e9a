package breaker

import (
	"sync"
	"time"
)

const DefaultVendorCooldown = 2 * time.Minute

// VendorTypeBreaker is the coarse breaker over (vendor, provider-type)
// pairs. It trips when every endpoint of the pair times out within a single
// forwarding attempt and shortcuts requests for a cool-down window.
type VendorTypeBreaker struct {
	entries  sync.Map // map[string]time.Time - open until
	cooldown time.Duration
	now      func() time.Time
}

func NewVendorTypeBreaker(cooldown time.Duration) *VendorTypeBreaker {
	if cooldown <= 0 {
		cooldown = DefaultVendorCooldown
	}
	return &VendorTypeBreaker{
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Trip opens the pair for the cool-down window
func (b *VendorTypeBreaker) Trip(vendorTypeKey string) {
	b.entries.Store(vendorTypeKey, b.now().Add(b.cooldown))
}

// IsOpen reports whether the pair is inside its cool-down window; expired
// entries are cleared on read
func (b *VendorTypeBreaker) IsOpen(vendorTypeKey string) bool {
	v, ok := b.entries.Load(vendorTypeKey)
	if !ok {
		return false
	}
	until := v.(time.Time)
	if b.now().Before(until) {
		return true
	}
	b.entries.Delete(vendorTypeKey)
	return false
}

// Reset clears one pair, for administrative recovery
func (b *VendorTypeBreaker) Reset(vendorTypeKey string) {
	b.entries.Delete(vendorTypeKey)
}
