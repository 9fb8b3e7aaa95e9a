package balancer

import (
	"sort"

	"github.com/arbiterhq/arbiter/internal/core/domain"
)

// PickEndpoints orders a vendor's endpoints for one provider attempt run:
// enabled endpoints of the (vendor, type) pair whose breaker admits
// traffic, sorted by last-probe latency ascending with unprobed endpoints
// at the end, truncated to the provider's retry budget.
func PickEndpoints(endpoints []*domain.Endpoint, vendorID string, ptype domain.ProviderType, maxAttempts int, isOpen BreakerCheck) []*domain.Endpoint {
	var candidates []*domain.Endpoint
	for _, e := range endpoints {
		if !e.Enabled {
			continue
		}
		if e.VendorID != vendorID || e.Type != ptype {
			continue
		}
		if isOpen != nil && isOpen(e.ID) {
			continue
		}
		candidates = append(candidates, e)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Probed(), candidates[j].Probed()
		if pi != pj {
			return pi // probed endpoints first
		}
		if !pi {
			return candidates[i].SortHint < candidates[j].SortHint
		}
		if candidates[i].LastProbe.LatencyMs != candidates[j].LastProbe.LatencyMs {
			return candidates[i].LastProbe.LatencyMs < candidates[j].LastProbe.LatencyMs
		}
		return candidates[i].SortHint < candidates[j].SortHint
	})

	if maxAttempts > 0 && len(candidates) > maxAttempts {
		candidates = candidates[:maxAttempts]
	}
	return candidates
}
