// Package balancer picks the next candidate provider for a session and
// orders a vendor's endpoints for the forwarder.
package balancer

import (
	"math/rand"
	"sync"

	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/util/pattern"
)

// BreakerCheck reports whether a provider's breaker refuses traffic
type BreakerCheck func(providerID string) bool

// Resolver selects providers by weighted random within the highest
// non-empty priority band. Cost multiplier is advisory and not used here.
type Resolver struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewResolver(seed int64) *Resolver {
	return &Resolver{rand: rand.New(rand.NewSource(seed))}
}

// PickOptions tune one selection call
type PickOptions struct {
	// AllowOpenBreaker admits providers whose breaker is open; used for
	// probe traffic that must reach half-open entries
	AllowOpenBreaker bool
}

// PickProvider returns the next candidate, or nil when the pool is
// exhausted. Filters: provider-type capability, exclusion set, breaker
// health, client-agent patterns, model allowlist.
func (r *Resolver) PickProvider(sess *domain.Session, providers []*domain.Provider, exclude map[string]bool, isOpen BreakerCheck, opts PickOptions) *domain.Provider {
	var survivors []*domain.Provider

	for _, p := range providers {
		if exclude[p.ID] {
			continue
		}
		if !supportsFormat(p.Type, sess.Format) {
			continue
		}
		if !opts.AllowOpenBreaker && isOpen != nil && isOpen(p.ID) {
			continue
		}
		if !agentAllowed(p, sess.ClientAgent) {
			continue
		}
		if !modelAllowed(p, sess.Model) {
			continue
		}
		survivors = append(survivors, p)
	}

	if len(survivors) == 0 {
		return nil
	}

	// session affinity: the provider that last served this conversation
	// wins while it stays eligible
	if sess.PreferredProviderID != "" {
		for _, p := range survivors {
			if p.ID == sess.PreferredProviderID {
				return p
			}
		}
	}

	// highest non-empty priority band
	best := survivors[0].Priority
	for _, p := range survivors[1:] {
		if p.Priority > best {
			best = p.Priority
		}
	}
	var band []*domain.Provider
	total := 0
	for _, p := range survivors {
		if p.Priority == best {
			band = append(band, p)
			total += weightOf(p)
		}
	}

	if len(band) == 1 {
		return band[0]
	}

	r.mu.Lock()
	n := r.rand.Intn(total)
	r.mu.Unlock()

	for _, p := range band {
		n -= weightOf(p)
		if n < 0 {
			return p
		}
	}
	return band[len(band)-1]
}

func weightOf(p *domain.Provider) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

// supportsFormat maps inbound request dialects to provider-type capability.
// Passthrough traffic is vendor-native and any provider may carry it.
func supportsFormat(t domain.ProviderType, f domain.RequestFormat) bool {
	switch f {
	case domain.FormatAnthropic:
		return t == domain.ProviderTypeAnthropic
	case domain.FormatResponses:
		return t == domain.ProviderTypeCodex || t == domain.ProviderTypeOpenAI
	case domain.FormatOpenAI:
		return t == domain.ProviderTypeOpenAI || t == domain.ProviderTypeGemini
	default:
		return true
	}
}

func agentAllowed(p *domain.Provider, agent string) bool {
	if agent != "" && len(p.BlockedAgents) > 0 && pattern.MatchesAny(agent, p.BlockedAgents) {
		return false
	}
	if len(p.AllowedAgents) > 0 {
		return pattern.MatchesAny(agent, p.AllowedAgents)
	}
	return true
}

func modelAllowed(p *domain.Provider, model string) bool {
	if model == "" || len(p.Rewrite.AllowedModels) == 0 {
		return true
	}
	// a model redirect that maps into the allowlist also passes
	if redirected, ok := p.Rewrite.ModelRedirects[model]; ok {
		if pattern.MatchesAny(redirected, p.Rewrite.AllowedModels) {
			return true
		}
	}
	return pattern.MatchesAny(model, p.Rewrite.AllowedModels)
}
