package balancer

import (
	"testing"

	"github.com/arbiterhq/arbiter/internal/core/domain"
)

func anthropicSession() *domain.Session {
	s := domain.NewSession("req-1")
	s.Format = domain.FormatAnthropic
	s.Model = "claude-sonnet-4"
	s.ClientAgent = "claude-cli/1.0"
	return s
}

func provider(id string, priority, weight int) *domain.Provider {
	return &domain.Provider{
		ID:       id,
		VendorID: "vendor-" + id,
		Type:     domain.ProviderTypeAnthropic,
		Priority: priority,
		Weight:   weight,
	}
}

func TestPickProviderHighestPriorityBandWins(t *testing.T) {
	r := NewResolver(1)
	pool := []*domain.Provider{
		provider("low", 1, 10),
		provider("high", 5, 1),
	}

	for i := 0; i < 20; i++ {
		got := r.PickProvider(anthropicSession(), pool, nil, nil, PickOptions{})
		if got == nil || got.ID != "high" {
			t.Fatalf("expected high priority provider, got %v", got)
		}
	}
}

func TestPickProviderWeightedWithinBand(t *testing.T) {
	r := NewResolver(42)
	pool := []*domain.Provider{
		provider("a", 1, 9),
		provider("b", 1, 1),
	}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		got := r.PickProvider(anthropicSession(), pool, nil, nil, PickOptions{})
		counts[got.ID]++
	}
	if counts["a"] < 800 {
		t.Fatalf("expected heavy weight to dominate, got %v", counts)
	}
	if counts["b"] == 0 {
		t.Fatalf("expected light weight to still be picked, got %v", counts)
	}
}

func TestPickProviderFilters(t *testing.T) {
	r := NewResolver(1)
	sess := anthropicSession()

	openBreakers := map[string]bool{"p-open": true}
	isOpen := func(id string) bool { return openBreakers[id] }

	tests := []struct {
		name     string
		pool     []*domain.Provider
		exclude  map[string]bool
		opts     PickOptions
		expected string // "" means nil
	}{
		{
			name:     "excluded providers are skipped",
			pool:     []*domain.Provider{provider("p1", 1, 1)},
			exclude:  map[string]bool{"p1": true},
			expected: "",
		},
		{
			name: "wrong provider type is skipped",
			pool: []*domain.Provider{{
				ID: "p2", Type: domain.ProviderTypeOpenAI, Priority: 1,
			}},
			expected: "",
		},
		{
			name:     "open breaker is skipped",
			pool:     []*domain.Provider{provider("p-open", 1, 1)},
			expected: "",
		},
		{
			name:     "open breaker admitted when allowed",
			pool:     []*domain.Provider{provider("p-open", 1, 1)},
			opts:     PickOptions{AllowOpenBreaker: true},
			expected: "p-open",
		},
		{
			name: "blocked agent is skipped",
			pool: func() []*domain.Provider {
				p := provider("p3", 1, 1)
				p.BlockedAgents = []string{"claude-cli*"}
				return []*domain.Provider{p}
			}(),
			expected: "",
		},
		{
			name: "allowlist admits matching agent",
			pool: func() []*domain.Provider {
				p := provider("p4", 1, 1)
				p.AllowedAgents = []string{"claude-cli*"}
				return []*domain.Provider{p}
			}(),
			expected: "p4",
		},
		{
			name: "model allowlist rejects unknown model",
			pool: func() []*domain.Provider {
				p := provider("p5", 1, 1)
				p.Rewrite.AllowedModels = []string{"claude-opus-4"}
				return []*domain.Provider{p}
			}(),
			expected: "",
		},
		{
			name: "model redirect into allowlist passes",
			pool: func() []*domain.Provider {
				p := provider("p6", 1, 1)
				p.Rewrite.AllowedModels = []string{"claude-opus-4"}
				p.Rewrite.ModelRedirects = map[string]string{"claude-sonnet-4": "claude-opus-4"}
				return []*domain.Provider{p}
			}(),
			expected: "p6",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.PickProvider(sess, tt.pool, tt.exclude, isOpen, tt.opts)
			if tt.expected == "" {
				if got != nil {
					t.Fatalf("expected no provider, got %s", got.ID)
				}
				return
			}
			if got == nil || got.ID != tt.expected {
				t.Fatalf("expected %s, got %v", tt.expected, got)
			}
		})
	}
}

func TestPickProviderSessionAffinity(t *testing.T) {
	r := NewResolver(1)
	pool := []*domain.Provider{
		provider("preferred", 1, 1),
		provider("shiny", 5, 10),
	}

	sess := anthropicSession()
	sess.PreferredProviderID = "preferred"
	got := r.PickProvider(sess, pool, nil, nil, PickOptions{})
	if got == nil || got.ID != "preferred" {
		t.Fatalf("the session's last provider must win while eligible, got %v", got)
	}

	// affinity never resurrects an excluded provider
	got = r.PickProvider(sess, pool, map[string]bool{"preferred": true}, nil, PickOptions{})
	if got == nil || got.ID != "shiny" {
		t.Fatalf("excluded preferred provider must fall back to the band, got %v", got)
	}
}

func TestPassthroughMatchesAnyType(t *testing.T) {
	r := NewResolver(1)
	sess := domain.NewSession("req-1")
	sess.Format = domain.FormatPassthrough

	pool := []*domain.Provider{{
		ID: "gem", Type: domain.ProviderTypeGemini, Priority: 1,
	}}
	got := r.PickProvider(sess, pool, nil, nil, PickOptions{})
	if got == nil || got.ID != "gem" {
		t.Fatalf("passthrough must match any provider type, got %v", got)
	}
}
