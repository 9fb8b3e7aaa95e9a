// Package registry holds the in-memory snapshot of the configured fleet:
// providers, endpoints, keys and users. Reloads swap the whole snapshot
// atomically so in-flight requests keep a consistent view.
package registry

import (
	"crypto/subtle"
	"sync/atomic"

	"github.com/arbiterhq/arbiter/internal/core/domain"
)

// Snapshot is one immutable generation of the fleet configuration
type Snapshot struct {
	Providers []*domain.Provider
	Endpoints []*domain.Endpoint
	Keys      []*domain.Key
	Users     []*domain.User

	providersByID map[string]*domain.Provider
	keysBySecret  map[string]*domain.Key
	usersByID     map[string]*domain.User
}

func newSnapshot(providers []*domain.Provider, endpoints []*domain.Endpoint, keys []*domain.Key, users []*domain.User) *Snapshot {
	s := &Snapshot{
		Providers:     providers,
		Endpoints:     endpoints,
		Keys:          keys,
		Users:         users,
		providersByID: make(map[string]*domain.Provider, len(providers)),
		keysBySecret:  make(map[string]*domain.Key, len(keys)),
		usersByID:     make(map[string]*domain.User, len(users)),
	}
	for _, p := range providers {
		s.providersByID[p.ID] = p
	}
	for _, k := range keys {
		s.keysBySecret[k.Secret] = k
	}
	for _, u := range users {
		s.usersByID[u.ID] = u
	}
	return s
}

// Registry serves the current snapshot. Readers never block writers and
// vice versa; Swap publishes a new generation in one pointer store.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

func New() *Registry {
	r := &Registry{}
	r.current.Store(newSnapshot(nil, nil, nil, nil))
	return r
}

// Swap publishes a new configuration generation
func (r *Registry) Swap(providers []*domain.Provider, endpoints []*domain.Endpoint, keys []*domain.Key, users []*domain.User) {
	r.current.Store(newSnapshot(providers, endpoints, keys, users))
}

func (r *Registry) snapshot() *Snapshot {
	return r.current.Load()
}

// Providers returns the current provider set
func (r *Registry) Providers() []*domain.Provider {
	return r.snapshot().Providers
}

// Endpoints returns the current endpoint set
func (r *Registry) Endpoints() []*domain.Endpoint {
	return r.snapshot().Endpoints
}

// ProviderByID looks up one provider in the current generation
func (r *Registry) ProviderByID(id string) *domain.Provider {
	return r.snapshot().providersByID[id]
}

// AuthenticateKey resolves a presented secret to its key and owning user.
// Comparison is constant-time per candidate.
func (r *Registry) AuthenticateKey(secret string) (*domain.Key, *domain.User, bool) {
	if secret == "" {
		return nil, nil, false
	}
	s := r.snapshot()
	key, ok := s.keysBySecret[secret]
	if !ok {
		// fall back to a constant-time scan so near-miss secrets cost the
		// same as valid ones
		for candidate, k := range s.keysBySecret {
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1 {
				key = k
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, nil, false
	}
	user, ok := s.usersByID[key.UserID]
	if !ok {
		return nil, nil, false
	}
	return key, user, true
}

// UserByID looks up one user in the current generation
func (r *Registry) UserByID(id string) *domain.User {
	return r.snapshot().usersByID[id]
}
