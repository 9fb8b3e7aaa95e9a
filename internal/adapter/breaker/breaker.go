// Package breaker holds the per-provider and per-endpoint circuit breakers
// plus the coarse vendor-type breaker. State is process-wide, keyed by
// identity and serialized per entry.
package breaker

import (
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core/ports"
)

// State is the breaker state machine position
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Settings tune one entry's thresholds; providers carry their own
type Settings struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenQuota    int
}

func (s Settings) withDefaults(d Settings) Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = d.OpenDuration
	}
	if s.HalfOpenQuota <= 0 {
		s.HalfOpenQuota = d.HalfOpenQuota
	}
	return s
}

// Snapshot is a point-in-time view of one entry, for decision-chain and
// status reporting
type Snapshot struct {
	State             State
	Failures          int
	LastFailure       time.Time
	OpenUntil         time.Time
	HalfOpenSuccesses int
	ManualOpen        bool
}

type entry struct {
	mu                sync.Mutex
	state             State
	failures          int
	lastFailure       time.Time
	openUntil         time.Time
	halfOpenSuccesses int
	manualOpen        bool
}

// Registry holds breaker entries keyed by identity (provider id or
// endpoint id). Per-entry locks, no global mutex.
type Registry struct {
	entries  sync.Map // map[string]*entry
	defaults Settings
	scope    string
	stats    ports.StatsCollector
	now      func() time.Time
}

const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 30 * time.Second
	DefaultHalfOpenQuota    = 2
)

func NewRegistry(scope string, defaults Settings, stats ports.StatsCollector) *Registry {
	return &Registry{
		defaults: defaults.withDefaults(Settings{
			FailureThreshold: DefaultFailureThreshold,
			OpenDuration:     DefaultOpenDuration,
			HalfOpenQuota:    DefaultHalfOpenQuota,
		}),
		scope: scope,
		stats: stats,
		now:   time.Now,
	}
}

func (r *Registry) get(id string) *entry {
	if v, ok := r.entries.Load(id); ok {
		return v.(*entry)
	}
	v, _ := r.entries.LoadOrStore(id, &entry{})
	return v.(*entry)
}

// IsOpen reports whether requests to id should be refused. Manual open
// takes precedence over timers; a timed-out open entry stays open until a
// probe access moves it to half-open.
func (r *Registry) IsOpen(id string) bool {
	v, ok := r.entries.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manualOpen {
		return true
	}
	return e.state == StateOpen && r.now().Before(e.openUntil)
}

// ProbeAccess is called when a probe request is allowed through an open
// breaker whose open window has elapsed; it performs the open -> half-open
// transition. Probes read state but never mutate failure counts.
func (r *Registry) ProbeAccess(id string) State {
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manualOpen {
		return StateOpen
	}
	if e.state == StateOpen && !r.now().Before(e.openUntil) {
		r.transition(id, e, StateHalfOpen)
		e.halfOpenSuccesses = 0
	}
	return e.state
}

// RecordSuccess clears failures in closed state and counts half-open
// successes toward the reclose quota
func (r *Registry) RecordSuccess(id string, s Settings) {
	set := s.withDefaults(r.defaults)
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateHalfOpen:
		e.halfOpenSuccesses++
		if e.halfOpenSuccesses >= set.HalfOpenQuota {
			r.transition(id, e, StateClosed)
			e.failures = 0
			e.halfOpenSuccesses = 0
		}
	case StateOpen:
		// An open entry seeing success means the open window elapsed and a
		// non-probe request got through; treat like a half-open success.
		if !r.now().Before(e.openUntil) {
			r.transition(id, e, StateHalfOpen)
			e.halfOpenSuccesses = 1
			if e.halfOpenSuccesses >= set.HalfOpenQuota {
				r.transition(id, e, StateClosed)
				e.failures = 0
				e.halfOpenSuccesses = 0
			}
		}
	default:
		e.failures = 0
	}
}

// RecordFailure advances the failure count and opens the breaker at the
// threshold. Callers must not invoke this for probe requests.
func (r *Registry) RecordFailure(id string, s Settings) {
	set := s.withDefaults(r.defaults)
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures++
	e.lastFailure = r.now()

	switch e.state {
	case StateHalfOpen:
		// any failure in half-open re-opens
		r.transition(id, e, StateOpen)
		e.openUntil = r.now().Add(set.OpenDuration)
		e.halfOpenSuccesses = 0
	case StateClosed:
		if e.failures >= set.FailureThreshold {
			r.transition(id, e, StateOpen)
			e.openUntil = r.now().Add(set.OpenDuration)
		}
	case StateOpen:
		// already open; extend nothing, the window stands
	}
}

// SetManualOpen toggles the administrative override
func (r *Registry) SetManualOpen(id string, open bool) {
	e := r.get(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manualOpen = open
	if !open && e.state == StateOpen && !r.now().Before(e.openUntil) {
		r.transition(id, e, StateClosed)
		e.failures = 0
	}
}

// Snapshot returns a copy of the entry's state
func (r *Registry) Snapshot(id string) Snapshot {
	v, ok := r.entries.Load(id)
	if !ok {
		return Snapshot{State: StateClosed}
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		State:             e.state,
		Failures:          e.failures,
		LastFailure:       e.lastFailure,
		OpenUntil:         e.openUntil,
		HalfOpenSuccesses: e.halfOpenSuccesses,
		ManualOpen:        e.manualOpen,
	}
}

// Keys lists every identity with recorded state
func (r *Registry) Keys() []string {
	var keys []string
	r.entries.Range(func(key, value interface{}) bool {
		keys = append(keys, key.(string))
		return true
	})
	return keys
}

// Remove drops an entry, e.g. when a provider is deleted
func (r *Registry) Remove(id string) {
	r.entries.Delete(id)
}

// transition must be called with e.mu held
func (r *Registry) transition(id string, e *entry, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	if r.stats != nil {
		r.stats.RecordBreakerTransition(r.scope, id, from.String(), to.String())
	}
}
