package domain

import (
	"net/http"
	"sync"
	"time"
)

// RequestFormat is the inbound dialect of the request body
type RequestFormat string

const (
	FormatAnthropic   RequestFormat = "anthropic"
	FormatOpenAI      RequestFormat = "openai"
	FormatResponses   RequestFormat = "responses"
	FormatPassthrough RequestFormat = "passthrough"
)

// SpecialSetting records one rectifier mutation applied to a request
type SpecialSetting struct {
	Name      string    `json:"name"`
	Detail    string    `json:"detail,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// DeferredFinalization is the one-shot settlement record stored on a
// session while a streaming response is still in flight. Success is not
// recorded for the provider until the stream completes cleanly.
type DeferredFinalization struct {
	ProviderID     string
	EndpointID     string
	Attempt        int
	UpstreamStatus int

	mu       sync.Mutex
	consumed bool
}

// Consume returns the record exactly once; later calls return nil
func (d *DeferredFinalization) Consume() *DeferredFinalization {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumed {
		return nil
	}
	d.consumed = true
	return d
}

// Session is the per-request execution context. Immutable inputs are set at
// creation; mutable state belongs to the single forwarding flow that owns it.
type Session struct {
	RequestID string
	SessionID string // stable per client conversation
	KeyID     string
	UserID    string

	Method      string
	Path        string
	Header      http.Header
	Body        map[string]any // parsed JSON body; nil for passthrough
	RawBody     []byte
	Format      RequestFormat
	Model       string
	ClientAgent string

	Streaming   bool
	CountTokens bool
	Probe       bool
	Passthrough bool

	// PreferredProviderID pins the conversation to the provider that last
	// served it, when one is recorded and still eligible
	PreferredProviderID string

	StartTime time.Time

	// Mutable forwarding state
	Provider        *Provider
	Sequence        int
	Chain           *DecisionChain
	SpecialSettings []SpecialSetting
	CacheTTL        string
	Context1M       bool

	finalization *DeferredFinalization
}

func NewSession(requestID string) *Session {
	return &Session{
		RequestID: requestID,
		StartTime: time.Now(),
		Chain:     NewDecisionChain(),
	}
}

// RecordSetting appends a special-setting audit entry
func (s *Session) RecordSetting(name, detail string) {
	s.SpecialSettings = append(s.SpecialSettings, SpecialSetting{
		Name:      name,
		Detail:    detail,
		AppliedAt: time.Now(),
	})
}

// StoreFinalization parks a deferred settlement record on the session,
// replacing any unconsumed earlier one
func (s *Session) StoreFinalization(f *DeferredFinalization) {
	s.finalization = f
}

// TakeFinalization consumes the deferred settlement record, one-shot
func (s *Session) TakeFinalization() *DeferredFinalization {
	return s.finalization.Consume()
}
