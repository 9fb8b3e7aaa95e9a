package ports

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/internal/core/domain"
)

// RateLimitStore is the shared counter/reservation store backing the guard.
// All mutations must be atomic on the store side.
type RateLimitStore interface {
	// IncrWithLimit atomically increments key by delta unless the result
	// would exceed limit. Returns the current value and whether the
	// increment was admitted. A ttl > 0 is applied when the key is created.
	IncrWithLimit(ctx context.Context, key string, delta, limit int64, ttl time.Duration) (current int64, ok bool, err error)

	// Reserve atomically adds member to the reservation set at setKey
	// unless the set already holds limit distinct live members. Members
	// expire after ttl to avoid leaks under crash.
	Reserve(ctx context.Context, setKey, member string, limit int64, ttl time.Duration) (ok bool, count int64, err error)

	// Release drops a reservation
	Release(ctx context.Context, setKey, member string) error

	// GetFloat reads an accumulated usage value (written by the metering
	// ledger); missing keys read as zero
	GetFloat(ctx context.Context, key string) (float64, error)
}

// AuditStore persists request audits and the session-to-provider binding
type AuditStore interface {
	SaveMessageRequest(ctx context.Context, rec *MessageRequestRecord) error
	SaveSessionAudit(ctx context.Context, rec *SessionAuditRecord) error
	// LastProvider returns the provider that last served the session, or
	// empty when none is recorded
	LastProvider(ctx context.Context, sessionID string) (string, error)
	Close() error
}

// MessageRequestRecord is the persisted shape of one completed request
type MessageRequestRecord struct {
	RequestID       string
	SessionID       string
	KeyID           string
	UserID          string
	Model           string
	StatusCode      int
	ErrorMessage    string
	DurationMs      int64
	ProviderChain   []domain.DecisionEntry
	SpecialSettings []domain.SpecialSetting
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	UpstreamStatus  int
	CreatedAt       time.Time
}

// SessionAuditRecord binds a conversation to its last good provider
type SessionAuditRecord struct {
	SessionID  string
	ProviderID string
	KeyID      string
	UpdatedAt  time.Time
}

// ErrorRule is one (pattern, category) classification rule
type ErrorRule struct {
	ID       string
	Pattern  string
	Category string
}

// ErrorRuleSource supplies classification rules. Implementations may load
// lazily; the classifier always queries through this to honour late-seeded
// rules.
type ErrorRuleSource interface {
	Rules(ctx context.Context) ([]ErrorRule, error)
}

// StatsCollector records forwarding outcomes for observability
type StatsCollector interface {
	RecordRequest(status int, duration time.Duration)
	RecordAttempt(providerID string, outcome string, latency time.Duration)
	RecordProviderSwitch()
	RecordRateLimitReject(limitType string)
	RecordBreakerTransition(scope, id, from, to string)
}
