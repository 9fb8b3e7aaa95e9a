package domain

import (
	"time"
)

// DecisionReason enumerates every reason a decision-chain entry can carry
type DecisionReason string

const (
	ReasonRequestSuccess          DecisionReason = "request_success"
	ReasonRetrySuccess            DecisionReason = "retry_success"
	ReasonRetryFailed             DecisionReason = "retry_failed"
	ReasonSystemError             DecisionReason = "system_error"
	ReasonResourceNotFound        DecisionReason = "resource_not_found"
	ReasonClientErrorNonRetryable DecisionReason = "client_error_non_retryable"
	ReasonStrictBlocked           DecisionReason = "strict_blocked_legacy_fallback"
	ReasonHTTP2Fallback           DecisionReason = "http2_fallback"
)

// Terminal reports whether this reason can close out a request
func (r DecisionReason) Terminal() bool {
	switch r {
	case ReasonRequestSuccess, ReasonRetrySuccess, ReasonRetryFailed,
		ReasonSystemError, ReasonResourceNotFound, ReasonClientErrorNonRetryable:
		return true
	default:
		return false
	}
}

// DecisionEntry records one forwarding attempt and its outcome
type DecisionEntry struct {
	Timestamp    time.Time      `json:"timestamp"`
	ProviderID   string         `json:"provider_id"`
	EndpointID   string         `json:"endpoint_id,omitempty"`
	Reason       DecisionReason `json:"reason"`
	Attempt      int            `json:"attempt"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CircuitState string         `json:"circuit_state,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// DecisionChain is the per-request append-only audit of attempts. It is
// owned by a single session and appended from one flow, so it carries no lock.
type DecisionChain struct {
	entries []DecisionEntry
}

func NewDecisionChain() *DecisionChain {
	return &DecisionChain{entries: make([]DecisionEntry, 0, 4)}
}

// Append adds an entry, stamping the time when unset. At most one entry per
// (attempt, provider) is recorded; a duplicate append replaces the earlier
// entry's reason and outcome rather than growing the chain.
func (c *DecisionChain) Append(entry DecisionEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].Attempt == entry.Attempt && c.entries[i].ProviderID == entry.ProviderID {
			c.entries[i] = entry
			return
		}
	}
	c.entries = append(c.entries, entry)
}

// Entries returns a copy of the chain
func (c *DecisionChain) Entries() []DecisionEntry {
	out := make([]DecisionEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Last returns the most recent entry, or nil for an empty chain
func (c *DecisionChain) Last() *DecisionEntry {
	if len(c.entries) == 0 {
		return nil
	}
	e := c.entries[len(c.entries)-1]
	return &e
}

// Terminal returns the entry that determines the request's final
// disposition: the last entry carrying a terminal reason
func (c *DecisionChain) Terminal() *DecisionEntry {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].Reason.Terminal() {
			e := c.entries[i]
			return &e
		}
	}
	return nil
}

func (c *DecisionChain) Len() int {
	return len(c.entries)
}
