package domain

import (
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/core/constants"
)

// ErrorKind is the client-observable error taxonomy
type ErrorKind string

const (
	ErrKindRateLimit        ErrorKind = "rate_limit"
	ErrKindClientAbort      ErrorKind = "client_abort"
	ErrKindClientInput      ErrorKind = "client_input_error"
	ErrKindProvider         ErrorKind = "provider_error"
	ErrKindNotFound         ErrorKind = "resource_not_found"
	ErrKindTimeout          ErrorKind = "timeout_error"
	ErrKindAllProvidersDown ErrorKind = "all_providers_unavailable"
)

// ErrorEnvelope is the wire shape returned to clients. The limit fields are
// only set on rate-limit rejections.
type ErrorEnvelope struct {
	Error  ErrorBody `json:"error"`
	Status int       `json:"status,omitempty"`

	LimitType    string  `json:"limit_type,omitempty"`
	CurrentUsage float64 `json:"current_usage,omitempty"`
	LimitValue   float64 `json:"limit_value,omitempty"`
	ResetTime    string  `json:"reset_time,omitempty"`
}

type ErrorBody struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// RateLimitError is produced by the rate-limit guard
type RateLimitError struct {
	LimitType  string
	Current    float64
	Limit      float64
	ResetTime  string // ISO timestamp; empty for rolling windows
	ResourceID string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s (%.4f/%.4f) for %s", e.LimitType, e.Current, e.Limit, e.ResourceID)
}

// RetryAfterSeconds derives the Retry-After header value; rolling windows
// without a reset time get a conservative 60s
func (e *RateLimitError) RetryAfterSeconds(now time.Time) int {
	if e.ResetTime == "" {
		return 60
	}
	t, err := time.Parse(time.RFC3339, e.ResetTime)
	if err != nil {
		return 60
	}
	secs := int(time.Until(t).Seconds())
	if secs < 1 {
		secs = 1
	}
	_ = now
	return secs
}

// ClientAbortError means the client closed the connection; never retried,
// never counted against any breaker
type ClientAbortError struct {
	Cause error
}

func (e *ClientAbortError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("client aborted request: %v", e.Cause)
	}
	return "client aborted request"
}

func (e *ClientAbortError) Unwrap() error { return e.Cause }

// ClientInputError surfaces an upstream hard constraint the client request
// violated; the upstream's message is returned verbatim
type ClientInputError struct {
	Message    string
	StatusCode int
	RuleID     string
}

func (e *ClientInputError) Error() string { return e.Message }

// UpstreamHTTPError wraps a non-2xx upstream response
type UpstreamHTTPError struct {
	StatusCode int
	Message    string
	Type       string
	RawBody    []byte
	ProviderID string
	EndpointID string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Message)
}

// TimeoutPhase identifies which timeout budget fired
type TimeoutPhase string

const (
	TimeoutPhaseFirstByte     TimeoutPhase = "first_byte_streaming"
	TimeoutPhaseTotal         TimeoutPhase = "total_non_streaming"
	TimeoutPhaseStreamingIdle TimeoutPhase = "streaming_idle"
)

// TimeoutError is the synthetic 524 provider error raised when any of the
// three timeout budgets fires
type TimeoutError struct {
	Phase      TimeoutPhase
	Elapsed    time.Duration
	ProviderID string
	EndpointID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout (%s) after %.1fs", e.Phase, e.Elapsed.Seconds())
}

// StatusCode always reports the synthesized upstream-timeout status
func (e *TimeoutError) StatusCode() int { return constants.StatusUpstreamTimeout }

// EmptyResponseError promotes a 200 with no usable content to a retryable
// provider error
type EmptyResponseError struct {
	Reason     string // "empty_body" or "missing_content"
	ProviderID string
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("upstream returned empty response (%s)", e.Reason)
}

// AllProvidersUnavailableError is the terminal exhaustion error; it never
// carries provider identities
type AllProvidersUnavailableError struct{}

func (e *AllProvidersUnavailableError) Error() string {
	return "All providers temporarily unavailable, try again later"
}

// VendorBreakerOpenError reports a skipped provider whose (vendor, type)
// breaker is open
type VendorBreakerOpenError struct {
	VendorTypeKey string
}

func (e *VendorBreakerOpenError) Error() string {
	return fmt.Sprintf("vendor-type breaker open for %s", e.VendorTypeKey)
}
