package domain

import (
	"time"
)

// ProviderType identifies the upstream dialect family
type ProviderType string

const (
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeCodex     ProviderType = "codex"
	ProviderTypeGemini    ProviderType = "gemini"
	ProviderTypeOpenAI    ProviderType = "openai"
)

func (t ProviderType) String() string { return string(t) }

// TriState is an inherit/enable/disable preference used by rewrite settings
type TriState string

const (
	TriStateInherit  TriState = "inherit"
	TriStateEnabled  TriState = "enabled"
	TriStateDisabled TriState = "disabled"
)

// RewritePrefs holds the per-provider body-rewrite preferences applied by
// the rectifier. Zero values mean "leave the client's value alone".
type RewritePrefs struct {
	CacheTTL          string // "", "5m" or "1h"
	Context1M         TriState
	ReasoningEffort   string
	ReasoningSummary  string
	TextVerbosity     string
	ThinkingBudget    int
	MaxTokens         int
	ParallelToolCalls TriState
	GoogleSearch      TriState
	ModelRedirects    map[string]string
	AllowedModels     []string
}

// BreakerTuning carries the per-provider circuit breaker thresholds
type BreakerTuning struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenQuota    int
}

// Timeouts carries the three per-provider timeout budgets. All of them
// synthesize a 524 provider error on fire.
type Timeouts struct {
	FirstByteStreaming time.Duration
	TotalNonStreaming  time.Duration
	StreamingIdle      time.Duration
}

// Provider is a configured credential plus routing policy targeting one
// vendor. Records are immutable snapshots for the duration of a request.
type Provider struct {
	ID       string
	Name     string
	VendorID string
	Type     ProviderType

	APIKey  string
	BaseURL string // optional override of the endpoint URL

	Priority       int
	Weight         int
	CostMultiplier float64
	GroupTag       string

	Breaker  BreakerTuning
	Timeouts Timeouts

	MaxRetryAttempts int

	Rewrite RewritePrefs

	AllowedAgents []string
	BlockedAgents []string

	ProxyURL     string
	DisableHTTP2 bool
}

// BreakerKey is the identity under which this provider's breaker state lives
func (p *Provider) BreakerKey() string {
	return p.ID
}

// VendorTypeKey identifies the (vendor, provider-type) pair for the coarse breaker
func (p *Provider) VendorTypeKey() string {
	return p.VendorID + "/" + string(p.Type)
}
