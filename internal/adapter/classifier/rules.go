package classifier

import (
	"context"
	"sync"

	"github.com/arbiterhq/arbiter/internal/core/ports"
)

// defaultRules cover the upstream hard constraints seen across the
// Anthropic-family and OpenAI-compatible vendors. A live deployment layers
// store-loaded rules on top via Seed.
var defaultRules = []ports.ErrorRule{
	{ID: "prompt_too_long", Pattern: `prompt is too long`, Category: RuleCategoryNonRetryable},
	{ID: "content_filter", Pattern: `(?i)content filtering policy|blocked by content filter`, Category: RuleCategoryNonRetryable},
	{ID: "pdf_page_limit", Pattern: `(?i)maximum of \d+ PDF pages|too many (PDF )?pages`, Category: RuleCategoryNonRetryable},
	{ID: "thinking_block_format", Pattern: `Expected .thinking. or .redacted_thinking., but found`, Category: RuleCategoryNonRetryable},
	{ID: "missing_required_field", Pattern: `(?i)field required|missing required (field|parameter)`, Category: RuleCategoryNonRetryable},
	{ID: "illegal_request", Pattern: `(?i)invalid request format|illegal request`, Category: RuleCategoryNonRetryable},

	// Rectifier triggers; matched before the retry branch, not surfaced
	{ID: "invalid_thinking_signature", Pattern: `(?i)invalid signature in (a )?thinking block`, Category: RuleCategoryThinkingSignature},
	{ID: "thinking_budget_too_small", Pattern: `(?i)budget_tokens.*(at least|greater than|minimum)`, Category: RuleCategoryThinkingBudget},
}

// MemoryRuleSource serves the default rules plus any seeded later. It
// stands in for the store-backed registry the admin plane maintains.
type MemoryRuleSource struct {
	mu    sync.RWMutex
	rules []ports.ErrorRule
}

func NewMemoryRuleSource() *MemoryRuleSource {
	rules := make([]ports.ErrorRule, len(defaultRules))
	copy(rules, defaultRules)
	return &MemoryRuleSource{rules: rules}
}

func (s *MemoryRuleSource) Rules(ctx context.Context) ([]ports.ErrorRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ports.ErrorRule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

// Seed adds rules at runtime; later additions win on ID collision
func (s *MemoryRuleSource) Seed(rules ...ports.ErrorRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rules {
		replaced := false
		for i := range s.rules {
			if s.rules[i].ID == r.ID {
				s.rules[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			s.rules = append(s.rules, r)
		}
	}
}
