// Package rectifier applies the small, bounded request-body rewrites the
// forwarder needs before sending upstream. Every conditional mutation is
// recorded on the session as a special-setting audit entry.
package rectifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/internal/core/constants"
	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/logger"
)

const (
	SettingCacheTTL       = "cache_ttl_override"
	SettingContext1M      = "context_1m"
	SettingMetadataUser   = "metadata_user_id"
	SettingThinkingStrip  = "thinking_signature_strip"
	SettingThinkingBudget = "thinking_budget_raise"
	SettingModelRedirect  = "model_redirect"
	SettingMaxTokens      = "max_tokens_override"
	SettingReasoning      = "reasoning_override"
	SettingParallelTools  = "parallel_tool_calls_override"
	SettingGoogleSearch   = "google_search_override"
)

// context1MModels are the Anthropic-family models the 1m context beta
// applies to
var context1MModels = []string{"claude-sonnet-4", "claude-opus-4"}

type Rectifier struct {
	log logger.StyledLogger
}

func New(log logger.StyledLogger) *Rectifier {
	return &Rectifier{log: log}
}

// Prepare runs every applicable rewrite for one attempt and returns the
// serialized body. Passthrough sessions only get private-field stripping.
func (r *Rectifier) Prepare(sess *domain.Session, provider *domain.Provider) ([]byte, error) {
	if sess.Body == nil {
		return sess.RawBody, nil
	}

	sess.Body = StripPrivateFields(sess.Body).(map[string]any)

	if !sess.Passthrough {
		r.ApplyModelRedirect(sess, provider)
		r.ApplyCacheTTL(sess, provider)
		r.ApplyContext1M(sess, provider)
		r.InjectMetadata(sess)
		r.ApplyProviderOverrides(sess, provider)
	}

	body, err := json.Marshal(sess.Body)
	if err != nil {
		return nil, fmt.Errorf("rectifier: marshal body: %w", err)
	}
	return body, nil
}

// StripPrivateFields removes every key beginning with an underscore,
// recursively. Idempotent: strip(strip(b)) == strip(b).
func StripPrivateFields(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k := range val {
			if strings.HasPrefix(k, "_") {
				delete(val, k)
				continue
			}
			val[k] = StripPrivateFields(val[k])
		}
		return val
	case []any:
		for i := range val {
			val[i] = StripPrivateFields(val[i])
		}
		return val
	default:
		return v
	}
}

// ApplyModelRedirect rewrites the model per the provider's redirect map.
// A redirect to the model's current value leaves the body unchanged.
func (r *Rectifier) ApplyModelRedirect(sess *domain.Session, provider *domain.Provider) {
	model, _ := sess.Body["model"].(string)
	if model == "" {
		return
	}
	target, ok := provider.Rewrite.ModelRedirects[model]
	if !ok || target == model {
		return
	}
	sess.Body["model"] = target
	sess.Model = target
	sess.RecordSetting(SettingModelRedirect, fmt.Sprintf("%s -> %s", model, target))
}

// ApplyCacheTTL walks message content blocks and stamps the effective TTL
// on every ephemeral cache_control object. The 1h case also needs the
// extended-cache beta flags.
func (r *Rectifier) ApplyCacheTTL(sess *domain.Session, provider *domain.Provider) {
	ttl := sess.CacheTTL
	if provider.Rewrite.CacheTTL != "" {
		ttl = provider.Rewrite.CacheTTL
	}
	if ttl != "5m" && ttl != "1h" {
		return
	}
	sess.CacheTTL = ttl

	changed := stampCacheControl(sess.Body["system"], ttl)
	if messages, ok := sess.Body["messages"].([]any); ok {
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if stampCacheControl(msg["content"], ttl) {
				changed = true
			}
		}
	}
	if !changed {
		return
	}

	if ttl == "1h" {
		addBetaFlag(sess, constants.BetaExtendedCacheTTL)
		addBetaFlag(sess, constants.BetaPromptCaching)
	}
	sess.RecordSetting(SettingCacheTTL, ttl)
}

func stampCacheControl(v any, ttl string) bool {
	blocks, ok := v.([]any)
	if !ok {
		return false
	}
	changed := false
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		cc, ok := block["cache_control"].(map[string]any)
		if !ok {
			continue
		}
		if cc["type"] == "ephemeral" && cc["ttl"] != ttl {
			cc["ttl"] = ttl
			changed = true
		}
	}
	return changed
}

// ApplyContext1M resolves the provider's 1m-context preference for
// supported Anthropic-family models
func (r *Rectifier) ApplyContext1M(sess *domain.Session, provider *domain.Provider) {
	if sess.Format != domain.FormatAnthropic {
		return
	}
	if !supportsContext1M(sess.Model) {
		return
	}

	switch provider.Rewrite.Context1M {
	case domain.TriStateEnabled:
		addBetaFlag(sess, constants.BetaContext1M)
		sess.Context1M = true
		sess.RecordSetting(SettingContext1M, "force-enabled")
	case domain.TriStateDisabled:
		if removeBetaFlag(sess, constants.BetaContext1M) {
			sess.RecordSetting(SettingContext1M, "disabled")
		}
		sess.Context1M = false
	default:
		// inherit: respect whatever the client sent
		sess.Context1M = hasBetaFlag(sess, constants.BetaContext1M)
	}
}

func supportsContext1M(model string) bool {
	for _, prefix := range context1MModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// InjectMetadata inserts the deterministic user id when the client sent
// none and both the key and the session are known
func (r *Rectifier) InjectMetadata(sess *domain.Session) {
	if sess.Format != domain.FormatAnthropic {
		return
	}
	if sess.KeyID == "" || sess.SessionID == "" {
		return
	}
	metadata, ok := sess.Body["metadata"].(map[string]any)
	if !ok {
		metadata = map[string]any{}
		sess.Body["metadata"] = metadata
	}
	if _, exists := metadata["user_id"]; exists {
		return
	}

	sum := sha256.Sum256([]byte("claude_user_" + sess.KeyID))
	userID := fmt.Sprintf("user_%s_account__session_%s", hex.EncodeToString(sum[:]), sess.SessionID)
	metadata["user_id"] = userID
	sess.RecordSetting(SettingMetadataUser, "injected")
}

// StripThinkingBlocks removes thinking and redacted_thinking content
// blocks plus stray signature fields. Triggered by invalid-signature
// errors; the forwarder retries the same provider exactly once after this.
func StripThinkingBlocks(sess *domain.Session) bool {
	messages, ok := sess.Body["messages"].([]any)
	if !ok {
		return false
	}
	changed := false
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		blocks, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		kept := make([]any, 0, len(blocks))
		for _, b := range blocks {
			block, isMap := b.(map[string]any)
			if isMap {
				if block["type"] == "thinking" || block["type"] == "redacted_thinking" {
					changed = true
					continue
				}
				if _, has := block["signature"]; has {
					delete(block, "signature")
					changed = true
				}
			}
			kept = append(kept, b)
		}
		if len(kept) != len(blocks) {
			msg["content"] = kept
		}
	}
	if changed {
		sess.RecordSetting(SettingThinkingStrip, "stripped thinking blocks")
	}
	return changed
}

// RaiseThinkingBudget lifts thinking.budget_tokens to the documented
// minimum. Triggered by budget-too-small errors; retried once.
func RaiseThinkingBudget(sess *domain.Session, minTokens int) bool {
	thinking, ok := sess.Body["thinking"].(map[string]any)
	if !ok {
		return false
	}
	current := toInt(thinking["budget_tokens"])
	if current >= minTokens {
		return false
	}
	thinking["budget_tokens"] = minTokens
	sess.RecordSetting(SettingThinkingBudget, fmt.Sprintf("%d -> %d", current, minTokens))
	return true
}

// ApplyProviderOverrides stamps the provider's strong preferences over the
// client's values
func (r *Rectifier) ApplyProviderOverrides(sess *domain.Session, provider *domain.Provider) {
	prefs := provider.Rewrite

	if prefs.MaxTokens > 0 && toInt(sess.Body["max_tokens"]) != prefs.MaxTokens {
		sess.Body["max_tokens"] = prefs.MaxTokens
		sess.RecordSetting(SettingMaxTokens, fmt.Sprintf("%d", prefs.MaxTokens))
	}

	if prefs.ThinkingBudget > 0 {
		if thinking, ok := sess.Body["thinking"].(map[string]any); ok {
			if toInt(thinking["budget_tokens"]) != prefs.ThinkingBudget {
				thinking["budget_tokens"] = prefs.ThinkingBudget
				sess.RecordSetting(SettingThinkingBudget, fmt.Sprintf("provider override %d", prefs.ThinkingBudget))
			}
		}
	}

	if prefs.ReasoningEffort != "" {
		r.overrideReasoning(sess, "effort", prefs.ReasoningEffort)
	}
	if prefs.ReasoningSummary != "" {
		r.overrideReasoning(sess, "summary", prefs.ReasoningSummary)
	}

	if prefs.TextVerbosity != "" {
		text, ok := sess.Body["text"].(map[string]any)
		if !ok {
			text = map[string]any{}
			sess.Body["text"] = text
		}
		if text["verbosity"] != prefs.TextVerbosity {
			text["verbosity"] = prefs.TextVerbosity
			sess.RecordSetting(SettingReasoning, "text.verbosity="+prefs.TextVerbosity)
		}
	}

	switch prefs.ParallelToolCalls {
	case domain.TriStateEnabled:
		if sess.Body["parallel_tool_calls"] != true {
			sess.Body["parallel_tool_calls"] = true
			sess.RecordSetting(SettingParallelTools, "enabled")
		}
	case domain.TriStateDisabled:
		if sess.Body["parallel_tool_calls"] != false {
			sess.Body["parallel_tool_calls"] = false
			sess.RecordSetting(SettingParallelTools, "disabled")
		}
	}

	if provider.Type == domain.ProviderTypeGemini {
		r.overrideGoogleSearch(sess, prefs.GoogleSearch)
	}
}

func (r *Rectifier) overrideReasoning(sess *domain.Session, field, value string) {
	if sess.Format == domain.FormatOpenAI && field == "effort" {
		if sess.Body["reasoning_effort"] != value {
			sess.Body["reasoning_effort"] = value
			sess.RecordSetting(SettingReasoning, "reasoning_effort="+value)
		}
		return
	}
	reasoning, ok := sess.Body["reasoning"].(map[string]any)
	if !ok {
		reasoning = map[string]any{}
		sess.Body["reasoning"] = reasoning
	}
	if reasoning[field] != value {
		reasoning[field] = value
		sess.RecordSetting(SettingReasoning, "reasoning."+field+"="+value)
	}
}

func (r *Rectifier) overrideGoogleSearch(sess *domain.Session, pref domain.TriState) {
	tools, _ := sess.Body["tools"].([]any)
	has := -1
	for i, t := range tools {
		if tool, ok := t.(map[string]any); ok {
			if _, found := tool["google_search"]; found {
				has = i
				break
			}
		}
	}

	switch pref {
	case domain.TriStateEnabled:
		if has < 0 {
			sess.Body["tools"] = append(tools, map[string]any{"google_search": map[string]any{}})
			sess.RecordSetting(SettingGoogleSearch, "enabled")
		}
	case domain.TriStateDisabled:
		if has >= 0 {
			sess.Body["tools"] = append(tools[:has], tools[has+1:]...)
			sess.RecordSetting(SettingGoogleSearch, "disabled")
		}
	}
}

// DropBetaFlag removes a beta flag from the session's outbound header set;
// the forwarder uses it to back off features an upstream has rejected
func DropBetaFlag(sess *domain.Session, flag string) bool {
	return removeBetaFlag(sess, flag)
}

func addBetaFlag(sess *domain.Session, flag string) {
	if hasBetaFlag(sess, flag) {
		return
	}
	existing := sess.Header.Get(constants.HeaderAnthropicBeta)
	if existing == "" {
		sess.Header.Set(constants.HeaderAnthropicBeta, flag)
		return
	}
	sess.Header.Set(constants.HeaderAnthropicBeta, existing+","+flag)
}

func removeBetaFlag(sess *domain.Session, flag string) bool {
	existing := sess.Header.Get(constants.HeaderAnthropicBeta)
	if existing == "" {
		return false
	}
	parts := strings.Split(existing, ",")
	kept := parts[:0]
	removed := false
	for _, p := range parts {
		if strings.TrimSpace(p) == flag {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return false
	}
	if len(kept) == 0 {
		sess.Header.Del(constants.HeaderAnthropicBeta)
	} else {
		sess.Header.Set(constants.HeaderAnthropicBeta, strings.Join(kept, ","))
	}
	return true
}

func hasBetaFlag(sess *domain.Session, flag string) bool {
	existing := sess.Header.Get(constants.HeaderAnthropicBeta)
	if existing == "" {
		return false
	}
	for _, p := range strings.Split(existing, ",") {
		if strings.TrimSpace(p) == flag {
			return true
		}
	}
	return false
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
