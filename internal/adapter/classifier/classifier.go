// Package classifier maps forwarding errors to retry categories. Rules are
// (pattern, category) pairs supplied by a live source so late-seeded rules
// are honoured; patterns are compiled once and cached.
package classifier

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/arbiterhq/arbiter/internal/core/constants"
	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/core/ports"
	"github.com/arbiterhq/arbiter/internal/logger"
)

// Category is the retry disposition of a classified error
type Category int

const (
	CategoryClientAbort Category = iota
	CategoryNonRetryableClient
	CategoryResourceNotFound
	CategoryProviderError
	CategorySystemError
)

func (c Category) String() string {
	switch c {
	case CategoryClientAbort:
		return "client_abort"
	case CategoryNonRetryableClient:
		return "non_retryable_client"
	case CategoryResourceNotFound:
		return "resource_not_found"
	case CategoryProviderError:
		return "provider_error"
	default:
		return "system_error"
	}
}

// Rule categories understood by the classifier and the rectifier triggers
const (
	RuleCategoryNonRetryable      = "non_retryable"
	RuleCategoryThinkingSignature = "thinking_signature"
	RuleCategoryThinkingBudget    = "thinking_budget"
)

// Abort messages matched verbatim, plus a contains check for "aborted"
var abortMessages = []string{
	"This operation was aborted",
	"The user aborted a request",
}

type compiledRule struct {
	rule ports.ErrorRule
	re   *regexp.Regexp
}

// Match is the result of a rule lookup
type Match struct {
	Matched  bool
	RuleID   string
	Category string
}

type Classifier struct {
	source ports.ErrorRuleSource
	log    logger.StyledLogger

	mu    sync.Mutex
	cache map[string]*regexp.Regexp // pattern -> compiled
}

func New(source ports.ErrorRuleSource, log logger.StyledLogger) *Classifier {
	return &Classifier{
		source: source,
		log:    log,
		cache:  make(map[string]*regexp.Regexp),
	}
}

// Classify maps an error to its category. This is the only classification
// path; it consults the rule source on every call so rules loaded after
// startup are honoured.
func (c *Classifier) Classify(ctx context.Context, err error) Category {
	if err == nil {
		return CategorySystemError
	}

	// 1. client abort
	var abortErr *domain.ClientAbortError
	if errors.As(err, &abortErr) {
		return CategoryClientAbort
	}

	var httpErr *domain.UpstreamHTTPError
	hasHTTP := errors.As(err, &httpErr)
	if hasHTTP && httpErr.StatusCode == constants.StatusClientAbort {
		return CategoryClientAbort
	}

	msg := err.Error()
	if hasHTTP && httpErr.Message != "" {
		msg = httpErr.Message
	}
	for _, m := range abortMessages {
		if msg == m {
			return CategoryClientAbort
		}
	}
	if !hasHTTP && strings.Contains(msg, "aborted") {
		return CategoryClientAbort
	}

	// 2. non-retryable client error, rule-driven
	if m := c.Detect(ctx, msg); m.Matched && m.Category == RuleCategoryNonRetryable {
		return CategoryNonRetryableClient
	}
	var inputErr *domain.ClientInputError
	if errors.As(err, &inputErr) {
		return CategoryNonRetryableClient
	}

	// 3. resource not found
	if hasHTTP && httpErr.StatusCode == 404 {
		return CategoryResourceNotFound
	}

	// 4. provider error: upstream HTTP error, empty response, or timeout
	if hasHTTP {
		return CategoryProviderError
	}
	var emptyErr *domain.EmptyResponseError
	if errors.As(err, &emptyErr) {
		return CategoryProviderError
	}
	var timeoutErr *domain.TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryProviderError
	}

	// 5. everything else: DNS, connection refused, resets, unknown
	return CategorySystemError
}

// Detect runs the rule set against a message and returns the first match.
// The forwarder uses this for the thinking-block rectifier triggers too.
func (c *Classifier) Detect(ctx context.Context, message string) Match {
	rules, err := c.source.Rules(ctx)
	if err != nil {
		c.log.Warn("error rule source unavailable, using no rules", "error", err)
		return Match{}
	}

	for _, rule := range rules {
		re := c.compile(rule.Pattern)
		if re == nil {
			continue
		}
		if re.MatchString(message) {
			return Match{Matched: true, RuleID: rule.ID, Category: rule.Category}
		}
	}
	return Match{}
}

func (c *Classifier) compile(pattern string) *regexp.Regexp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.cache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		c.log.Warn("skipping invalid error rule pattern", "pattern", pattern, "error", err)
		c.cache[pattern] = nil
		return nil
	}
	c.cache[pattern] = re
	return re
}
