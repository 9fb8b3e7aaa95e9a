package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/core/ports"
	"github.com/arbiterhq/arbiter/internal/logger"
)

func newTestClassifier() (*Classifier, *MemoryRuleSource) {
	source := NewMemoryRuleSource()
	log := logger.NewPlainStyledLogger(slog.Default())
	return New(source, log), source
}

func TestClassifyCategories(t *testing.T) {
	c, _ := newTestClassifier()
	ctx := context.Background()

	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{
			name:     "client abort wrapper",
			err:      &domain.ClientAbortError{Cause: context.Canceled},
			expected: CategoryClientAbort,
		},
		{
			name:     "upstream 499",
			err:      &domain.UpstreamHTTPError{StatusCode: 499, Message: "closed"},
			expected: CategoryClientAbort,
		},
		{
			name:     "abort message verbatim",
			err:      errors.New("The user aborted a request"),
			expected: CategoryClientAbort,
		},
		{
			name:     "abort message contains",
			err:      errors.New("request was aborted by peer"),
			expected: CategoryClientAbort,
		},
		{
			name:     "prompt too long is non-retryable",
			err:      &domain.UpstreamHTTPError{StatusCode: 400, Message: "prompt is too long: 300000 tokens > 200000 maximum"},
			expected: CategoryNonRetryableClient,
		},
		{
			name:     "content filter is non-retryable",
			err:      &domain.UpstreamHTTPError{StatusCode: 400, Message: "Output blocked by content filtering policy"},
			expected: CategoryNonRetryableClient,
		},
		{
			name:     "upstream 404",
			err:      &domain.UpstreamHTTPError{StatusCode: 404, Message: "model not found"},
			expected: CategoryResourceNotFound,
		},
		{
			name:     "upstream 500",
			err:      &domain.UpstreamHTTPError{StatusCode: 500, Message: "internal error"},
			expected: CategoryProviderError,
		},
		{
			name:     "upstream 429",
			err:      &domain.UpstreamHTTPError{StatusCode: 429, Message: "overloaded"},
			expected: CategoryProviderError,
		},
		{
			name:     "empty response",
			err:      &domain.EmptyResponseError{Reason: "empty_body"},
			expected: CategoryProviderError,
		},
		{
			name:     "timeout is provider error",
			err:      &domain.TimeoutError{Phase: domain.TimeoutPhaseTotal},
			expected: CategoryProviderError,
		},
		{
			name:     "dns failure is system error",
			err:      fmt.Errorf("dial tcp: lookup api.example.com: no such host"),
			expected: CategorySystemError,
		},
		{
			name:     "connection refused is system error",
			err:      fmt.Errorf("dial tcp 10.0.0.1:443: connect: connection refused"),
			expected: CategorySystemError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(ctx, tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClassifyHonoursLateSeededRules(t *testing.T) {
	c, source := newTestClassifier()
	ctx := context.Background()

	err := &domain.UpstreamHTTPError{StatusCode: 400, Message: "tool schema exceeds depth limit"}
	if got := c.Classify(ctx, err); got != CategoryProviderError {
		t.Fatalf("expected provider_error before rule seeding, got %v", got)
	}

	source.Seed(ports.ErrorRule{
		ID:       "tool_schema_depth",
		Pattern:  `tool schema exceeds depth limit`,
		Category: RuleCategoryNonRetryable,
	})

	if got := c.Classify(ctx, err); got != CategoryNonRetryableClient {
		t.Fatalf("expected non_retryable_client after rule seeding, got %v", got)
	}
}

func TestDetectRectifierTriggers(t *testing.T) {
	c, _ := newTestClassifier()
	ctx := context.Background()

	m := c.Detect(ctx, "The request contains an invalid signature in a thinking block.")
	if !m.Matched || m.Category != RuleCategoryThinkingSignature {
		t.Fatalf("expected thinking_signature trigger, got %+v", m)
	}

	m = c.Detect(ctx, "thinking.budget_tokens: Input should be greater than or equal to 1024")
	if !m.Matched || m.Category != RuleCategoryThinkingBudget {
		t.Fatalf("expected thinking_budget trigger, got %+v", m)
	}

	m = c.Detect(ctx, "all fine here")
	if m.Matched {
		t.Fatalf("expected no match, got %+v", m)
	}
}

func TestInvalidPatternSkipped(t *testing.T) {
	c, source := newTestClassifier()
	source.Seed(ports.ErrorRule{ID: "broken", Pattern: `([`, Category: RuleCategoryNonRetryable})

	// Must not panic nor match anything
	m := c.Detect(context.Background(), "([")
	if m.Matched && m.RuleID == "broken" {
		t.Fatal("invalid pattern must be skipped")
	}
}
