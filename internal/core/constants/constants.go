package constants

const (
	HeaderXRequestID    = "X-Request-ID"
	HeaderRequestIDEcho = "X-Arbiter-Request-ID"
	HeaderRetryAfter    = "Retry-After"
	HeaderContentType   = "Content-Type"
	HeaderAnthropicBeta = "anthropic-beta"

	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"

	ContextRequestIdKey = "request_id"

	// Standard inbound paths; anything else is vendor passthrough
	PathMessages        = "/v1/messages"
	PathCountTokens     = "/v1/messages/count_tokens"
	PathResponses       = "/v1/responses"
	PathChatCompletions = "/v1/chat/completions"
	PathModels          = "/v1/models"

	// Beta flags attached by the rectifier
	BetaExtendedCacheTTL = "extended-cache-ttl-2025-04-11"
	BetaPromptCaching    = "prompt-caching-2024-07-31"
	BetaContext1M        = "context-1m-2025-08-07"

	// Forwarding limits
	MaxProviderSwitches     = 20
	MinRetryAttempts        = 1
	MaxRetryAttempts        = 8
	DefaultRetryAttempts    = 2
	RetryDelayMs            = 100
	MinThinkingBudgetTokens = 1024

	// Upstream error body handling
	ErrorBodyTruncateBytes = 500

	// Synthetic status for upstream timeouts
	StatusUpstreamTimeout = 524
	StatusClientAbort     = 499
)
