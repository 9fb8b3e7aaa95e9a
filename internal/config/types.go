package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/arbiterhq/arbiter/internal/core/domain"
)

// Config holds all configuration for the application
type Config struct {
	Filename    string            `yaml:"-" mapstructure:"-"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Persistence PersistenceConfig `yaml:"persistence" mapstructure:"persistence"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Forwarder   ForwarderConfig   `yaml:"forwarder" mapstructure:"forwarder"`
	Security    SecurityConfig    `yaml:"security" mapstructure:"security"`
	Providers   []ProviderConfig  `yaml:"providers" mapstructure:"providers"`
	Endpoints   []EndpointConfig  `yaml:"endpoints" mapstructure:"endpoints"`
	Keys        []KeyConfig       `yaml:"keys" mapstructure:"keys"`
	Users       []UserConfig      `yaml:"users" mapstructure:"users"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RequestLogging  bool          `yaml:"request_logging" mapstructure:"request_logging"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig holds the rate-limit store connection settings
type RedisConfig struct {
	Addrs          []string      `yaml:"addrs" mapstructure:"addrs"`
	Password       string        `yaml:"password" mapstructure:"password"`
	DB             int           `yaml:"db" mapstructure:"db"`
	ReservationTTL time.Duration `yaml:"reservation_ttl" mapstructure:"reservation_ttl"`
}

// PersistenceConfig holds the audit database settings
type PersistenceConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" mapstructure:"level"`
	Theme       string `yaml:"theme" mapstructure:"theme"`
	File        string `yaml:"file" mapstructure:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	ForceColors bool   `yaml:"force_colors" mapstructure:"force_colors"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
}

// ForwarderConfig tunes the retry and failover engine
type ForwarderConfig struct {
	MaxRetryAttemptsDefault int           `yaml:"max_retry_attempts_default" mapstructure:"max_retry_attempts_default"`
	BreakerOnNetworkErrors  bool          `yaml:"breaker_on_network_errors" mapstructure:"breaker_on_network_errors"`
	FetchHeadersTimeout     time.Duration `yaml:"fetch_headers_timeout" mapstructure:"fetch_headers_timeout"`
	FetchBodyTimeout        time.Duration `yaml:"fetch_body_timeout" mapstructure:"fetch_body_timeout"`
	HTTP2Enabled            bool          `yaml:"http2_enabled" mapstructure:"http2_enabled"`
	VendorBreakerCooldown   time.Duration `yaml:"vendor_breaker_cooldown" mapstructure:"vendor_breaker_cooldown"`
	DegradedFeatureTTL      time.Duration `yaml:"degraded_feature_ttl" mapstructure:"degraded_feature_ttl"`
}

// SecurityConfig holds the inbound request policy
type SecurityConfig struct {
	MaxBodyBytes  int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	BlockedAgents []string `yaml:"blocked_agents" mapstructure:"blocked_agents"`
}

// ProviderConfig declares one upstream credential and its routing policy
type ProviderConfig struct {
	ID               string            `yaml:"id" mapstructure:"id"`
	Name             string            `yaml:"name" mapstructure:"name"`
	Vendor           string            `yaml:"vendor" mapstructure:"vendor"`
	Type             string            `yaml:"type" mapstructure:"type"`
	APIKey           string            `yaml:"api_key" mapstructure:"api_key"`
	BaseURL          string            `yaml:"base_url" mapstructure:"base_url"`
	Priority         int               `yaml:"priority" mapstructure:"priority"`
	Weight           int               `yaml:"weight" mapstructure:"weight"`
	CostMultiplier   float64           `yaml:"cost_multiplier" mapstructure:"cost_multiplier"`
	GroupTag         string            `yaml:"group_tag" mapstructure:"group_tag"`
	MaxRetryAttempts int               `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	ProxyURL         string            `yaml:"proxy_url" mapstructure:"proxy_url"`
	DisableHTTP2     bool              `yaml:"disable_http2" mapstructure:"disable_http2"`
	AllowedAgents    []string          `yaml:"allowed_agents" mapstructure:"allowed_agents"`
	BlockedAgents    []string          `yaml:"blocked_agents" mapstructure:"blocked_agents"`
	Breaker          BreakerConfig     `yaml:"breaker" mapstructure:"breaker"`
	Timeouts         TimeoutConfig     `yaml:"timeouts" mapstructure:"timeouts"`
	Rewrite          RewriteConfig     `yaml:"rewrite" mapstructure:"rewrite"`
	ModelRedirects   map[string]string `yaml:"model_redirects" mapstructure:"model_redirects"`
	AllowedModels    []string          `yaml:"allowed_models" mapstructure:"allowed_models"`
}

// BreakerConfig tunes one provider's circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration" mapstructure:"open_duration"`
	HalfOpenQuota    int           `yaml:"half_open_quota" mapstructure:"half_open_quota"`
}

// TimeoutConfig holds the three per-provider timeout budgets
type TimeoutConfig struct {
	FirstByteStreaming time.Duration `yaml:"first_byte_streaming" mapstructure:"first_byte_streaming"`
	TotalNonStreaming  time.Duration `yaml:"total_non_streaming" mapstructure:"total_non_streaming"`
	StreamingIdle      time.Duration `yaml:"streaming_idle" mapstructure:"streaming_idle"`
}

// RewriteConfig holds the per-provider body-rewrite preferences
type RewriteConfig struct {
	CacheTTL          string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	Context1M         string `yaml:"context_1m" mapstructure:"context_1m"`
	ReasoningEffort   string `yaml:"reasoning_effort" mapstructure:"reasoning_effort"`
	ReasoningSummary  string `yaml:"reasoning_summary" mapstructure:"reasoning_summary"`
	TextVerbosity     string `yaml:"text_verbosity" mapstructure:"text_verbosity"`
	ThinkingBudget    int    `yaml:"thinking_budget" mapstructure:"thinking_budget"`
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	ParallelToolCalls string `yaml:"parallel_tool_calls" mapstructure:"parallel_tool_calls"`
	GoogleSearch      string `yaml:"google_search" mapstructure:"google_search"`
}

// EndpointConfig declares one vendor URL
type EndpointConfig struct {
	ID       string `yaml:"id" mapstructure:"id"`
	Vendor   string `yaml:"vendor" mapstructure:"vendor"`
	Type     string `yaml:"type" mapstructure:"type"`
	URL      string `yaml:"url" mapstructure:"url"`
	Label    string `yaml:"label" mapstructure:"label"`
	SortHint int    `yaml:"sort_hint" mapstructure:"sort_hint"`
	Enabled  *bool  `yaml:"enabled" mapstructure:"enabled"`
}

// KeyConfig declares one tenant credential
type KeyConfig struct {
	ID              string       `yaml:"id" mapstructure:"id"`
	User            string       `yaml:"user" mapstructure:"user"`
	Secret          string       `yaml:"secret" mapstructure:"secret"`
	Limits          BudgetConfig `yaml:"limits" mapstructure:"limits"`
	DailyResetMode  string       `yaml:"daily_reset_mode" mapstructure:"daily_reset_mode"`
	DailyResetAt    string       `yaml:"daily_reset_at" mapstructure:"daily_reset_at"`
	MaxSessions     int          `yaml:"max_sessions" mapstructure:"max_sessions"`
	MaxClientAgents int          `yaml:"max_client_agents" mapstructure:"max_client_agents"`
	RPM             int          `yaml:"rpm" mapstructure:"rpm"`
	AllowedAgents   []string     `yaml:"allowed_agents" mapstructure:"allowed_agents"`
	BlockedAgents   []string     `yaml:"blocked_agents" mapstructure:"blocked_agents"`
	CacheTTL        string       `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// UserConfig declares one tenant account
type UserConfig struct {
	ID              string       `yaml:"id" mapstructure:"id"`
	Limits          BudgetConfig `yaml:"limits" mapstructure:"limits"`
	DailyResetMode  string       `yaml:"daily_reset_mode" mapstructure:"daily_reset_mode"`
	DailyResetAt    string       `yaml:"daily_reset_at" mapstructure:"daily_reset_at"`
	MaxSessions     int          `yaml:"max_sessions" mapstructure:"max_sessions"`
	MaxClientAgents int          `yaml:"max_client_agents" mapstructure:"max_client_agents"`
	RPM             int          `yaml:"rpm" mapstructure:"rpm"`
}

// BudgetConfig holds per-period USD caps; zero means unlimited
type BudgetConfig struct {
	TotalUSD     float64 `yaml:"total_usd" mapstructure:"total_usd"`
	Rolling5hUSD float64 `yaml:"rolling_5h_usd" mapstructure:"rolling_5h_usd"`
	DailyUSD     float64 `yaml:"daily_usd" mapstructure:"daily_usd"`
	WeeklyUSD    float64 `yaml:"weekly_usd" mapstructure:"weekly_usd"`
	MonthlyUSD   float64 `yaml:"monthly_usd" mapstructure:"monthly_usd"`
}

func (b BudgetConfig) toDomain() domain.Budget {
	return domain.Budget{
		TotalUSD:     b.TotalUSD,
		Rolling5hUSD: b.Rolling5hUSD,
		DailyUSD:     b.DailyUSD,
		WeeklyUSD:    b.WeeklyUSD,
		MonthlyUSD:   b.MonthlyUSD,
	}
}

func triState(s string) domain.TriState {
	switch s {
	case "enabled", "true", "on":
		return domain.TriStateEnabled
	case "disabled", "false", "off":
		return domain.TriStateDisabled
	default:
		return domain.TriStateInherit
	}
}

func resetMode(s string) domain.ResetMode {
	if s == string(domain.ResetModeRolling) {
		return domain.ResetModeRolling
	}
	return domain.ResetModeFixed
}

// DomainProviders converts the provider section to domain records
func (c *Config) DomainProviders() []*domain.Provider {
	out := make([]*domain.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, &domain.Provider{
			ID:               p.ID,
			Name:             p.Name,
			VendorID:         p.Vendor,
			Type:             domain.ProviderType(p.Type),
			APIKey:           p.APIKey,
			BaseURL:          p.BaseURL,
			Priority:         p.Priority,
			Weight:           p.Weight,
			CostMultiplier:   p.CostMultiplier,
			GroupTag:         p.GroupTag,
			MaxRetryAttempts: p.MaxRetryAttempts,
			ProxyURL:         p.ProxyURL,
			DisableHTTP2:     p.DisableHTTP2,
			AllowedAgents:    p.AllowedAgents,
			BlockedAgents:    p.BlockedAgents,
			Breaker: domain.BreakerTuning{
				FailureThreshold: p.Breaker.FailureThreshold,
				OpenDuration:     p.Breaker.OpenDuration,
				HalfOpenQuota:    p.Breaker.HalfOpenQuota,
			},
			Timeouts: domain.Timeouts{
				FirstByteStreaming: p.Timeouts.FirstByteStreaming,
				TotalNonStreaming:  p.Timeouts.TotalNonStreaming,
				StreamingIdle:      p.Timeouts.StreamingIdle,
			},
			Rewrite: domain.RewritePrefs{
				CacheTTL:          p.Rewrite.CacheTTL,
				Context1M:         triState(p.Rewrite.Context1M),
				ReasoningEffort:   p.Rewrite.ReasoningEffort,
				ReasoningSummary:  p.Rewrite.ReasoningSummary,
				TextVerbosity:     p.Rewrite.TextVerbosity,
				ThinkingBudget:    p.Rewrite.ThinkingBudget,
				MaxTokens:         p.Rewrite.MaxTokens,
				ParallelToolCalls: triState(p.Rewrite.ParallelToolCalls),
				GoogleSearch:      triState(p.Rewrite.GoogleSearch),
				ModelRedirects:    p.ModelRedirects,
				AllowedModels:     p.AllowedModels,
			},
		})
	}
	return out
}

// DomainEndpoints converts the endpoint section, dropping unparseable URLs
func (c *Config) DomainEndpoints() ([]*domain.Endpoint, error) {
	out := make([]*domain.Endpoint, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		u, err := url.Parse(e.URL)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: bad url %q: %w", e.ID, e.URL, err)
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		out = append(out, &domain.Endpoint{
			ID:        e.ID,
			VendorID:  e.Vendor,
			Type:      domain.ProviderType(e.Type),
			URL:       u,
			URLString: e.URL,
			Label:     e.Label,
			SortHint:  e.SortHint,
			Enabled:   enabled,
		})
	}
	return out, nil
}

// DomainKeys converts the key section
func (c *Config) DomainKeys() []*domain.Key {
	out := make([]*domain.Key, 0, len(c.Keys))
	for _, k := range c.Keys {
		out = append(out, &domain.Key{
			ID:              k.ID,
			UserID:          k.User,
			Secret:          k.Secret,
			Limits:          k.Limits.toDomain(),
			DailyReset:      domain.DailyReset{Mode: resetMode(k.DailyResetMode), At: k.DailyResetAt},
			MaxSessions:     k.MaxSessions,
			MaxClientAgents: k.MaxClientAgents,
			RPM:             k.RPM,
			AllowedAgents:   k.AllowedAgents,
			BlockedAgents:   k.BlockedAgents,
			CacheTTL:        k.CacheTTL,
		})
	}
	return out
}

// DomainUsers converts the user section
func (c *Config) DomainUsers() []*domain.User {
	out := make([]*domain.User, 0, len(c.Users))
	for _, u := range c.Users {
		out = append(out, &domain.User{
			ID:              u.ID,
			Limits:          u.Limits.toDomain(),
			DailyReset:      domain.DailyReset{Mode: resetMode(u.DailyResetMode), At: u.DailyResetAt},
			MaxSessions:     u.MaxSessions,
			MaxClientAgents: u.MaxClientAgents,
			RPM:             u.RPM,
		})
	}
	return out
}
