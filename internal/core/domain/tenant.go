package domain

// ResetMode controls how a daily USD budget resets
type ResetMode string

const (
	ResetModeFixed   ResetMode = "fixed"   // at a configured time of day
	ResetModeRolling ResetMode = "rolling" // 24h rolling window
)

// DailyReset holds the daily budget reset policy
type DailyReset struct {
	Mode ResetMode
	At   string // "HH:MM", only for fixed mode
}

// Budget holds per-period USD caps. Zero means unlimited.
type Budget struct {
	TotalUSD     float64 // hard cap, never resets
	Rolling5hUSD float64
	DailyUSD     float64
	WeeklyUSD    float64
	MonthlyUSD   float64
}

// Key is a tenant credential
type Key struct {
	ID     string
	UserID string
	Secret string

	Limits     Budget
	DailyReset DailyReset

	// Concurrency limits; zero inherits the owning user's limit
	MaxSessions     int
	MaxClientAgents int

	RPM int

	AllowedAgents []string
	BlockedAgents []string

	CacheTTL string // "", "5m" or "1h"
}

// User is a tenant account; mirrors Key's budget and concurrency dimensions
// one level up
type User struct {
	ID string

	Limits     Budget
	DailyReset DailyReset

	MaxSessions     int
	MaxClientAgents int

	RPM int
}

// EffectiveSessionLimit resolves the key limit, inheriting from the user
// when unset so "key unlimited, user 1" cannot happen
func (k *Key) EffectiveSessionLimit(u *User) int {
	if k.MaxSessions > 0 {
		return k.MaxSessions
	}
	return u.MaxSessions
}

// EffectiveAgentLimit resolves the distinct client-agent limit the same way
func (k *Key) EffectiveAgentLimit(u *User) int {
	if k.MaxClientAgents > 0 {
		return k.MaxClientAgents
	}
	return u.MaxClientAgents
}
