package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/core/ports"
	"github.com/arbiterhq/arbiter/internal/logger"
)

// Limit type identifiers carried on rate-limit errors
const (
	LimitKeyTotalUSD    = "key_total_usd"
	LimitUserTotalUSD   = "user_total_usd"
	LimitClientAgents   = "client_agent_concurrency"
	LimitSessions       = "session_concurrency"
	LimitUserRPM        = "user_rpm"
	LimitKey5hUSD       = "key_5h_usd"
	LimitUser5hUSD      = "user_5h_usd"
	LimitKeyDailyUSD    = "key_daily_usd"
	LimitUserDailyUSD   = "user_daily_usd"
	LimitKeyWeeklyUSD   = "key_weekly_usd"
	LimitUserWeeklyUSD  = "user_weekly_usd"
	LimitKeyMonthlyUSD  = "key_monthly_usd"
	LimitUserMonthlyUSD = "user_monthly_usd"
)

// Guard runs the ordered admission checks. The first failing check
// short-circuits; reservations taken by earlier checks are rolled back.
type Guard struct {
	store          ports.RateLimitStore
	stats          ports.StatsCollector
	log            logger.StyledLogger
	reservationTTL time.Duration
	now            func() time.Time
}

// DefaultReservationTTL must exceed the longest request timeout so a
// crashed holder cannot pin a slot forever
const DefaultReservationTTL = 11 * time.Minute

func NewGuard(store ports.RateLimitStore, stats ports.StatsCollector, reservationTTL time.Duration, log logger.StyledLogger) *Guard {
	if reservationTTL <= 0 {
		reservationTTL = DefaultReservationTTL
	}
	return &Guard{
		store:          store,
		stats:          stats,
		log:            log,
		reservationTTL: reservationTTL,
		now:            time.Now,
	}
}

// Release undoes the concurrency reservations taken at admission. It must
// be called on request completion, success or failure; the store-side TTL
// covers crashes.
type Release func(ctx context.Context)

// Admit executes the 13 checks in order. On success it returns a release
// function for the concurrency reservations. On limit breach it returns a
// *domain.RateLimitError; on store unavailability it fails closed.
func (g *Guard) Admit(ctx context.Context, sess *domain.Session, key *domain.Key, user *domain.User) (Release, error) {
	var reserved []func(ctx context.Context)
	rollback := func() {
		for i := len(reserved) - 1; i >= 0; i-- {
			reserved[i](ctx)
		}
	}

	fail := func(err error) (Release, error) {
		rollback()
		if rle, ok := err.(*domain.RateLimitError); ok && g.stats != nil {
			g.stats.RecordRateLimitReject(rle.LimitType)
		}
		return nil, err
	}

	// 1, 2: total USD hard caps, never reset
	if err := g.checkUsage(ctx, usageKey("key", key.ID, "total"), key.Limits.TotalUSD, LimitKeyTotalUSD, key.ID, ""); err != nil {
		return fail(err)
	}
	if err := g.checkUsage(ctx, usageKey("user", user.ID, "total"), user.Limits.TotalUSD, LimitUserTotalUSD, user.ID, ""); err != nil {
		return fail(err)
	}

	// 3: distinct client-agent concurrency, key then user scope
	agentID := hashAgent(sess.ClientAgent)
	rel, err := g.reservePair(ctx,
		concKey("agents", "key", key.ID), concKey("agents", "user", user.ID),
		agentID,
		int64(key.EffectiveAgentLimit(user)), int64(user.MaxClientAgents),
		LimitClientAgents, key.ID, user.ID)
	if err != nil {
		return fail(err)
	}
	reserved = append(reserved, rel...)

	// 4: concurrent sessions
	rel, err = g.reservePair(ctx,
		concKey("sessions", "key", key.ID), concKey("sessions", "user", user.ID),
		sess.SessionID,
		int64(key.EffectiveSessionLimit(user)), int64(user.MaxSessions),
		LimitSessions, key.ID, user.ID)
	if err != nil {
		return fail(err)
	}
	reserved = append(reserved, rel...)

	// 5: user requests per minute
	if user.RPM > 0 {
		bucket := fmt.Sprintf("rpm:user:%s:%d", user.ID, g.now().Unix()/60)
		current, ok, err := g.store.IncrWithLimit(ctx, bucket, 1, int64(user.RPM), 2*time.Minute)
		if err != nil {
			return fail(fmt.Errorf("rate limit store unavailable: %w", err))
		}
		if !ok {
			return fail(&domain.RateLimitError{
				LimitType:  LimitUserRPM,
				Current:    float64(current),
				Limit:      float64(user.RPM),
				ResetTime:  g.now().Truncate(time.Minute).Add(time.Minute).UTC().Format(time.RFC3339),
				ResourceID: user.ID,
			})
		}
	}

	// 6, 7: 5-hour rolling USD; rolling windows report no reset time
	if err := g.checkUsage(ctx, usageKey("key", key.ID, "5h"), key.Limits.Rolling5hUSD, LimitKey5hUSD, key.ID, ""); err != nil {
		return fail(err)
	}
	if err := g.checkUsage(ctx, usageKey("user", user.ID, "5h"), user.Limits.Rolling5hUSD, LimitUser5hUSD, user.ID, ""); err != nil {
		return fail(err)
	}

	// 8, 9: daily USD, fixed-at-time-of-day or rolling-24h
	if err := g.checkUsage(ctx, usageKey("key", key.ID, "daily"), key.Limits.DailyUSD, LimitKeyDailyUSD, key.ID, g.dailyReset(key.DailyReset)); err != nil {
		return fail(err)
	}
	if err := g.checkUsage(ctx, usageKey("user", user.ID, "daily"), user.Limits.DailyUSD, LimitUserDailyUSD, user.ID, g.dailyReset(user.DailyReset)); err != nil {
		return fail(err)
	}

	// 10, 11: weekly USD
	if err := g.checkUsage(ctx, usageKey("key", key.ID, "weekly"), key.Limits.WeeklyUSD, LimitKeyWeeklyUSD, key.ID, g.weeklyReset()); err != nil {
		return fail(err)
	}
	if err := g.checkUsage(ctx, usageKey("user", user.ID, "weekly"), user.Limits.WeeklyUSD, LimitUserWeeklyUSD, user.ID, g.weeklyReset()); err != nil {
		return fail(err)
	}

	// 12, 13: monthly USD
	if err := g.checkUsage(ctx, usageKey("key", key.ID, "monthly"), key.Limits.MonthlyUSD, LimitKeyMonthlyUSD, key.ID, g.monthlyReset()); err != nil {
		return fail(err)
	}
	if err := g.checkUsage(ctx, usageKey("user", user.ID, "monthly"), user.Limits.MonthlyUSD, LimitUserMonthlyUSD, user.ID, g.monthlyReset()); err != nil {
		return fail(err)
	}

	release := func(ctx context.Context) {
		for i := len(reserved) - 1; i >= 0; i-- {
			reserved[i](ctx)
		}
	}
	return release, nil
}

// checkUsage compares a metered USD figure against a cap; zero cap means
// unlimited
func (g *Guard) checkUsage(ctx context.Context, storeKey string, limit float64, limitType, resourceID, resetTime string) error {
	if limit <= 0 {
		return nil
	}
	current, err := g.store.GetFloat(ctx, storeKey)
	if err != nil {
		return fmt.Errorf("rate limit store unavailable: %w", err)
	}
	if current >= limit {
		return &domain.RateLimitError{
			LimitType:  limitType,
			Current:    current,
			Limit:      limit,
			ResetTime:  resetTime,
			ResourceID: resourceID,
		}
	}
	return nil
}

// reservePair atomically reserves a member in the key scope and the user
// scope; partial reservations roll back so the pair admits or rejects as a
// unit
func (g *Guard) reservePair(ctx context.Context, keySet, userSet, member string, keyLimit, userLimit int64, limitType, keyID, userID string) ([]func(ctx context.Context), error) {
	var rels []func(ctx context.Context)

	ok, count, err := g.store.Reserve(ctx, keySet, member, keyLimit, g.reservationTTL)
	if err != nil {
		return nil, fmt.Errorf("rate limit store unavailable: %w", err)
	}
	if !ok {
		return nil, &domain.RateLimitError{
			LimitType:  limitType,
			Current:    float64(count),
			Limit:      float64(keyLimit),
			ResourceID: keyID,
		}
	}
	rels = append(rels, func(ctx context.Context) {
		if err := g.store.Release(ctx, keySet, member); err != nil {
			g.log.Warn("failed to release reservation", "set", keySet, "error", err)
		}
	})

	ok, count, err = g.store.Reserve(ctx, userSet, member, userLimit, g.reservationTTL)
	if err != nil {
		rels[0](ctx)
		return nil, fmt.Errorf("rate limit store unavailable: %w", err)
	}
	if !ok {
		rels[0](ctx)
		return nil, &domain.RateLimitError{
			LimitType:  limitType,
			Current:    float64(count),
			Limit:      float64(userLimit),
			ResourceID: userID,
		}
	}
	rels = append(rels, func(ctx context.Context) {
		if err := g.store.Release(ctx, userSet, member); err != nil {
			g.log.Warn("failed to release reservation", "set", userSet, "error", err)
		}
	})

	return rels, nil
}

func (g *Guard) dailyReset(policy domain.DailyReset) string {
	if policy.Mode == domain.ResetModeRolling {
		return ""
	}
	at := policy.At
	if at == "" {
		at = "00:00"
	}
	var hh, mm int
	if _, err := fmt.Sscanf(at, "%d:%d", &hh, &mm); err != nil {
		hh, mm = 0, 0
	}
	now := g.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Format(time.RFC3339)
}

func (g *Guard) weeklyReset() string {
	now := g.now().UTC()
	days := (int(time.Monday) - int(now.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	return next.Format(time.RFC3339)
}

func (g *Guard) monthlyReset() string {
	now := g.now().UTC()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return next.Format(time.RFC3339)
}

func usageKey(scope, id, window string) string {
	return fmt.Sprintf("usage:%s:%s:%s", scope, id, window)
}

func concKey(kind, scope, id string) string {
	return fmt.Sprintf("conc:%s:%s:%s", kind, scope, id)
}

func hashAgent(agent string) string {
	if agent == "" {
		agent = "unknown"
	}
	sum := sha256.Sum256([]byte(agent))
	return hex.EncodeToString(sum[:8])
}
