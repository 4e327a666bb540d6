// Package ratelimit decides whether a channel may send right now. Decisions are
// read-only; counters move only through RecordSend.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/metrics"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
)

type Reason string

const (
	ReasonOutsideHours  Reason = "outside_allowed_hours"
	ReasonQualityPaused Reason = "quality_paused"
	ReasonPerMinute     Reason = "per_minute_limit"
	ReasonPerHour       Reason = "per_hour_limit"
	ReasonPerDay        Reason = "per_day_limit"
	ReasonMinDelay      Reason = "min_delay"
	ReasonWarmup        Reason = "warmup_limit"
	ReasonFailureRate   Reason = "high_failure_rate"
)

// failureRateCeiling is the trailing-week failed/sent ratio above which sending stops.
const failureRateCeiling = 0.30

// Decision is the limiter's verdict for one send. RetryAfter is zero when waiting will not help.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	Current    int64
	Limit      int64
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r Reason, retry time.Duration, cur, limit int64) Decision {
	return Decision{Reason: r, RetryAfter: retry, Current: cur, Limit: limit}
}

// Health is the part of the health store the limiter reads and feeds.
type Health interface {
	Snapshot(ctx context.Context, key model.ChannelKey, now time.Time) (*model.HealthMetric, error)
	RecordSend(ctx context.Context, key model.ChannelKey, now time.Time) error
}

// ContentLog counts earlier sends of the same text.
type ContentLog interface {
	CountIdenticalSince(ctx context.Context, tenantID int64, content string, since time.Time) (int, error)
}

type Limiter struct {
	configs  repository.RateLimitConfigRepository
	health   Health
	content  ContentLog
	defaults config.RateLimitConfig
	loc      *time.Location
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(configs repository.RateLimitConfigRepository, h Health, content ContentLog, defaults config.RateLimitConfig, log *zap.Logger, opts ...Option) *Limiter {
	loc := time.UTC
	if defaults.Timezone != "" {
		if l, err := time.LoadLocation(defaults.Timezone); err == nil {
			loc = l
		} else {
			log.Warn("unknown rate limit timezone, using UTC", zap.String("timezone", defaults.Timezone), zap.Error(err))
		}
	}
	l := &Limiter{
		configs:  configs,
		health:   h,
		content:  content,
		defaults: defaults,
		loc:      loc,
		now:      time.Now,
		log:      log,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Policy returns the tenant's resolved policy, creating its config row on first access.
func (l *Limiter) Policy(ctx context.Context, tenantID int64) (Policy, error) {
	c, err := l.configs.GetOrCreate(ctx, tenantID)
	if err != nil {
		return Policy{}, fmt.Errorf("load rate limit config: %w", err)
	}
	return Resolve(c, l.defaults), nil
}

// CanSend evaluates the checks in a fixed order; the first failing check decides.
func (l *Limiter) CanSend(ctx context.Context, tenantID int64, key model.ChannelKey) (Decision, error) {
	p, err := l.Policy(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()
	m, err := l.health.Snapshot(ctx, key, now)
	if err != nil {
		return Decision{}, err
	}

	d := l.decide(p, m, now)
	if !d.Allowed {
		metrics.RateLimitDenials.WithLabelValues(string(d.Reason)).Inc()
		l.log.Debug("send denied",
			zap.Int64("tenant_id", tenantID),
			zap.String("channel", key.String()),
			zap.String("reason", string(d.Reason)),
			zap.Duration("retry_after", d.RetryAfter),
			zap.Int64("current", d.Current),
			zap.Int64("limit", d.Limit))
	}
	return d, nil
}

func (l *Limiter) decide(p Policy, m *model.HealthMetric, now time.Time) Decision {
	days := m.DaysSinceConnection(now)
	ramp, inRamp := WarmupDailyLimit(days, p.WarmupDailyIncrease)
	warming := p.WarmupEnabled && inRamp

	// 1. allowed hours
	if p.EnforceAllowedHours {
		local := now.In(l.loc)
		if !p.withinHours(local.Hour()) {
			return deny(ReasonOutsideHours, untilHour(local, p.AllowedHoursStart), int64(local.Hour()), int64(p.AllowedHoursStart))
		}
	}

	// 2. quality pause
	if p.AutoPauseOnLowQuality && m.QualityRating == model.QualityFlagged {
		return deny(ReasonQualityPaused, 0, int64(m.HealthScore), 0)
	}

	// 3. minute
	if c := int64(p.minuteCap(warming)); m.SentLastMinute >= c {
		return deny(ReasonPerMinute, now.Truncate(time.Minute).Add(time.Minute).Sub(now), m.SentLastMinute, c)
	}

	// 4. hour
	if c := int64(p.hourCap(warming)); m.SentLastHour >= c {
		return deny(ReasonPerHour, now.Truncate(time.Hour).Add(time.Hour).Sub(now), m.SentLastHour, c)
	}

	// 5. day
	dayCap := int64(m.DailyLimit)
	switch {
	case p.DayOverride > 0:
		dayCap = int64(p.DayOverride)
	case warming:
		dayCap = int64(ramp)
	}
	if dayCap > 0 && m.SentLast24h >= dayCap {
		return deny(ReasonPerDay, untilMidnightUTC(now), m.SentLast24h, dayCap)
	}

	// 6. spacing
	if p.MinDelay > 0 && m.LastMessageSentAt != nil {
		if since := now.Sub(*m.LastMessageSentAt); since < p.MinDelay {
			return deny(ReasonMinDelay, p.MinDelay-since, int64(since/time.Second), int64(p.MinDelay/time.Second))
		}
	}

	// 7. warm-up ramp, even when the day cap is overridden
	if warming && m.SentLast24h >= int64(ramp) {
		return deny(ReasonWarmup, untilMidnightUTC(now), m.SentLast24h, int64(ramp))
	}

	// 8. failure guard
	if m.SentLast7Days > 0 && m.SentLast7Days >= int64(p.FailureGuardMinSample) &&
		float64(m.FailedLast7Days)/float64(m.SentLast7Days) > failureRateCeiling {
		return deny(ReasonFailureRate, 0, m.FailedLast7Days, m.SentLast7Days)
	}

	return allow()
}

// RecordSend counts a send that is about to be attempted.
func (l *Limiter) RecordSend(ctx context.Context, key model.ChannelKey) error {
	return l.health.RecordSend(ctx, key, l.now())
}

// untilHour is the wait from local time t to the next occurrence of hour h.
func untilHour(t time.Time, h int) time.Duration {
	next := time.Date(t.Year(), t.Month(), t.Day(), h, 0, 0, 0, t.Location())
	if !next.After(t) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(t)
}

// untilMidnightUTC matches the day buckets of the counter store.
func untilMidnightUTC(t time.Time) time.Duration {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1).Sub(u)
}
