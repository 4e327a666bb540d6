// Package health keeps per-channel rolling send counters and the derived health score
// the rate limiter consults.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/metrics"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
)

var ErrUnknownChannel = errors.New("health: channel has no metric row")

type Store struct {
	repo            repository.HealthRepository
	counters        Counters
	thresholds      Thresholds
	defaultDailyCap int
	log             *zap.Logger
}

func NewStore(repo repository.HealthRepository, counters Counters, th Thresholds, defaultDailyCap int, log *zap.Logger) *Store {
	if defaultDailyCap <= 0 {
		defaultDailyCap = 1000
	}
	return &Store{
		repo:            repo,
		counters:        counters,
		thresholds:      th,
		defaultDailyCap: defaultDailyCap,
		log:             log,
	}
}

// EnsureChannel creates the channel's metric row on first connect; later calls are no-ops.
func (s *Store) EnsureChannel(ctx context.Context, tenantID int64, key model.ChannelKey, tier string, connectedAt, now time.Time) error {
	if connectedAt.IsZero() {
		connectedAt = now
	}
	return s.repo.Ensure(ctx, model.HealthMetric{
		ChannelKey:    key,
		TenantID:      tenantID,
		HealthScore:   100,
		QualityRating: model.QualityHigh,
		CurrentTier:   tier,
		DailyLimit:    model.TierDailyLimit(tier, s.defaultDailyCap),
		ConnectedAt:   connectedAt,
		UpdatedAt:     now,
	})
}

// RecordSend counts one attempted send. Call it only when a send is really attempted.
func (s *Store) RecordSend(ctx context.Context, key model.ChannelKey, now time.Time) error {
	if err := s.counters.IncrSent(ctx, key, now); err != nil {
		return fmt.Errorf("incr sent: %w", err)
	}
	return s.repo.TouchSent(ctx, key, now)
}

func (s *Store) RecordFailure(ctx context.Context, key model.ChannelKey, now time.Time) error {
	if err := s.counters.Incr(ctx, key, MetricFailed, now); err != nil {
		return fmt.Errorf("incr failed: %w", err)
	}
	return s.repo.AddQuality(ctx, key, repository.QualityDelta{Failed: 1})
}

// RecordDelivery counts provider-confirmed progress; read implies nothing about delivered,
// callers report each step they observe.
func (s *Store) RecordDelivery(ctx context.Context, key model.ChannelKey, st model.MessageStatus, now time.Time) error {
	var (
		m Metric
		d repository.QualityDelta
	)
	switch st {
	case model.StatusDelivered:
		m, d = MetricDelivered, repository.QualityDelta{Delivered: 1}
	case model.StatusRead:
		m, d = MetricRead, repository.QualityDelta{Read: 1}
	default:
		return fmt.Errorf("record delivery: unexpected status %q", st)
	}
	if err := s.counters.Incr(ctx, key, m, now); err != nil {
		return fmt.Errorf("incr %s: %w", m, err)
	}
	return s.repo.AddQuality(ctx, key, d)
}

func (s *Store) RecordBlock(ctx context.Context, key model.ChannelKey) error {
	return s.repo.AddQuality(ctx, key, repository.QualityDelta{Blocks: 1})
}

func (s *Store) RecordResponse(ctx context.Context, key model.ChannelKey) error {
	return s.repo.AddQuality(ctx, key, repository.QualityDelta{Responses: 1})
}

// Snapshot returns the stored row with its rolling counters refreshed from the counter store.
func (s *Store) Snapshot(ctx context.Context, key model.ChannelKey, now time.Time) (*model.HealthMetric, error) {
	m, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrUnknownChannel
	}
	w, err := s.counters.Window(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	applyWindow(m, w)
	return m, nil
}

// Recompute derives score and rating from the current counters and persists the snapshot.
func (s *Store) Recompute(ctx context.Context, key model.ChannelKey, now time.Time) (*model.HealthMetric, error) {
	m, err := s.Snapshot(ctx, key, now)
	if err != nil {
		return nil, err
	}
	w := windowOf(m)

	prev := m.QualityRating
	m.HealthScore = Score(w, m.UserBlocks)
	m.QualityRating = Rate(m.HealthScore, m.UserBlocks, s.thresholds)
	m.DailyLimit = model.TierDailyLimit(m.CurrentTier, s.defaultDailyCap)
	m.UpdatedAt = now

	if prev != "" && prev != m.QualityRating {
		m.Alerts = m.Alerts.Append(model.HealthAlert{
			Kind:    "rating_changed",
			Message: fmt.Sprintf("quality rating %s -> %s (score %d)", prev, m.QualityRating, m.HealthScore),
			At:      now,
		})
		s.log.Warn("channel quality changed",
			zap.String("channel", key.String()),
			zap.String("from", string(prev)),
			zap.String("to", string(m.QualityRating)),
			zap.Int("score", m.HealthScore))
	}

	if err := s.repo.SaveSnapshot(ctx, m); err != nil {
		return nil, err
	}
	metrics.HealthScore.WithLabelValues(key.String()).Set(float64(m.HealthScore))
	return m, nil
}

func applyWindow(m *model.HealthMetric, w Window) {
	m.SentLastMinute = w.SentMinute
	m.SentLastHour = w.SentHour
	m.SentLast24h = w.SentDay
	m.SentLast7Days = w.Sent7d
	m.FailedLast7Days = w.Failed7d
	m.DeliveredLast7Days = w.Delivered7d
	m.ReadLast7Days = w.Read7d
}

func windowOf(m *model.HealthMetric) Window {
	return Window{
		SentMinute:  m.SentLastMinute,
		SentHour:    m.SentLastHour,
		SentDay:     m.SentLast24h,
		Sent7d:      m.SentLast7Days,
		Failed7d:    m.FailedLast7Days,
		Delivered7d: m.DeliveredLast7Days,
		Read7d:      m.ReadLast7Days,
	}
}
