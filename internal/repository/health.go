package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmoiron/sqlx"
)

// QualityDelta is added atomically to the cumulative quality counters.
type QualityDelta struct {
	Delivered int64
	Read      int64
	Failed    int64
	Responses int64
	Blocks    int64
}

type HealthRepository interface {
	Get(ctx context.Context, key model.ChannelKey) (*model.HealthMetric, error)
	// Ensure creates the row if missing; an existing row is left untouched.
	Ensure(ctx context.Context, m model.HealthMetric) error
	AddQuality(ctx context.Context, key model.ChannelKey, d QualityDelta) error
	TouchSent(ctx context.Context, key model.ChannelKey, at time.Time) error
	// SaveSnapshot writes rolling counters and derived score/rating (last write wins).
	SaveSnapshot(ctx context.Context, m *model.HealthMetric) error
}

type HealthRepositoryImpl struct {
	db *sqlx.DB
}

func NewHealthRepository(db *sqlx.DB) *HealthRepositoryImpl {
	return &HealthRepositoryImpl{db: db}
}

var _ HealthRepository = (*HealthRepositoryImpl)(nil)

const healthColumns = `channel_key, tenant_id, sent_last_minute, sent_last_hour, sent_last_24h, sent_last_7days,
	failed_last_7days, delivered_last_7days, read_last_7days, delivered, read_count, failed,
	user_responses, user_blocks, health_score, quality_rating, current_tier, daily_limit,
	connected_at, last_message_sent_at, alerts, updated_at`

func (r *HealthRepositoryImpl) Get(ctx context.Context, key model.ChannelKey) (*model.HealthMetric, error) {
	var m model.HealthMetric
	err := r.db.GetContext(ctx, &m, `SELECT `+healthColumns+` FROM health_metrics WHERE channel_key = ? LIMIT 1`, key)
	if err != nil {
		return nil, noRows(err)
	}
	return &m, nil
}

func (r *HealthRepositoryImpl) Ensure(ctx context.Context, m model.HealthMetric) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT IGNORE INTO health_metrics
		    (channel_key, tenant_id, health_score, quality_rating, current_tier, daily_limit,
		     connected_at, alerts, updated_at)
		VALUES
		    (:channel_key, :tenant_id, :health_score, :quality_rating, :current_tier, :daily_limit,
		     :connected_at, :alerts, :updated_at)
	`, m)
	return err
}

func (r *HealthRepositoryImpl) AddQuality(ctx context.Context, key model.ChannelKey, d QualityDelta) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE health_metrics
		SET delivered = delivered + ?,
		    read_count = read_count + ?,
		    failed = failed + ?,
		    user_responses = user_responses + ?,
		    user_blocks = user_blocks + ?,
		    updated_at = NOW()
		WHERE channel_key = ?
	`, d.Delivered, d.Read, d.Failed, d.Responses, d.Blocks, key)
	return err
}

func (r *HealthRepositoryImpl) TouchSent(ctx context.Context, key model.ChannelKey, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE health_metrics
		SET last_message_sent_at = GREATEST(COALESCE(last_message_sent_at, ?), ?), updated_at = NOW()
		WHERE channel_key = ?
	`, at, at, key)
	return err
}

func (r *HealthRepositoryImpl) SaveSnapshot(ctx context.Context, m *model.HealthMetric) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE health_metrics
		SET sent_last_minute = :sent_last_minute,
		    sent_last_hour = :sent_last_hour,
		    sent_last_24h = :sent_last_24h,
		    sent_last_7days = :sent_last_7days,
		    failed_last_7days = :failed_last_7days,
		    delivered_last_7days = :delivered_last_7days,
		    read_last_7days = :read_last_7days,
		    health_score = :health_score,
		    quality_rating = :quality_rating,
		    daily_limit = :daily_limit,
		    alerts = :alerts,
		    updated_at = :updated_at
		WHERE channel_key = :channel_key
	`, m)
	return err
}
