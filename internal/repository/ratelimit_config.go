package repository

import (
	"context"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmoiron/sqlx"
)

type RateLimitConfigRepository interface {
	// GetOrCreate returns the tenant's overrides, creating an all-defaults row on first access.
	GetOrCreate(ctx context.Context, tenantID int64) (*model.RateLimitConfig, error)
}

type RateLimitConfigRepositoryImpl struct {
	db *sqlx.DB
}

func NewRateLimitConfigRepository(db *sqlx.DB) *RateLimitConfigRepositoryImpl {
	return &RateLimitConfigRepositoryImpl{db: db}
}

var _ RateLimitConfigRepository = (*RateLimitConfigRepositoryImpl)(nil)

func (r *RateLimitConfigRepositoryImpl) GetOrCreate(ctx context.Context, tenantID int64) (*model.RateLimitConfig, error) {
	var c model.RateLimitConfig
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT IGNORE INTO rate_limit_configs (tenant_id, created_at, updated_at)
			VALUES (?, NOW(), NOW())
		`, tenantID); err != nil {
			return err
		}
		return tx.GetContext(ctx, &c, `
			SELECT tenant_id, max_per_minute, max_per_hour, max_per_day, min_delay_seconds,
			       warmup_enabled, warmup_daily_increase, enforce_allowed_hours, allowed_hours_start,
			       allowed_hours_end, auto_pause_on_low_quality, template_only,
			       enable_personalization_check, max_identical_messages, created_at, updated_at
			  FROM rate_limit_configs
			 WHERE tenant_id = ?
		`, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
