package model

import "time"

// RateLimitConfig is a tenant's policy overrides; nil fields fall back to system defaults.
type RateLimitConfig struct {
	TenantID                   int64     `db:"tenant_id"`
	MaxPerMinute               *int      `db:"max_per_minute"`
	MaxPerHour                 *int      `db:"max_per_hour"`
	MaxPerDay                  *int      `db:"max_per_day"`
	MinDelaySeconds            *int      `db:"min_delay_seconds"`
	WarmupEnabled              *bool     `db:"warmup_enabled"`
	WarmupDailyIncrease        *int      `db:"warmup_daily_increase"`
	EnforceAllowedHours        *bool     `db:"enforce_allowed_hours"`
	AllowedHoursStart          *int      `db:"allowed_hours_start"`
	AllowedHoursEnd            *int      `db:"allowed_hours_end"`
	AutoPauseOnLowQuality      *bool     `db:"auto_pause_on_low_quality"`
	TemplateOnly               *bool     `db:"template_only"`
	EnablePersonalizationCheck *bool     `db:"enable_personalization_check"`
	MaxIdenticalMessages       *int      `db:"max_identical_messages"`
	CreatedAt                  time.Time `db:"created_at"`
	UpdatedAt                  time.Time `db:"updated_at"`
}
