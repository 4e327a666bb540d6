package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type QualityRating string

const (
	QualityHigh    QualityRating = "high"
	QualityMedium  QualityRating = "medium"
	QualityLow     QualityRating = "low"
	QualityFlagged QualityRating = "flagged"
)

// HealthAlert is a notable health transition kept on the metric row.
type HealthAlert struct {
	Kind    string    `json:"kind"` // rating_changed | blocked | failure_rate
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// HealthAlerts is stored as a JSON column, newest last.
type HealthAlerts []HealthAlert

const maxAlerts = 20

// Append adds an alert and keeps only the most recent entries.
func (a HealthAlerts) Append(al HealthAlert) HealthAlerts {
	out := append(a, al)
	if len(out) > maxAlerts {
		out = out[len(out)-maxAlerts:]
	}
	return out
}

func (a HealthAlerts) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *HealthAlerts) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("health alerts: unsupported column type")
	}
	return json.Unmarshal(b, a)
}

// HealthMetric is the per-channel health row. Score and rating are derived, never user-set.
type HealthMetric struct {
	ChannelKey         ChannelKey    `db:"channel_key"`
	TenantID           int64         `db:"tenant_id"`
	SentLastMinute     int64         `db:"sent_last_minute"`
	SentLastHour       int64         `db:"sent_last_hour"`
	SentLast24h        int64         `db:"sent_last_24h"`
	SentLast7Days      int64         `db:"sent_last_7days"`
	FailedLast7Days    int64         `db:"failed_last_7days"`
	DeliveredLast7Days int64         `db:"delivered_last_7days"`
	ReadLast7Days      int64         `db:"read_last_7days"`
	Delivered          int64         `db:"delivered"`
	Read               int64         `db:"read_count"`
	Failed             int64         `db:"failed"`
	UserResponses      int64         `db:"user_responses"`
	UserBlocks         int64         `db:"user_blocks"`
	HealthScore        int           `db:"health_score"`
	QualityRating      QualityRating `db:"quality_rating"`
	CurrentTier        string        `db:"current_tier"`
	DailyLimit         int           `db:"daily_limit"`
	ConnectedAt        time.Time     `db:"connected_at"`
	LastMessageSentAt  *time.Time    `db:"last_message_sent_at"`
	Alerts             HealthAlerts  `db:"alerts"`
	UpdatedAt          time.Time     `db:"updated_at"`
}

// DaysSinceConnection counts whole days elapsed since the channel connected.
func (h *HealthMetric) DaysSinceConnection(now time.Time) int {
	if h.ConnectedAt.IsZero() || now.Before(h.ConnectedAt) {
		return 0
	}
	return int(now.Sub(h.ConnectedAt) / (24 * time.Hour))
}

// WarmupDays is the length of the ramp; past it a channel uses its tier limit.
const WarmupDays = 21

func (h *HealthMetric) IsWarmingUp(now time.Time) bool {
	return h.DaysSinceConnection(now) <= WarmupDays
}
