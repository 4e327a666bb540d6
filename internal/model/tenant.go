package model

import "time"

// Tenant is a store owner account with its monthly message quota.
type Tenant struct {
	ID            int64     `db:"id"`
	Name          string    `db:"name"`
	APIKey        string    `db:"api_key"`
	Status        string    `db:"status"`         // active|suspended
	RateLimitRPS  *int      `db:"rate_limit_rps"` // nullable
	MessagesUsed  int64     `db:"messages_used"`
	MessagesLimit int64     `db:"messages_limit"` // 0 = unlimited
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (t *Tenant) QuotaExhausted() bool {
	return t.MessagesLimit > 0 && t.MessagesUsed >= t.MessagesLimit
}
