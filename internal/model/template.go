package model

import "time"

const TriggerAbandonedCart = "abandoned_cart"

type ProviderStatus string

const (
	ProviderApproved ProviderStatus = "APPROVED"
	ProviderPending  ProviderStatus = "PENDING"
	ProviderRejected ProviderStatus = "REJECTED"
)

// Template is a tenant-configured recovery message sent DelayMinutes after cart creation.
// Official templates are referenced by provider Name/Language and must be approved;
// unofficial templates carry free-form Content with named placeholders.
type Template struct {
	ID             int64          `db:"id"`
	TenantID       int64          `db:"tenant_id"`
	Channel        Channel        `db:"channel"`
	Name           string         `db:"name"`
	Language       string         `db:"language"`
	Content        string         `db:"content"`
	Trigger        string         `db:"trigger_event"`
	DelayMinutes   int            `db:"delay_minutes"`
	IsActive       bool           `db:"is_active"`
	ProviderStatus ProviderStatus `db:"provider_status"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (t *Template) Approved() bool {
	return t != nil && t.ProviderStatus == ProviderApproved
}

// Sendable reports whether a template may be used on its channel right now.
func (t *Template) Sendable() bool {
	if t == nil || !t.IsActive {
		return false
	}
	if t.Channel == ChannelOfficial {
		return t.Approved()
	}
	return true
}

func (t *Template) Delay() time.Duration {
	return time.Duration(t.DelayMinutes) * time.Minute
}
