package model

import "time"

// SendJob is the payload of send-message / send-official-message jobs.
type SendJob struct {
	TenantID   int64   `json:"tenant_id"`
	CartID     string  `json:"cart_id"`
	LogID      string  `json:"log_id"`
	TemplateID int64   `json:"template_id"`
	Channel    Channel `json:"channel"`
}

// CheckJob is the payload of check-recovered jobs.
type CheckJob struct {
	TenantID int64  `json:"tenant_id"`
	CartID   string `json:"cart_id"`
}

// MaintenanceJob is the payload of recurring maintenance jobs.
type MaintenanceJob struct {
	Task string `json:"task"` // expire-carts | reset-quota
}

// OutcomeEvent is published after each dispatch decision for analytics.
type OutcomeEvent struct {
	LogID    string        `json:"log_id"`
	CartID   string        `json:"cart_id"`
	TenantID int64         `json:"tenant_id"`
	Channel  Channel       `json:"channel"`
	Status   MessageStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}
