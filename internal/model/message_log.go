package model

import "time"

type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusCancelled MessageStatus = "cancelled"
)

func (s MessageStatus) String() string {
	return string(s)
}

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders provider-reported progress; failed/cancelled sit outside the ladder.
func (s MessageStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Advances reports whether a delivery report moving from s to next should be applied.
func (s MessageStatus) Advances(next MessageStatus) bool {
	switch next {
	case StatusFailed:
		return s == StatusQueued || s == StatusSent || s == StatusDelivered
	case StatusSent, StatusDelivered, StatusRead:
		return s.rank() >= 0 && next.rank() > s.rank()
	}
	return false
}

// MessageLog is one attempted send, created queued at schedule time.
type MessageLog struct {
	ID                string        `db:"id"`
	TenantID          int64         `db:"tenant_id"`
	CartID            string        `db:"cart_id"`
	TemplateID        int64         `db:"template_id"`
	Channel           Channel       `db:"channel"`
	ChannelRef        int64         `db:"channel_ref"` // instance id or credential id
	Phone             string        `db:"phone"`
	Status            MessageStatus `db:"status"`
	Content           string        `db:"content"`
	ExternalMessageID string        `db:"external_message_id"`
	Error             string        `db:"error"`
	ScheduledFor      time.Time     `db:"scheduled_for"`
	SentAt            *time.Time    `db:"sent_at"`
	DeliveredAt       *time.Time    `db:"delivered_at"`
	ReadAt            *time.Time    `db:"read_at"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

func (m *MessageLog) ChannelKey() ChannelKey {
	if m.Channel == ChannelOfficial {
		return OfficialKey(m.ChannelRef)
	}
	return UnofficialKey(m.ChannelRef)
}
