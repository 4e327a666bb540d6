package model

import (
	"fmt"
	"strings"
	"time"
)

// Channel is the sending path for a message.
type Channel string

const (
	ChannelUnofficial Channel = "unofficial"
	ChannelOfficial   Channel = "official"
)

func (c Channel) String() string { return string(c) }

// ParseChannel normalizes input; empty => unofficial.
// Returns (value, true) if valid; otherwise (unofficial, false).
func ParseChannel(s string) (Channel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unofficial":
		return ChannelUnofficial, true
	case "official":
		return ChannelOfficial, true
	default:
		return ChannelUnofficial, false
	}
}

func (c Channel) Valid() bool {
	return c == ChannelUnofficial || c == ChannelOfficial
}

// ChannelKey identifies one sending endpoint for health and rate-limit bookkeeping.
type ChannelKey string

func UnofficialKey(instanceID int64) ChannelKey {
	return ChannelKey(fmt.Sprintf("inst-%d", instanceID))
}

func OfficialKey(credentialID int64) ChannelKey {
	return ChannelKey(fmt.Sprintf("official-%d", credentialID))
}

func (k ChannelKey) String() string { return string(k) }

type InstanceStatus string

const (
	InstanceConnected    InstanceStatus = "connected"
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceDisconnected InstanceStatus = "disconnected"
)

// ChannelInstance is one unofficial bridge session (Evolution API instance).
type ChannelInstance struct {
	ID           int64          `db:"id"`
	TenantID     int64          `db:"tenant_id"`
	InstanceName string         `db:"instance_name"`
	Phone        string         `db:"phone"`
	Status       InstanceStatus `db:"status"`
	ConnectedAt  *time.Time     `db:"connected_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (i *ChannelInstance) Connected() bool {
	return i != nil && i.Status == InstanceConnected
}

func (i *ChannelInstance) Key() ChannelKey { return UnofficialKey(i.ID) }

// OfficialCredential holds a tenant's WhatsApp Cloud API number.
type OfficialCredential struct {
	ID            int64     `db:"id"`
	TenantID      int64     `db:"tenant_id"`
	WabaID        string    `db:"waba_id"`
	PhoneNumberID string    `db:"phone_number_id"`
	AccessToken   string    `db:"access_token"`
	APIVersion    string    `db:"api_version"`
	Tier          string    `db:"tier"` // TIER_1K | TIER_10K | TIER_100K | TIER_UNLIMITED
	IsActive      bool      `db:"is_active"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (c *OfficialCredential) Valid() bool {
	return c != nil && c.IsActive && c.PhoneNumberID != "" && c.AccessToken != ""
}

func (c *OfficialCredential) Key() ChannelKey { return OfficialKey(c.ID) }

// TierDailyLimit maps a provider messaging tier to its daily business-initiated cap.
func TierDailyLimit(tier string, fallback int) int {
	switch strings.ToUpper(strings.TrimSpace(tier)) {
	case "TIER_250":
		return 250
	case "TIER_1K":
		return 1000
	case "TIER_10K":
		return 10000
	case "TIER_100K":
		return 100000
	case "TIER_UNLIMITED":
		return 1 << 30
	default:
		return fallback
	}
}
