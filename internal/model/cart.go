package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type CartStatus string

const (
	CartPending    CartStatus = "pending"
	CartProcessing CartStatus = "processing"
	CartRecovered  CartStatus = "recovered"
	CartCompleted  CartStatus = "completed"
	CartExpired    CartStatus = "expired"
	CartCancelled  CartStatus = "cancelled"
)

func (s CartStatus) String() string { return string(s) }

func (s CartStatus) Valid() bool {
	switch s {
	case CartPending, CartProcessing, CartRecovered, CartCompleted, CartExpired, CartCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further messages may be sent for a cart in this state.
func (s CartStatus) Terminal() bool {
	switch s {
	case CartRecovered, CartCompleted, CartExpired, CartCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to CartStatus) bool {
	if from == to || !to.Valid() || to == CartPending {
		return false
	}
	switch from {
	case CartPending:
		return true
	case CartProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// CartItem is one line of the abandoned checkout.
type CartItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	SKU      string  `json:"sku,omitempty"`
}

// CartItems is stored as a JSON column.
type CartItems []CartItem

func (c CartItems) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

func (c *CartItems) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("cart items: unsupported column type")
	}
	return json.Unmarshal(b, c)
}

// AbandonedCart is one checkout abandonment, unique per (tenant, external cart id).
type AbandonedCart struct {
	ID                 string     `db:"id"`
	TenantID           int64      `db:"tenant_id"`
	StoreIntegrationID int64      `db:"store_integration_id"`
	ExternalCartID     string     `db:"external_cart_id"`
	CustomerName       string     `db:"customer_name"`
	CustomerEmail      string     `db:"customer_email"`
	CustomerPhone      string     `db:"customer_phone"`
	CartURL            string     `db:"cart_url"`
	TotalValue         float64    `db:"total_value"`
	Items              CartItems  `db:"items"`
	Status             CartStatus `db:"status"`
	StatusReason       string     `db:"status_reason"`
	ExpiresAt          time.Time  `db:"expires_at"`
	RecoveredAt        *time.Time `db:"recovered_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}
