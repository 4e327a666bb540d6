package model

import "time"

// NewCartFact is produced by storefront webhooks/pollers when a checkout is abandoned.
type NewCartFact struct {
	TenantID           int64      `json:"tenant_id" validate:"required,gt=0"`
	StoreIntegrationID int64      `json:"store_integration_id"`
	ExternalCartID     string     `json:"external_cart_id" validate:"required"`
	CustomerName       string     `json:"customer_name"`
	CustomerEmail      string     `json:"customer_email" validate:"omitempty,email"`
	CustomerPhone      string     `json:"customer_phone" validate:"required"`
	CartURL            string     `json:"cart_url" validate:"omitempty,url"`
	TotalValue         float64    `json:"total_value" validate:"gte=0"`
	Items              []CartItem `json:"items" validate:"dive"`
}

// OrderCreatedFact matches pending carts by phone or email within the tenant.
type OrderCreatedFact struct {
	TenantID           int64  `json:"tenant_id" validate:"required,gt=0"`
	StoreIntegrationID int64  `json:"store_integration_id"`
	ExternalOrderID    string `json:"external_order_id"`
	CustomerPhone      string `json:"customer_phone" validate:"required_without=CustomerEmail"`
	CustomerEmail      string `json:"customer_email" validate:"required_without=CustomerPhone,omitempty,email"`
}

type DeliveryEvent string

const (
	EventSent      DeliveryEvent = "sent"
	EventDelivered DeliveryEvent = "delivered"
	EventRead      DeliveryEvent = "read"
	EventFailed    DeliveryEvent = "failed"
	EventBlocked   DeliveryEvent = "blocked"
	EventReplied   DeliveryEvent = "replied"
)

// DeliveryStatusFact is a provider report keyed by external message id.
type DeliveryStatusFact struct {
	ExternalMessageID string        `json:"external_message_id" validate:"required"`
	Event             DeliveryEvent `json:"event" validate:"required,oneof=sent delivered read failed blocked replied"`
	Error             string        `json:"error"`
	At                time.Time     `json:"at"`
}
