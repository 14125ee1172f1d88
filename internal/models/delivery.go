package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryInFlight DeliveryStatus = "in_flight"
	DeliveryOK       DeliveryStatus = "delivered"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryDead     DeliveryStatus = "permanently_failed"
)

// Terminal reports whether the status admits no further transitions.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryOK || s == DeliveryDead
}

type Delivery struct {
	ID        string          `json:"id"`
	WebhookID string          `json:"webhook_id"`
	OwnerID   string          `json:"owner_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    DeliveryStatus  `json:"status"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	// Lease expiry for a claimed (in_flight) delivery. A worker that
	// crashes mid-delivery leaves the row reclaimable once this passes.
	ClaimExpiresAt *time.Time `json:"-"`

	ResponseStatus int    `json:"response_status,omitempty"`
	ResponseBody   string `json:"response_body,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
}
