package models

import "time"

type WebhookStatus string

const (
	WebhookActive   WebhookStatus = "active"
	WebhookPaused   WebhookStatus = "paused"
	WebhookDisabled WebhookStatus = "disabled"
)

// Valid reports whether s is one of the three known webhook states.
// Status is a closed set; every transition site switches exhaustively on it.
func (s WebhookStatus) Valid() bool {
	switch s {
	case WebhookActive, WebhookPaused, WebhookDisabled:
		return true
	}
	return false
}

type Webhook struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	URL         string        `json:"url"`
	Secret      string        `json:"secret,omitempty"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Events      []string      `json:"events"`
	Status      WebhookStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// Delivery statistics. Counters are incremented atomically in the
	// store so concurrent executors never lose updates.
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	ConsecutiveFailures  int64      `json:"consecutive_failures"`
	LastDeliveryAt       *time.Time `json:"last_delivery_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
}

// SubscribedTo reports whether the webhook subscribes to eventType.
func (w *Webhook) SubscribedTo(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe for listing responses. The secret is shown
// in full only on creation and rotation.
func (w Webhook) Redacted() Webhook {
	w.Secret = ""
	return w
}
