package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/hookrelay/internal/models"
)

// ErrDuplicate is returned when an insert violates a uniqueness constraint,
// in particular the (owner_id, url) pair on webhooks.
var ErrDuplicate = errors.New("duplicate record")

type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByAPIKey(ctx context.Context, apiKey string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	UpdateAccountAPIKey(ctx context.Context, id, newKey string) error
	DeleteAccount(ctx context.Context, id string) error

	// Webhooks
	CreateWebhook(ctx context.Context, w *models.Webhook) error
	GetWebhook(ctx context.Context, id, ownerID string) (*models.Webhook, error)
	GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, ownerID string, includeDisabled bool) ([]models.Webhook, error)
	CountWebhooks(ctx context.Context, ownerID string) (int, error)
	UpdateWebhook(ctx context.Context, w *models.Webhook) error
	DeleteWebhook(ctx context.Context, id, ownerID string) (bool, error)
	UpdateWebhookSecret(ctx context.Context, id, ownerID, secret string) (bool, error)
	FindSubscribed(ctx context.Context, ownerID, eventType string) ([]models.Webhook, error)

	// Webhook delivery statistics. Implemented as atomic increments so
	// they stay correct under concurrent executors.
	RecordWebhookSuccess(ctx context.Context, id string, at time.Time) error
	RecordWebhookFailure(ctx context.Context, id, lastError string, at time.Time) error
	DisableWebhook(ctx context.Context, id string) error

	// Deliveries
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, webhookID, ownerID string, limit int) ([]models.Delivery, error)
	GetDueDeliveries(ctx context.Context, limit int) ([]models.Delivery, error)

	// ClaimDelivery conditionally moves a delivery into in_flight with a
	// lease. It reports false if another worker holds the delivery or it
	// is already terminal.
	ClaimDelivery(ctx context.Context, id string, leaseUntil time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id string, at time.Time, responseStatus int, durationMs int64) error
	MarkFailed(ctx context.Context, id string, nextRetryAt time.Time, responseStatus int, responseBody, errMsg string, durationMs int64) error
	MarkDead(ctx context.Context, id string, responseStatus int, responseBody, errMsg string, durationMs int64) error

	// Stats
	GetStats(ctx context.Context, ownerID string) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalWebhooks     int64   `json:"total_webhooks"`
	ActiveWebhooks    int64   `json:"active_webhooks"`
	TotalDeliveries   int64   `json:"total_deliveries"`
	Delivered         int64   `json:"delivered"`
	PermanentlyFailed int64   `json:"permanently_failed"`
	Pending           int64   `json:"pending"`
	SuccessRate       float64 `json:"success_rate"`
}
