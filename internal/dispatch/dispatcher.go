// Package dispatch matches emitted domain events to subscribed webhooks and
// materializes delivery records for the executor to pick up.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

type Dispatcher struct {
	store storage.Store
	cfg   config.WebhooksConfig
	log   zerolog.Logger
}

func New(store storage.Store, cfg config.WebhooksConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, cfg: cfg, log: log}
}

// Dispatch creates one pending delivery per active webhook of ownerID that
// subscribes to eventType. An empty result is not an error: it means the
// feature is disabled or nothing matched. Delivery failures never propagate
// back to the event producer.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, ownerID string, payload json.RawMessage) ([]string, error) {
	if !d.cfg.Enabled {
		return nil, nil
	}

	webhooks, err := d.store.FindSubscribed(ctx, ownerID, eventType)
	if err != nil {
		return nil, fmt.Errorf("find subscribed webhooks: %w", err)
	}
	if len(webhooks) == 0 {
		return nil, nil
	}

	deliveryIDs := make([]string, 0, len(webhooks))
	for i := range webhooks {
		id, err := d.CreateDelivery(ctx, &webhooks[i], eventType, payload)
		if err != nil {
			return deliveryIDs, err
		}
		deliveryIDs = append(deliveryIDs, id)
	}

	d.log.Info().
		Str("event", eventType).
		Str("owner_id", ownerID).
		Int("webhook_count", len(webhooks)).
		Msg("event dispatched to webhooks")

	return deliveryIDs, nil
}

// CreateDelivery materializes a single pending delivery, immediately due.
// Also used by the test endpoint to build synthetic deliveries.
func (d *Dispatcher) CreateDelivery(ctx context.Context, w *models.Webhook, eventType string, payload json.RawMessage) (string, error) {
	now := time.Now().UTC()
	delivery := &models.Delivery{
		ID:          models.NewID("dlv"),
		WebhookID:   w.ID,
		OwnerID:     w.OwnerID,
		EventType:   eventType,
		Payload:     payload,
		Status:      models.DeliveryPending,
		Attempts:    0,
		MaxAttempts: d.cfg.MaxAttempts,
		CreatedAt:   now,
		NextRetryAt: &now,
	}

	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return "", fmt.Errorf("create delivery: %w", err)
	}
	return delivery.ID, nil
}
