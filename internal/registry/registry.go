// Package registry owns the webhook registration lifecycle: creation under
// quota and URL policy, lookup, mutation, secret rotation, and deletion.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

var (
	ErrQuotaExceeded   = errors.New("webhook quota exceeded")
	ErrPolicyViolation = errors.New("webhook policy violation")
	ErrDuplicateURL    = errors.New("webhook already registered for this url")
	ErrNotFound        = errors.New("webhook not found")
)

type Registry struct {
	store storage.Store
	cfg   config.WebhooksConfig
	log   zerolog.Logger
}

func New(store storage.Store, cfg config.WebhooksConfig, log zerolog.Logger) *Registry {
	return &Registry{store: store, cfg: cfg, log: log}
}

type CreateParams struct {
	URL         string
	Events      []string
	Name        string
	Description string
}

// UpdateParams carries a partial update. Nil fields are left unchanged.
type UpdateParams struct {
	URL         *string
	Name        *string
	Description *string
	Events      []string
	Status      *models.WebhookStatus
}

func (r *Registry) Create(ctx context.Context, ownerID string, p CreateParams) (*models.Webhook, error) {
	count, err := r.store.CountWebhooks(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count webhooks: %w", err)
	}
	if count >= r.cfg.MaxPerOwner {
		return nil, fmt.Errorf("%w: maximum %d webhooks", ErrQuotaExceeded, r.cfg.MaxPerOwner)
	}

	if err := r.validateURL(p.URL); err != nil {
		return nil, err
	}
	if err := validateEvents(p.Events); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	w := &models.Webhook{
		ID:          models.NewID("wh"),
		OwnerID:     ownerID,
		URL:         p.URL,
		Secret:      models.NewSecret(),
		Name:        p.Name,
		Description: p.Description,
		Events:      p.Events,
		Status:      models.WebhookActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.CreateWebhook(ctx, w); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrDuplicateURL
		}
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	r.log.Info().
		Str("webhook_id", w.ID).
		Str("owner_id", ownerID).
		Strs("events", w.Events).
		Msg("webhook created")

	// The only time the secret is returned in full.
	return w, nil
}

func (r *Registry) Get(ctx context.Context, webhookID, ownerID string) (*models.Webhook, error) {
	w, err := r.store.GetWebhook(ctx, webhookID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	if w == nil {
		return nil, ErrNotFound
	}
	return w, nil
}

func (r *Registry) List(ctx context.Context, ownerID string, includeDisabled bool) ([]models.Webhook, error) {
	webhooks, err := r.store.ListWebhooks(ctx, ownerID, includeDisabled)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	for i := range webhooks {
		webhooks[i] = webhooks[i].Redacted()
	}
	return webhooks, nil
}

func (r *Registry) Update(ctx context.Context, webhookID, ownerID string, p UpdateParams) (*models.Webhook, error) {
	w, err := r.store.GetWebhook(ctx, webhookID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	if w == nil {
		return nil, ErrNotFound
	}

	if p.URL != nil {
		if err := r.validateURL(*p.URL); err != nil {
			return nil, err
		}
		w.URL = *p.URL
	}
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.Events != nil {
		if err := validateEvents(p.Events); err != nil {
			return nil, err
		}
		w.Events = p.Events
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrPolicyViolation, *p.Status)
		}
		w.Status = *p.Status
		// Manual re-activation is the only way back from auto-disable;
		// it also forgives the failure streak.
		if w.Status == models.WebhookActive {
			w.ConsecutiveFailures = 0
			w.LastError = ""
		}
	}

	if err := r.store.UpdateWebhook(ctx, w); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrDuplicateURL
		}
		return nil, fmt.Errorf("update webhook: %w", err)
	}

	r.log.Info().
		Str("webhook_id", webhookID).
		Str("owner_id", ownerID).
		Str("status", string(w.Status)).
		Msg("webhook updated")

	redacted := w.Redacted()
	return &redacted, nil
}

func (r *Registry) Delete(ctx context.Context, webhookID, ownerID string) (bool, error) {
	// Delivery history goes with the webhook via cascade.
	deleted, err := r.store.DeleteWebhook(ctx, webhookID, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete webhook: %w", err)
	}
	if deleted {
		r.log.Info().
			Str("webhook_id", webhookID).
			Str("owner_id", ownerID).
			Msg("webhook deleted")
	}
	return deleted, nil
}

// RotateSecret replaces the signing secret. The old secret is invalid as
// soon as the update commits; deliveries already in flight keep the
// signature they were dispatched with.
func (r *Registry) RotateSecret(ctx context.Context, webhookID, ownerID string) (string, error) {
	secret := models.NewSecret()
	updated, err := r.store.UpdateWebhookSecret(ctx, webhookID, ownerID, secret)
	if err != nil {
		return "", fmt.Errorf("rotate secret: %w", err)
	}
	if !updated {
		return "", ErrNotFound
	}

	r.log.Info().
		Str("webhook_id", webhookID).
		Str("owner_id", ownerID).
		Msg("webhook secret rotated")

	return secret, nil
}

func (r *Registry) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid url", ErrPolicyViolation)
	}
	if r.cfg.RequireHTTPS {
		if u.Scheme != "https" {
			return fmt.Errorf("%w: url must use HTTPS", ErrPolicyViolation)
		}
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must be HTTP or HTTPS", ErrPolicyViolation)
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: at least one event subscription required", ErrPolicyViolation)
	}
	for _, e := range events {
		if !models.KnownEvent(e) {
			return fmt.Errorf("%w: unknown event type %q", ErrPolicyViolation, e)
		}
	}
	return nil
}
