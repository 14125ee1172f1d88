// Package delivery executes signed webhook deliveries and drives the
// delivery state machine: pending -> delivered, or pending -> failed ->
// ... -> permanently_failed once attempts are exhausted. Deliveries are
// claimed with a leased in_flight marker before processing so concurrent
// workers never send the same attempt twice.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/dispatch"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

var ErrWebhookNotFound = errors.New("webhook not found")

type Executor struct {
	store  storage.Store
	sender *Sender
	disp   *dispatch.Dispatcher
	cfg    config.WebhooksConfig
	log    zerolog.Logger
}

func NewExecutor(store storage.Store, sender *Sender, disp *dispatch.Dispatcher, cfg config.WebhooksConfig, log zerolog.Logger) *Executor {
	return &Executor{store: store, sender: sender, disp: disp, cfg: cfg, log: log}
}

// Deliver attempts one delivery and reports whether it succeeded. Calling
// it on a terminal delivery returns the prior outcome with no side effects.
// Delivery failures are absorbed into the state machine; the returned error
// covers storage problems only.
func (e *Executor) Deliver(ctx context.Context, deliveryID string) (bool, error) {
	d, err := e.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return false, fmt.Errorf("get delivery: %w", err)
	}
	if d == nil {
		e.log.Warn().Str("delivery_id", deliveryID).Msg("delivery not found")
		return false, nil
	}

	if d.Status.Terminal() {
		return d.Status == models.DeliveryOK, nil
	}

	claimed, err := e.store.ClaimDelivery(ctx, d.ID, time.Now().UTC().Add(e.cfg.ClaimLease))
	if err != nil {
		return false, fmt.Errorf("claim delivery: %w", err)
	}
	if !claimed {
		// Lost the race. Either another worker holds the claim or the
		// delivery went terminal between the read and the claim.
		current, err := e.store.GetDelivery(ctx, d.ID)
		if err != nil {
			return false, fmt.Errorf("get delivery: %w", err)
		}
		return current != nil && current.Status == models.DeliveryOK, nil
	}

	w, err := e.store.GetWebhookByID(ctx, d.WebhookID)
	if err != nil {
		return false, fmt.Errorf("get webhook: %w", err)
	}
	if w == nil {
		return false, e.markDead(ctx, d, Outcome{Err: "webhook deleted"})
	}

	switch w.Status {
	case models.WebhookDisabled:
		return false, e.markDead(ctx, d, Outcome{Err: "webhook disabled"})
	case models.WebhookActive, models.WebhookPaused:
		// Pausing stops new dispatches; deliveries already queued still
		// run to completion.
	}

	env := Envelope{
		ID:        d.ID,
		Event:     d.EventType,
		CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339Nano),
		Data:      d.Payload,
	}

	out := e.sender.Send(ctx, w.URL, w.Secret, env)
	now := time.Now().UTC()

	if out.Success {
		if err := e.store.MarkDelivered(ctx, d.ID, now, out.StatusCode, out.DurationMs); err != nil {
			return false, fmt.Errorf("mark delivered: %w", err)
		}
		if err := e.store.RecordWebhookSuccess(ctx, w.ID, now); err != nil {
			return true, fmt.Errorf("record webhook success: %w", err)
		}
		e.log.Info().
			Str("delivery_id", d.ID).
			Str("webhook_id", w.ID).
			Int("status_code", out.StatusCode).
			Int64("duration_ms", out.DurationMs).
			Msg("webhook delivered")
		return true, nil
	}

	newAttempts := d.Attempts + 1
	if newAttempts >= d.MaxAttempts {
		if err := e.store.MarkDead(ctx, d.ID, out.StatusCode, out.ResponseBody, out.Err, out.DurationMs); err != nil {
			return false, fmt.Errorf("mark permanently failed: %w", err)
		}
		e.log.Error().
			Str("delivery_id", d.ID).
			Str("webhook_id", w.ID).
			Int("attempts", newAttempts).
			Str("error", out.Err).
			Msg("webhook delivery permanently failed")
	} else {
		next := now.Add(Backoff(newAttempts))
		if err := e.store.MarkFailed(ctx, d.ID, next, out.StatusCode, out.ResponseBody, out.Err, out.DurationMs); err != nil {
			return false, fmt.Errorf("mark failed: %w", err)
		}
		e.log.Warn().
			Str("delivery_id", d.ID).
			Str("webhook_id", w.ID).
			Int("attempt", newAttempts).
			Time("next_retry", next).
			Str("error", out.Err).
			Msg("webhook delivery failed, will retry")
	}

	if err := e.store.RecordWebhookFailure(ctx, w.ID, out.Err, now); err != nil {
		return false, fmt.Errorf("record webhook failure: %w", err)
	}
	if err := e.checkAutoDisable(ctx, w.ID); err != nil {
		return false, err
	}
	return false, nil
}

// markDead terminates a delivery whose webhook vanished or was disabled.
// No webhook stats are touched: there was no HTTP attempt.
func (e *Executor) markDead(ctx context.Context, d *models.Delivery, out Outcome) error {
	if err := e.store.MarkDead(ctx, d.ID, out.StatusCode, out.ResponseBody, out.Err, out.DurationMs); err != nil {
		return fmt.Errorf("mark permanently failed: %w", err)
	}
	e.log.Error().
		Str("delivery_id", d.ID).
		Str("error", out.Err).
		Msg("webhook delivery permanently failed")
	return nil
}

// checkAutoDisable re-reads the failure streak after a recorded failure and
// suspends the webhook once it reaches the configured threshold. Only an
// explicit re-activation brings it back.
func (e *Executor) checkAutoDisable(ctx context.Context, webhookID string) error {
	w, err := e.store.GetWebhookByID(ctx, webhookID)
	if err != nil {
		return fmt.Errorf("get webhook: %w", err)
	}
	if w == nil || w.Status == models.WebhookDisabled {
		return nil
	}
	if w.ConsecutiveFailures < e.cfg.AutoDisableThreshold {
		return nil
	}

	if err := e.store.DisableWebhook(ctx, w.ID); err != nil {
		return fmt.Errorf("disable webhook: %w", err)
	}
	e.log.Warn().
		Str("webhook_id", w.ID).
		Int64("consecutive_failures", w.ConsecutiveFailures).
		Msg("webhook auto-disabled after consecutive failures")
	return nil
}

type TestResult struct {
	Success        bool   `json:"success"`
	DeliveryID     string `json:"delivery_id"`
	ResponseStatus int    `json:"response_status,omitempty"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Test sends a synthetic webhook.test delivery through the normal delivery
// path and returns the outcome. Test deliveries count toward webhook stats
// and auto-disable accounting like any other delivery.
func (e *Executor) Test(ctx context.Context, webhookID, ownerID string) (*TestResult, error) {
	w, err := e.store.GetWebhook(ctx, webhookID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	if w == nil {
		return nil, ErrWebhookNotFound
	}

	payload, _ := json.Marshal(map[string]any{
		"test":      true,
		"message":   "This is a test webhook delivery",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})

	deliveryID, err := e.disp.CreateDelivery(ctx, w, models.EventWebhookTest, payload)
	if err != nil {
		return nil, err
	}

	success, err := e.Deliver(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	result := &TestResult{Success: success, DeliveryID: deliveryID}
	if d, err := e.store.GetDelivery(ctx, deliveryID); err == nil && d != nil {
		result.ResponseStatus = d.ResponseStatus
		result.DurationMs = d.DurationMs
		result.Error = d.Error
	}
	return result, nil
}
