package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/delivery"
	"github.com/shohag/hookrelay/internal/dispatch"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/registry"
	"github.com/shohag/hookrelay/internal/storage"
)

func testConfig() config.Config {
	return config.Config{
		Webhooks: config.WebhooksConfig{
			Enabled:              true,
			MaxPerOwner:          10,
			RequireHTTPS:         true,
			Timeout:              5 * time.Second,
			MaxAttempts:          5,
			AutoDisableThreshold: 10,
			ClaimLease:           time.Minute,
		},
	}
}

func setupServer(t *testing.T, cfg config.Config) (*httptest.Server, *models.Account, storage.Store) {
	t.Helper()

	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Now().UTC()
	account := &models.Account{ID: models.NewID("acct"), Name: "test", APIKey: models.NewAPIKey(), CreatedAt: now, UpdatedAt: now}
	if err := store.CreateAccount(ctx, account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	log := zerolog.Nop()
	reg := registry.New(store, cfg.Webhooks, log)
	disp := dispatch.New(store, cfg.Webhooks, log)
	sender := delivery.NewSender(cfg.Webhooks.Timeout, "HookRelay/test")
	executor := delivery.NewExecutor(store, sender, disp, cfg.Webhooks, log)

	srv := NewServer(cfg, store, reg, disp, executor, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, account, store
}

func doRequest(t *testing.T, method, url, apiKey string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, respBody
}

func TestHealth(t *testing.T) {
	ts, _, _ := setupServer(t, testConfig())

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d, want 200", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _, _ := setupServer(t, testConfig())

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/webhooks", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no auth = %d, want 401", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/v1/webhooks", "hk_bogus", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key = %d, want 401", resp.StatusCode)
	}
}

func TestWebhookLifecycle(t *testing.T) {
	ts, account, _ := setupServer(t, testConfig())
	base := ts.URL + "/api/v1/webhooks"

	resp, body := doRequest(t, http.MethodPost, base, account.APIKey, map[string]any{
		"url":    "https://example.com/hook",
		"name":   "orders",
		"events": []string{models.EventApplicationCompleted},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}

	var created models.Webhook
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Secret == "" {
		t.Error("secret missing from create response")
	}

	resp, body = doRequest(t, http.MethodGet, base, account.APIKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	var list []models.Webhook
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list: %d entries, want 1", len(list))
	}
	if list[0].Secret != "" {
		t.Error("secret leaked in listing")
	}

	resp, body = doRequest(t, http.MethodPatch, base+"/"+created.ID, account.APIKey, map[string]any{
		"status": models.WebhookPaused,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch = %d: %s", resp.StatusCode, body)
	}
	var updated models.Webhook
	json.Unmarshal(body, &updated)
	if updated.Status != models.WebhookPaused {
		t.Errorf("status = %s, want paused", updated.Status)
	}

	resp, body = doRequest(t, http.MethodPost, base+"/"+created.ID+"/rotate-secret", account.APIKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate = %d", resp.StatusCode)
	}
	var rotated map[string]string
	json.Unmarshal(body, &rotated)
	if rotated["secret"] == "" || rotated["secret"] == created.Secret {
		t.Error("rotation did not return a fresh secret")
	}

	resp, _ = doRequest(t, http.MethodDelete, base+"/"+created.ID, account.APIKey, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodGet, base+"/"+created.ID, account.APIKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookCreateErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Webhooks.MaxPerOwner = 1
	ts, account, _ := setupServer(t, cfg)
	base := ts.URL + "/api/v1/webhooks"

	resp, _ := doRequest(t, http.MethodPost, base, account.APIKey, map[string]any{
		"url":    "http://insecure.example.com",
		"events": []string{models.EventBatchCompleted},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("http url = %d, want 400", resp.StatusCode)
	}

	ok := map[string]any{"url": "https://example.com/hook", "events": []string{models.EventBatchCompleted}}
	if resp, body := doRequest(t, http.MethodPost, base, account.APIKey, ok); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}

	resp, _ = doRequest(t, http.MethodPost, base, account.APIKey, ok)
	if resp.StatusCode != http.StatusBadRequest {
		// Quota fires before the duplicate check with max_per_owner=1.
		t.Errorf("quota = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookDuplicateURLConflict(t *testing.T) {
	ts, account, _ := setupServer(t, testConfig())
	base := ts.URL + "/api/v1/webhooks"

	ok := map[string]any{"url": "https://example.com/hook", "events": []string{models.EventBatchCompleted}}
	if resp, body := doRequest(t, http.MethodPost, base, account.APIKey, ok); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}

	resp, _ := doRequest(t, http.MethodPost, base, account.APIKey, ok)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate = %d, want 409", resp.StatusCode)
	}
}

func TestWebhooksDisabledFeature(t *testing.T) {
	cfg := testConfig()
	cfg.Webhooks.Enabled = false
	ts, account, _ := setupServer(t, cfg)

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/webhooks", account.APIKey, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("registry route = %d, want 503", resp.StatusCode)
	}

	// Event ingestion stays up; dispatch silently no-ops.
	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/events", account.APIKey, map[string]any{
		"event_type": models.EventBatchCompleted,
		"payload":    map[string]any{"batch_id": "b1"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("emit = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		DeliveryIDs []string `json:"delivery_ids"`
	}
	json.Unmarshal(body, &out)
	if len(out.DeliveryIDs) != 0 {
		t.Errorf("disabled feature dispatched %d deliveries", len(out.DeliveryIDs))
	}
}

func TestEmitEvent(t *testing.T) {
	ts, account, store := setupServer(t, testConfig())

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/webhooks", account.APIKey, map[string]any{
		"url":    "https://example.com/hook",
		"events": []string{models.EventBatchCompleted},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/api/v1/events", account.APIKey, map[string]any{
		"event_type": models.EventBatchCompleted,
		"payload":    map[string]any{"batch_id": "b1"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("emit = %d: %s", resp.StatusCode, body)
	}

	var out struct {
		DeliveryIDs []string `json:"delivery_ids"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.DeliveryIDs) != 1 {
		t.Fatalf("expected 1 delivery id, got %d", len(out.DeliveryIDs))
	}

	d, err := store.GetDelivery(context.Background(), out.DeliveryIDs[0])
	if err != nil || d == nil {
		t.Fatalf("get delivery: %v", err)
	}
	if d.Status != models.DeliveryPending {
		t.Errorf("status = %s, want pending", d.Status)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/v1/events", account.APIKey, map[string]any{
		"event_type": "bogus.event",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown event = %d, want 400", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts, account, _ := setupServer(t, testConfig())

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/stats", account.APIKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats = %d: %s", resp.StatusCode, body)
	}
	var stats storage.Stats
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.TotalWebhooks != 0 {
		t.Errorf("total_webhooks = %d, want 0", stats.TotalWebhooks)
	}
}
