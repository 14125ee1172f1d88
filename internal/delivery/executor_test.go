package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/dispatch"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/signing"
	"github.com/shohag/hookrelay/internal/storage"
)

type testReceiver struct {
	status   atomic.Int64
	requests atomic.Int64
	delay    time.Duration

	lastBody    []byte
	lastHeaders http.Header
	server      *httptest.Server
}

func newTestReceiver(t *testing.T, status int) *testReceiver {
	t.Helper()
	r := &testReceiver{}
	r.status.Store(int64(status))
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.requests.Add(1)
		r.lastBody, _ = io.ReadAll(req.Body)
		r.lastHeaders = req.Header.Clone()
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		code := int(r.status.Load())
		w.WriteHeader(code)
		if code >= 500 {
			w.Write([]byte("upstream exploded"))
		}
	}))
	t.Cleanup(r.server.Close)
	return r
}

type testEnv struct {
	store    storage.Store
	disp     *dispatch.Dispatcher
	executor *Executor
	owner    string
	webhook  *models.Webhook
}

func setupExecutor(t *testing.T, cfg config.WebhooksConfig, url string) *testEnv {
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

	w := &models.Webhook{
		ID:        models.NewID("wh"),
		OwnerID:   account.ID,
		URL:       url,
		Secret:    models.NewSecret(),
		Events:    []string{models.EventApplicationCompleted},
		Status:    models.WebhookActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateWebhook(ctx, w); err != nil {
		t.Fatalf("create webhook: %v", err)
	}

	disp := dispatch.New(store, cfg, zerolog.Nop())
	sender := NewSender(cfg.Timeout, "HookRelay/test")
	executor := NewExecutor(store, sender, disp, cfg, zerolog.Nop())

	return &testEnv{store: store, disp: disp, executor: executor, owner: account.ID, webhook: w}
}

func executorConfig() config.WebhooksConfig {
	return config.WebhooksConfig{
		Enabled:              true,
		MaxPerOwner:          10,
		Timeout:              5 * time.Second,
		MaxAttempts:          5,
		AutoDisableThreshold: 10,
		ClaimLease:           time.Minute,
	}
}

func (e *testEnv) newDelivery(t *testing.T, payload string) string {
	t.Helper()
	id, err := e.disp.CreateDelivery(context.Background(), e.webhook, models.EventApplicationCompleted, []byte(payload))
	if err != nil {
		t.Fatalf("create delivery: %v", err)
	}
	return id
}

func (e *testEnv) delivery(t *testing.T, id string) *models.Delivery {
	t.Helper()
	d, err := e.store.GetDelivery(context.Background(), id)
	if err != nil || d == nil {
		t.Fatalf("get delivery %s: %v", id, err)
	}
	return d
}

func (e *testEnv) reloadWebhook(t *testing.T) *models.Webhook {
	t.Helper()
	w, err := e.store.GetWebhookByID(context.Background(), e.webhook.ID)
	if err != nil || w == nil {
		t.Fatalf("reload webhook: %v", err)
	}
	return w
}

func TestDeliverSuccess(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusOK)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)
	ctx := context.Background()

	id := env.newDelivery(t, `{"application_id": "app_1"}`)
	ok, err := env.executor.Deliver(ctx, id)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !ok {
		t.Fatal("expected success")
	}

	d := env.delivery(t, id)
	if d.Status != models.DeliveryOK {
		t.Errorf("status = %s, want delivered", d.Status)
	}
	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if d.ResponseStatus != http.StatusOK {
		t.Errorf("response_status = %d, want 200", d.ResponseStatus)
	}
	if d.DeliveredAt == nil {
		t.Error("delivered_at not set")
	}
	if d.NextRetryAt != nil {
		t.Error("next_retry_at should be cleared on terminal status")
	}

	w := env.reloadWebhook(t)
	if w.TotalDeliveries != 1 || w.SuccessfulDeliveries != 1 {
		t.Errorf("stats = %d/%d, want 1/1", w.TotalDeliveries, w.SuccessfulDeliveries)
	}
	if w.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, want 0", w.ConsecutiveFailures)
	}
	if w.LastSuccessAt == nil {
		t.Error("last_success_at not set")
	}
}

func TestDeliverWireContract(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusOK)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)

	id := env.newDelivery(t, `{"b": 2, "a": 1}`)
	if _, err := env.executor.Deliver(context.Background(), id); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got := rcv.lastHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rcv.lastHeaders.Get("X-Webhook-Event"); got != models.EventApplicationCompleted {
		t.Errorf("X-Webhook-Event = %q", got)
	}
	if got := rcv.lastHeaders.Get("X-Webhook-Delivery"); got != id {
		t.Errorf("X-Webhook-Delivery = %q, want %s", got, id)
	}
	if got := rcv.lastHeaders.Get("User-Agent"); got != "HookRelay/test" {
		t.Errorf("User-Agent = %q", got)
	}

	// The signature must verify against the body bytes as received.
	sig := rcv.lastHeaders.Get("X-Webhook-Signature")
	if !signing.Verify(json.RawMessage(rcv.lastBody), env.webhook.Secret, sig) {
		t.Error("signature does not verify against received body")
	}

	var env2 Envelope
	if err := json.Unmarshal(rcv.lastBody, &env2); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env2.ID != id {
		t.Errorf("envelope id = %s, want %s", env2.ID, id)
	}
	if env2.Event != models.EventApplicationCompleted {
		t.Errorf("envelope event = %s", env2.Event)
	}
	if _, err := time.Parse(time.RFC3339Nano, env2.CreatedAt); err != nil {
		t.Errorf("envelope created_at not RFC3339: %q", env2.CreatedAt)
	}
}

func TestDeliverFailureSchedulesRetry(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusInternalServerError)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)

	id := env.newDelivery(t, `{}`)
	before := time.Now().UTC()
	ok, err := env.executor.Deliver(context.Background(), id)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if ok {
		t.Fatal("expected failure")
	}

	d := env.delivery(t, id)
	if d.Status != models.DeliveryFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", d.Attempts)
	}
	if d.Error != "HTTP 500" {
		t.Errorf("error = %q, want HTTP 500", d.Error)
	}
	if d.ResponseBody != "upstream exploded" {
		t.Errorf("response_body = %q", d.ResponseBody)
	}
	if d.NextRetryAt == nil {
		t.Fatal("next_retry_at not scheduled")
	}
	delay := d.NextRetryAt.Sub(before)
	if delay < 55*time.Second || delay > 70*time.Second {
		t.Errorf("first retry delay = %v, want ~1m", delay)
	}

	w := env.reloadWebhook(t)
	if w.TotalDeliveries != 1 || w.FailedDeliveries != 1 {
		t.Errorf("stats = %d/%d, want 1/1", w.TotalDeliveries, w.FailedDeliveries)
	}
	if w.ConsecutiveFailures != 1 {
		t.Errorf("consecutive_failures = %d, want 1", w.ConsecutiveFailures)
	}
	if w.LastError != "HTTP 500" {
		t.Errorf("last_error = %q", w.LastError)
	}
}

func TestDeliverRetryDelaysIncrease(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusInternalServerError)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)
	ctx := context.Background()

	id := env.newDelivery(t, `{}`)

	var prev time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := env.executor.Deliver(ctx, id); err != nil {
			t.Fatalf("Deliver attempt %d: %v", attempt, err)
		}
		d := env.delivery(t, id)
		if d.NextRetryAt == nil {
			t.Fatalf("attempt %d: next_retry_at missing", attempt)
		}
		if attempt > 1 && !d.NextRetryAt.After(prev) {
			t.Errorf("attempt %d: next_retry_at %v not after previous %v", attempt, d.NextRetryAt, prev)
		}
		prev = *d.NextRetryAt
	}
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	cfg := executorConfig()
	cfg.MaxAttempts = 2
	rcv := newTestReceiver(t, http.StatusInternalServerError)
	env := setupExecutor(t, cfg, rcv.server.URL)
	ctx := context.Background()

	id := env.newDelivery(t, `{}`)

	if _, err := env.executor.Deliver(ctx, id); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := env.delivery(t, id).Status; got != models.DeliveryFailed {
		t.Fatalf("after attempt 1: status = %s, want failed", got)
	}

	if _, err := env.executor.Deliver(ctx, id); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	d := env.delivery(t, id)
	if d.Status != models.DeliveryDead {
		t.Errorf("status = %s, want permanently_failed", d.Status)
	}
	if d.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", d.Attempts)
	}
	if d.NextRetryAt != nil {
		t.Error("next_retry_at should be cleared on terminal status")
	}
}

func TestDeliverTerminalIdempotent(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusOK)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)
	ctx := context.Background()

	id := env.newDelivery(t, `{}`)
	if _, err := env.executor.Deliver(ctx, id); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	ok, err := env.executor.Deliver(ctx, id)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !ok {
		t.Error("terminal delivered should report prior success")
	}
	if got := rcv.requests.Load(); got != 1 {
		t.Errorf("receiver hit %d times, want 1", got)
	}
	if got := env.delivery(t, id).Attempts; got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestDeliverDisabledWebhook(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusOK)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)
	ctx := context.Background()

	id := env.newDelivery(t, `{}`)
	if err := env.store.DisableWebhook(ctx, env.webhook.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}

	ok, err := env.executor.Deliver(ctx, id)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if ok {
		t.Fatal("expected failure")
	}

	d := env.delivery(t, id)
	if d.Status != models.DeliveryDead {
		t.Errorf("status = %s, want permanently_failed", d.Status)
	}
	if d.Error != "webhook disabled" {
		t.Errorf("error = %q", d.Error)
	}
	if got := rcv.requests.Load(); got != 0 {
		t.Errorf("receiver hit %d times, want 0", got)
	}

	// No HTTP attempt happened, so webhook counters stay untouched.
	w := env.reloadWebhook(t)
	if w.TotalDeliveries != 0 {
		t.Errorf("total_deliveries = %d, want 0", w.TotalDeliveries)
	}
}

func TestDeliverPausedWebhookStillRuns(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusOK)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)
	ctx := context.Background()

	id := env.newDelivery(t, `{}`)
	env.webhook.Status = models.WebhookPaused
	if err := env.store.UpdateWebhook(ctx, env.webhook); err != nil {
		t.Fatalf("pause webhook: %v", err)
	}

	ok, err := env.executor.Deliver(ctx, id)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !ok {
		t.Error("queued delivery to paused webhook should still run")
	}
}

func TestDeliverTimeout(t *testing.T) {
	cfg := executorConfig()
	cfg.Timeout = 50 * time.Millisecond
	rcv := newTestReceiver(t, http.StatusOK)
	rcv.delay = 300 * time.Millisecond
	env := setupExecutor(t, cfg, rcv.server.URL)

	id := env.newDelivery(t, `{}`)
	ok, err := env.executor.Deliver(context.Background(), id)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if ok {
		t.Fatal("timed-out delivery should fail")
	}

	d := env.delivery(t, id)
	if d.Status != models.DeliveryFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.Error == "" {
		t.Error("transport error not recorded")
	}
	if d.ResponseStatus != 0 {
		t.Errorf("response_status = %d, want 0 for transport failure", d.ResponseStatus)
	}
}

func TestAutoDisableAfterConsecutiveFailures(t *testing.T) {
	cfg := executorConfig()
	cfg.AutoDisableThreshold = 3
	rcv := newTestReceiver(t, http.StatusInternalServerError)
	env := setupExecutor(t, cfg, rcv.server.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := env.newDelivery(t, `{}`)
		if _, err := env.executor.Deliver(ctx, id); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}

	w := env.reloadWebhook(t)
	if w.Status != models.WebhookDisabled {
		t.Errorf("status = %s, want disabled after 3 consecutive failures", w.Status)
	}

	// Further deliveries die immediately without hitting the endpoint.
	id := env.newDelivery(t, `{}`)
	hits := rcv.requests.Load()
	if _, err := env.executor.Deliver(ctx, id); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	d := env.delivery(t, id)
	if d.Status != models.DeliveryDead || d.Error != "webhook disabled" {
		t.Errorf("post-disable delivery: status=%s error=%q", d.Status, d.Error)
	}
	if rcv.requests.Load() != hits {
		t.Error("disabled webhook should not be called")
	}
}

func TestAutoDisableCounterResetsOnSuccess(t *testing.T) {
	cfg := executorConfig()
	cfg.AutoDisableThreshold = 3
	rcv := newTestReceiver(t, http.StatusInternalServerError)
	env := setupExecutor(t, cfg, rcv.server.URL)
	ctx := context.Background()

	deliverOnce := func() {
		t.Helper()
		id := env.newDelivery(t, `{}`)
		if _, err := env.executor.Deliver(ctx, id); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}

	deliverOnce()
	deliverOnce()

	rcv.status.Store(http.StatusOK)
	deliverOnce()

	rcv.status.Store(http.StatusInternalServerError)
	deliverOnce()
	deliverOnce()

	w := env.reloadWebhook(t)
	if w.Status == models.WebhookDisabled {
		t.Error("webhook disabled despite intervening success")
	}
	if w.ConsecutiveFailures != 2 {
		t.Errorf("consecutive_failures = %d, want 2", w.ConsecutiveFailures)
	}
}

func TestDeliverClaimedByOtherWorker(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusOK)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)
	ctx := context.Background()

	id := env.newDelivery(t, `{}`)
	claimed, err := env.store.ClaimDelivery(ctx, id, time.Now().UTC().Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	ok, err := env.executor.Deliver(ctx, id)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if ok {
		t.Error("delivery held by another worker should not succeed here")
	}
	if got := rcv.requests.Load(); got != 0 {
		t.Errorf("receiver hit %d times, want 0", got)
	}
	if got := env.delivery(t, id).Status; got != models.DeliveryInFlight {
		t.Errorf("status = %s, want in_flight", got)
	}
}

func TestTestDelivery(t *testing.T) {
	rcv := newTestReceiver(t, http.StatusOK)
	env := setupExecutor(t, executorConfig(), rcv.server.URL)

	result, err := env.executor.Test(context.Background(), env.webhook.ID, env.owner)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if !result.Success {
		t.Errorf("test delivery failed: %+v", result)
	}
	if result.ResponseStatus != http.StatusOK {
		t.Errorf("response_status = %d", result.ResponseStatus)
	}

	d := env.delivery(t, result.DeliveryID)
	if d.EventType != models.EventWebhookTest {
		t.Errorf("event_type = %s, want %s", d.EventType, models.EventWebhookTest)
	}

	// Test deliveries exercise the production path, stats included.
	w := env.reloadWebhook(t)
	if w.TotalDeliveries != 1 || w.SuccessfulDeliveries != 1 {
		t.Errorf("stats = %d/%d, want 1/1", w.TotalDeliveries, w.SuccessfulDeliveries)
	}

	if _, err := env.executor.Test(context.Background(), "wh_missing", env.owner); err != ErrWebhookNotFound {
		t.Errorf("expected ErrWebhookNotFound, got %v", err)
	}
}
