package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shohag/hookrelay/internal/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			events TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			total_deliveries INTEGER NOT NULL DEFAULT 0,
			successful_deliveries INTEGER NOT NULL DEFAULT 0,
			failed_deliveries INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_delivery_at DATETIME,
			last_success_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			UNIQUE(owner_id, url)
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			webhook_id TEXT NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
			owner_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			created_at DATETIME NOT NULL,
			next_retry_at DATETIME,
			delivered_at DATETIME,
			claim_expires_at DATETIME,
			response_status INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_api_key ON accounts(api_key)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_owner ON webhooks(owner_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_webhook ON deliveries(webhook_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_retry_at)
			WHERE status IN ('pending', 'failed', 'in_flight')`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func mapConstraint(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDuplicate
	}
	return err
}

// --- Accounts ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.APIKey, a.CreatedAt, a.UpdatedAt,
	)
	return mapConstraint(err)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.APIKey, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *SQLiteStore) GetAccountByAPIKey(ctx context.Context, apiKey string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM accounts WHERE api_key = ?`, apiKey,
	).Scan(&a.ID, &a.Name, &a.APIKey, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.APIKey, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *SQLiteStore) UpdateAccountAPIKey(ctx context.Context, id, newKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET api_key = ?, updated_at = ? WHERE id = ?`,
		newKey, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// --- Webhooks ---

const webhookColumns = `id, owner_id, url, secret, name, description, events, status,
	created_at, updated_at, total_deliveries, successful_deliveries, failed_deliveries,
	consecutive_failures, last_delivery_at, last_success_at, last_error`

func (s *SQLiteStore) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	events, _ := json.Marshal(w.Events)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, owner_id, url, secret, name, description, events, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.URL, w.Secret, w.Name, w.Description, string(events), w.Status, w.CreatedAt, w.UpdatedAt,
	)
	return mapConstraint(err)
}

func (s *SQLiteStore) scanWebhook(row interface{ Scan(...interface{}) error }) (*models.Webhook, error) {
	var w models.Webhook
	var events string
	var lastDelivery, lastSuccess sql.NullTime
	err := row.Scan(&w.ID, &w.OwnerID, &w.URL, &w.Secret, &w.Name, &w.Description, &events, &w.Status,
		&w.CreatedAt, &w.UpdatedAt, &w.TotalDeliveries, &w.SuccessfulDeliveries, &w.FailedDeliveries,
		&w.ConsecutiveFailures, &lastDelivery, &lastSuccess, &w.LastError)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(events), &w.Events)
	if lastDelivery.Valid {
		t := lastDelivery.Time
		w.LastDeliveryAt = &t
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		w.LastSuccessAt = &t
	}
	return &w, nil
}

func (s *SQLiteStore) GetWebhook(ctx context.Context, id, ownerID string) (*models.Webhook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ? AND owner_id = ?`, id, ownerID)
	w, err := s.scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *SQLiteStore) GetWebhookByID(ctx context.Context, id string) (*models.Webhook, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	w, err := s.scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context, ownerID string, includeDisabled bool) ([]models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE owner_id = ?`
	if !includeDisabled {
		query += ` AND status != 'disabled'`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []models.Webhook
	for rows.Next() {
		w, err := s.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}

func (s *SQLiteStore) CountWebhooks(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhooks WHERE owner_id = ?`, ownerID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) UpdateWebhook(ctx context.Context, w *models.Webhook) error {
	events, _ := json.Marshal(w.Events)
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET url = ?, name = ?, description = ?, events = ?, status = ?,
		 consecutive_failures = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ?`,
		w.URL, w.Name, w.Description, string(events), w.Status,
		w.ConsecutiveFailures, w.LastError, time.Now().UTC(), w.ID, w.OwnerID,
	)
	return mapConstraint(err)
}

func (s *SQLiteStore) DeleteWebhook(ctx context.Context, id, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) UpdateWebhookSecret(ctx context.Context, id, ownerID, secret string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET secret = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		secret, time.Now().UTC(), id, ownerID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) FindSubscribed(ctx context.Context, ownerID, eventType string) ([]models.Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE owner_id = ? AND status = 'active' ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []models.Webhook
	for rows.Next() {
		w, err := s.scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		if w.SubscribedTo(eventType) {
			matched = append(matched, *w)
		}
	}
	return matched, rows.Err()
}

func (s *SQLiteStore) RecordWebhookSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET
			total_deliveries = total_deliveries + 1,
			successful_deliveries = successful_deliveries + 1,
			consecutive_failures = 0,
			last_delivery_at = ?,
			last_success_at = ?,
			last_error = ''
		 WHERE id = ?`,
		at, at, id,
	)
	return err
}

func (s *SQLiteStore) RecordWebhookFailure(ctx context.Context, id, lastError string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET
			total_deliveries = total_deliveries + 1,
			failed_deliveries = failed_deliveries + 1,
			consecutive_failures = consecutive_failures + 1,
			last_delivery_at = ?,
			last_error = ?
		 WHERE id = ?`,
		at, lastError, id,
	)
	return err
}

func (s *SQLiteStore) DisableWebhook(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET status = 'disabled', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return err
}

// --- Deliveries ---

const deliveryColumns = `id, webhook_id, owner_id, event_type, payload, status, attempts,
	max_attempts, created_at, next_retry_at, delivered_at, claim_expires_at,
	response_status, response_body, error, duration_ms`

func (s *SQLiteStore) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, webhook_id, owner_id, event_type, payload, status, attempts, max_attempts, created_at, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.OwnerID, d.EventType, string(d.Payload), d.Status, d.Attempts, d.MaxAttempts, d.CreatedAt, d.NextRetryAt,
	)
	return err
}

func (s *SQLiteStore) scanDelivery(row interface{ Scan(...interface{}) error }) (*models.Delivery, error) {
	var d models.Delivery
	var payload string
	var nextRetry, deliveredAt, claimExpires sql.NullTime
	err := row.Scan(&d.ID, &d.WebhookID, &d.OwnerID, &d.EventType, &payload, &d.Status, &d.Attempts,
		&d.MaxAttempts, &d.CreatedAt, &nextRetry, &deliveredAt, &claimExpires,
		&d.ResponseStatus, &d.ResponseBody, &d.Error, &d.DurationMs)
	if err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	if nextRetry.Valid {
		t := nextRetry.Time
		d.NextRetryAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		d.DeliveredAt = &t
	}
	if claimExpires.Valid {
		t := claimExpires.Time
		d.ClaimExpiresAt = &t
	}
	return &d, nil
}

func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := s.scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, webhookID, ownerID string, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE webhook_id = ? AND owner_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		webhookID, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s *SQLiteStore) GetDueDeliveries(ctx context.Context, limit int) ([]models.Delivery, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE (status IN ('pending', 'failed') AND next_retry_at <= ?)
		    OR (status = 'in_flight' AND claim_expires_at <= ?)
		 ORDER BY next_retry_at ASC LIMIT ?`,
		now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s *SQLiteStore) ClaimDelivery(ctx context.Context, id string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'in_flight', claim_expires_at = ?
		 WHERE id = ?
		   AND (status IN ('pending', 'failed')
		        OR (status = 'in_flight' AND claim_expires_at <= ?))`,
		leaseUntil, id, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id string, at time.Time, responseStatus int, durationMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'delivered', attempts = attempts + 1,
			delivered_at = ?, next_retry_at = NULL, claim_expires_at = NULL,
			response_status = ?, error = '', duration_ms = ?
		 WHERE id = ?`,
		at, responseStatus, durationMs, id,
	)
	return err
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, nextRetryAt time.Time, responseStatus int, responseBody, errMsg string, durationMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'failed', attempts = attempts + 1,
			next_retry_at = ?, claim_expires_at = NULL,
			response_status = ?, response_body = ?, error = ?, duration_ms = ?
		 WHERE id = ?`,
		nextRetryAt, responseStatus, responseBody, errMsg, durationMs, id,
	)
	return err
}

func (s *SQLiteStore) MarkDead(ctx context.Context, id string, responseStatus int, responseBody, errMsg string, durationMs int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'permanently_failed', attempts = attempts + 1,
			next_retry_at = NULL, claim_expires_at = NULL,
			response_status = ?, response_body = ?, error = ?, duration_ms = ?
		 WHERE id = ?`,
		responseStatus, responseBody, errMsg, durationMs, id,
	)
	return err
}

// --- Stats ---

func (s *SQLiteStore) GetStats(ctx context.Context, ownerID string) (*Stats, error) {
	stats := &Stats{}

	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhooks WHERE owner_id = ?`, ownerID).Scan(&stats.TotalWebhooks)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhooks WHERE owner_id = ? AND status = 'active'`, ownerID).Scan(&stats.ActiveWebhooks)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE owner_id = ?`, ownerID).Scan(&stats.TotalDeliveries)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE owner_id = ? AND status = 'delivered'`, ownerID).Scan(&stats.Delivered)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE owner_id = ? AND status = 'permanently_failed'`, ownerID).Scan(&stats.PermanentlyFailed)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE owner_id = ? AND status IN ('pending', 'failed', 'in_flight')`, ownerID).Scan(&stats.Pending)

	if stats.TotalDeliveries > 0 {
		stats.SuccessRate = float64(stats.Delivered) / float64(stats.TotalDeliveries) * 100
	}

	return stats, nil
}
