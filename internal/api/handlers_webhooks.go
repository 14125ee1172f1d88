package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/hookrelay/internal/delivery"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/registry"
	"github.com/shohag/hookrelay/internal/storage"
)

type WebhookHandler struct {
	store    storage.Store
	registry *registry.Registry
	executor *delivery.Executor
}

func NewWebhookHandler(store storage.Store, reg *registry.Registry, executor *delivery.Executor) *WebhookHandler {
	return &WebhookHandler{store: store, registry: reg, executor: executor}
}

func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "webhook not found")
	case errors.Is(err, registry.ErrDuplicateURL):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrQuotaExceeded), errors.Is(err, registry.ErrPolicyViolation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type createWebhookRequest struct {
	URL         string   `json:"url"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Events      []string `json:"events"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	created, err := h.registry.Create(r.Context(), account.ID, registry.CreateParams{
		URL:         req.URL,
		Name:        req.Name,
		Description: req.Description,
		Events:      req.Events,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	// Response includes the secret; this is the only time it is shown.
	writeJSON(w, http.StatusCreated, created)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	includeDisabled := r.URL.Query().Get("include_disabled") == "true"
	webhooks, err := h.registry.List(r.Context(), account.ID, includeDisabled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	if webhooks == nil {
		webhooks = []models.Webhook{}
	}
	writeJSON(w, http.StatusOK, webhooks)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	wh, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"), account.ID)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wh.Redacted())
}

type updateWebhookRequest struct {
	URL         *string               `json:"url"`
	Name        *string               `json:"name"`
	Description *string               `json:"description"`
	Events      []string              `json:"events"`
	Status      *models.WebhookStatus `json:"status"`
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req updateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), account.ID, registry.UpdateParams{
		URL:         req.URL,
		Name:        req.Name,
		Description: req.Description,
		Events:      req.Events,
		Status:      req.Status,
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	deleted, err := h.registry.Delete(r.Context(), chi.URLParam(r, "id"), account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	secret, err := h.registry.RotateSecret(r.Context(), chi.URLParam(r, "id"), account.ID)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := h.executor.Test(r.Context(), chi.URLParam(r, "id"), account.ID)
	if err != nil {
		if errors.Is(err, delivery.ErrWebhookNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to test webhook")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(r.Context(), id, account.ID); err != nil {
		writeRegistryError(w, err)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deliveries, err := h.store.ListDeliveries(r.Context(), id, account.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}
