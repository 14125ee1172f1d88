package api

import (
	"encoding/json"
	"net/http"

	"github.com/shohag/hookrelay/internal/dispatch"
	"github.com/shohag/hookrelay/internal/models"
)

type EventHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewEventHandler(dispatcher *dispatch.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: dispatcher}
}

type emitEventRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

const maxPayloadSize = 256 * 1024 // 256KB

// Emit dispatches a domain event to the caller's subscribed webhooks.
// Dispatch is fire-and-forget: the deliveries run asynchronously and their
// failures never surface here.
func (h *EventHandler) Emit(w http.ResponseWriter, r *http.Request) {
	account := AccountFromContext(r.Context())
	if account == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req emitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if !models.KnownEvent(req.EventType) {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	deliveryIDs, err := h.dispatcher.Dispatch(r.Context(), req.EventType, account.ID, req.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to dispatch event")
		return
	}
	if deliveryIDs == nil {
		deliveryIDs = []string{}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"delivery_ids": deliveryIDs,
	})
}
