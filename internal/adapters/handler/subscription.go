// Package handler implements HTTP request handlers
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/services"
)

// SubscriptionHandler exposes the subscription management API.
type SubscriptionHandler struct {
	manager *services.SubscriptionManager
}

// NewSubscriptionHandler creates a new subscription handler.
func NewSubscriptionHandler(manager *services.SubscriptionManager) *SubscriptionHandler {
	return &SubscriptionHandler{manager: manager}
}

// subscriptionRequest is the body for subscribe/unsubscribe/reconcile.
type subscriptionRequest struct {
	TenantID         int64    `json:"tenant_id"`
	PageID           string   `json:"page_id"`
	SubscribedFields []string `json:"subscribed_fields,omitempty"`
}

// subscriptionResponse mirrors the believed state back to the caller.
type subscriptionResponse struct {
	Success    bool     `json:"success"`
	Phase      string   `json:"phase,omitempty"`
	Subscribed bool     `json:"subscribed"`
	Fields     []string `json:"fields,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// HandleSubscribe subscribes a page to webhook fields.
// POST /api/subscriptions
func (h *SubscriptionHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	fields := req.SubscribedFields
	if len(fields) == 0 {
		fields = domain.DefaultSubscribedFields
	}

	result, err := h.manager.Subscribe(r.Context(), req.TenantID, req.PageID, fields)
	h.respond(w, result, err)
}

// HandleUnsubscribe removes a page's webhook subscription.
// DELETE /api/subscriptions
func (h *SubscriptionHandler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	result, err := h.manager.Unsubscribe(r.Context(), req.TenantID, req.PageID)
	h.respond(w, result, err)
}

// HandleReconcile forces a reconciliation against the platform's
// authoritative subscription list.
// POST /api/subscriptions/reconcile
func (h *SubscriptionHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	result, err := h.manager.Reconcile(r.Context(), req.TenantID, req.PageID)
	h.respond(w, result, err)
}

func (h *SubscriptionHandler) decode(w http.ResponseWriter, r *http.Request) (*subscriptionRequest, bool) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, NewErrorResponse(http.StatusBadRequest, "invalid JSON body"))
		return nil, false
	}
	if req.PageID == "" || req.TenantID <= 0 {
		WriteJSON(w, NewErrorResponse(http.StatusBadRequest, "tenant_id and page_id are required"))
		return nil, false
	}
	return &req, true
}

// respond maps the error taxonomy onto HTTP statuses: credential failures
// are the owner's problem (422), unknown pages 404, transient exhaustion 502.
func (h *SubscriptionHandler) respond(w http.ResponseWriter, result *services.SubscriptionResult, err error) {
	if err != nil {
		slog.Warn("Subscription operation failed", "error", err)

		resp := subscriptionResponse{Success: false, Error: err.Error()}
		if result != nil {
			resp.Phase = string(result.Phase)
			resp.Subscribed = result.Subscribed
		}

		status := http.StatusBadGateway
		switch {
		case errors.Is(err, domain.ErrUnknownAccount):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrTokenInvalid), errors.Is(err, domain.ErrPermissionDenied):
			status = http.StatusUnprocessableEntity
		}
		WriteJSON(w, APIResponse{Code: status, Message: "subscription operation failed", Data: resp})
		return
	}

	WriteJSON(w, NewSuccessResponse(subscriptionResponse{
		Success:    true,
		Phase:      string(result.Phase),
		Subscribed: result.Subscribed,
		Fields:     result.Fields,
	}))
}
