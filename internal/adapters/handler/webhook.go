// Package handler implements HTTP request handlers
// Following Hexagonal Architecture: Adapters translate HTTP to domain logic
package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"connect-bridge/internal/core/services"
)

// WebhookHandler terminates platform webhook traffic: the GET verification
// handshake and the POST event deliveries.
type WebhookHandler struct {
	ingestor    *services.Ingestor
	verifyToken string
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(ingestor *services.Ingestor, verifyToken string) *WebhookHandler {
	return &WebhookHandler{
		ingestor:    ingestor,
		verifyToken: verifyToken,
	}
}

// ============================================================================
// GET /webhook/facebook - Webhook Verification
// ============================================================================

// HandleVerify answers the platform's subscription verification challenge.
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks#verification
func (h *WebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == h.verifyToken {
		slog.Info("Webhook verification successful")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}

	slog.Warn("Webhook verification failed", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// ============================================================================
// POST /webhook/facebook - Webhook Events
// ============================================================================

// HandleEvent receives event deliveries. Contract with the platform: 403 on
// a missing or bad signature, 400 on malformed JSON, otherwise 200 promptly
// — slow acknowledgment makes the platform re-deliver the whole batch, so
// ingestion runs asynchronously after the response.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Failed to read webhook body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Authenticity first. Never process an unsigned or mis-signed body.
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		slog.Warn("Webhook received without signature header")
		http.Error(w, "Forbidden - No signature", http.StatusForbidden)
		return
	}
	if !h.ingestor.Verify(body, signature) {
		slog.Warn("Webhook signature validation failed")
		http.Error(w, "Forbidden - Invalid signature", http.StatusForbidden)
		return
	}

	// Cheap syntactic check so malformed JSON gets its 400 synchronously;
	// the semantic work happens off the request path.
	if !json.Valid(body) {
		slog.Warn("Webhook body is not valid JSON", "content_length", len(body))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("PANIC in webhook processing goroutine", "panic", r)
			}
		}()

		// Request context dies with the response; use a fresh one.
		if _, err := h.ingestor.Ingest(context.Background(), body); err != nil {
			slog.Error("Webhook batch ingestion failed", "error", err)
		}
	}()

	slog.Debug("Webhook received and queued for processing",
		"content_length", len(body),
	)
}
