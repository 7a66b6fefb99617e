// Package handler implements HTTP request handlers
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/services"
)

// OAuthHandler drives the owner-facing authorization flow: the initial
// redirect to the platform dialog and the callback that lands the code.
type OAuthHandler struct {
	oauth      *services.OAuthService
	successURL string // Owner-facing page after a successful connect
	failureURL string // Owner-facing page on failure, error code appended
}

// NewOAuthHandler creates a new OAuth handler.
func NewOAuthHandler(oauth *services.OAuthService, successURL, failureURL string) *OAuthHandler {
	return &OAuthHandler{
		oauth:      oauth,
		successURL: successURL,
		failureURL: failureURL,
	}
}

// HandleConnect starts the authorization flow.
// GET /oauth/facebook/connect?owner_id=123
func (h *OAuthHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil || ownerID <= 0 {
		WriteJSON(w, NewErrorResponse(http.StatusBadRequest, "owner_id is required"))
		return
	}

	authURL, _, err := h.oauth.BeginAuthorization(ownerID)
	if err != nil {
		slog.Error("Failed to begin authorization", "owner_id", ownerID, "error", err)
		WriteJSON(w, NewErrorResponse(http.StatusInternalServerError, "cannot start authorization"))
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback lands the platform redirect.
// GET /oauth/facebook/callback?code=...&state=...[&error=...]
//
// Success redirects to the success URL with the connected page count;
// failures redirect with a stable error code the dashboard can render.
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if platformErr := q.Get("error"); platformErr != "" {
		slog.Warn("Authorization denied by platform",
			"error", platformErr,
			"description", q.Get("error_description"),
		)
		h.redirectFailure(w, r, "invalid_request")
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		h.redirectFailure(w, r, "invalid_request")
		return
	}

	result, err := h.oauth.CompleteAuthorization(r.Context(), code, state)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidState):
			h.redirectFailure(w, r, "invalid_state")
		case errors.Is(err, domain.ErrTokenExchangeFailed):
			h.redirectFailure(w, r, "processing_failed")
		default:
			slog.Error("Authorization completion failed", "error", err)
			h.redirectFailure(w, r, "internal_error")
		}
		return
	}

	target := fmt.Sprintf("%s?pages=%d", h.successURL, result.PagesConnected)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *OAuthHandler) redirectFailure(w http.ResponseWriter, r *http.Request, code string) {
	target := h.failureURL + "?error=" + url.QueryEscape(code)
	http.Redirect(w, r, target, http.StatusFound)
}
