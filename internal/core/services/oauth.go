// Package services contains core business logic
package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/ports"
	"connect-bridge/internal/crypto"
	"connect-bridge/internal/metrics"
)

// OAuthConfig carries the platform app credentials and dialog endpoints.
type OAuthConfig struct {
	AppID         string
	RedirectURI   string
	Scopes        []string
	StateSecret   string        // HMAC key for the signed state parameter
	StateValidity time.Duration // How long a state token stays acceptable
	DialogURL     string        // e.g. https://www.facebook.com/v19.0/dialog/oauth
}

// ConnectResult summarizes a completed authorization.
type ConnectResult struct {
	TenantID       int64
	PagesConnected int
	PageIDs        []string
}

// OAuthService converts authorization codes into connected accounts. The
// state parameter binds the owner id and a timestamp, HMAC-signed so it can
// be validated without server-side session storage.
type OAuthService struct {
	cfg      OAuthConfig
	gateway  ports.PlatformGateway
	accounts ports.AccountRepository
	cipher   *crypto.TokenCipher
	subs     *SubscriptionManager
	monitor  *ConnectionMonitor
}

// NewOAuthService wires the OAuth exchange with its collaborators.
func NewOAuthService(
	cfg OAuthConfig,
	gateway ports.PlatformGateway,
	accounts ports.AccountRepository,
	cipher *crypto.TokenCipher,
	subs *SubscriptionManager,
	monitor *ConnectionMonitor,
) *OAuthService {
	if cfg.StateValidity <= 0 {
		cfg.StateValidity = 15 * time.Minute
	}
	return &OAuthService{
		cfg:      cfg,
		gateway:  gateway,
		accounts: accounts,
		cipher:   cipher,
		subs:     subs,
		monitor:  monitor,
	}
}

// BeginAuthorization builds the platform authorization URL for an owner and
// the opaque state embedded in it.
func (s *OAuthService) BeginAuthorization(ownerID int64) (authURL string, state string, err error) {
	state = s.encodeState(ownerID, time.Now())

	q := url.Values{}
	q.Set("client_id", s.cfg.AppID)
	q.Set("redirect_uri", s.cfg.RedirectURI)
	q.Set("state", state)
	q.Set("response_type", "code")
	if len(s.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(s.cfg.Scopes, ","))
	}

	return s.cfg.DialogURL + "?" + q.Encode(), state, nil
}

// CompleteAuthorization validates the returned state, exchanges the code for
// a long-lived token, and upserts one ConnectedAccount per managed page with
// tokens encrypted at rest. Webhook subscription of the new pages runs
// asynchronously: a subscription failure never rolls back account creation.
func (s *OAuthService) CompleteAuthorization(ctx context.Context, code, state string) (*ConnectResult, error) {
	ownerID, err := s.decodeState(state, time.Now())
	if err != nil {
		return nil, err
	}

	exchange, err := s.gateway.ExchangeCode(ctx, code)
	s.monitor.Report(domain.SubsystemPlatformAPI, err)
	if err != nil {
		slog.Error("Authorization code exchange failed", "owner_id", ownerID, "error", err)
		return nil, fmt.Errorf("%w: %s", domain.ErrTokenExchangeFailed, err)
	}

	pages, err := s.gateway.ListPages(ctx, exchange.AccessToken)
	s.monitor.Report(domain.SubsystemPlatformAPI, err)
	if err != nil {
		return nil, fmt.Errorf("list managed pages: %w", err)
	}

	result := &ConnectResult{TenantID: ownerID}
	for _, page := range pages {
		encToken, err := s.cipher.Encrypt(page.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt page token: %w", err)
		}

		settings, _ := json.Marshal(map[string]any{"tasks": page.Tasks})

		var expiresAt *time.Time
		if exchange.ExpiresIn > 0 {
			t := time.Now().Add(time.Duration(exchange.ExpiresIn) * time.Second)
			expiresAt = &t
		}

		acc := &domain.ConnectedAccount{
			TenantID:       ownerID,
			Platform:       domain.PlatformFacebook,
			PageID:         page.ID,
			PageName:       page.Name,
			AccessToken:    encToken,
			TokenExpiresAt: expiresAt,
			IsActive:       true,
			Settings:       settings,
			CreatedAt:      time.Now(),
		}
		if err := s.accounts.UpsertAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("upsert connected account: %w", err)
		}

		result.PagesConnected++
		result.PageIDs = append(result.PageIDs, page.ID)
		metrics.PagesConnected.Inc()

		slog.Info("Page connected",
			"tenant_id", ownerID,
			"page_id", page.ID,
			"page_name", page.Name,
		)
	}

	// Subscribe the new pages in the background. Partial success is
	// acceptable: the owner can retry subscription independently.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("PANIC in post-connect subscribe", "panic", r)
			}
		}()

		bg := context.Background()
		for _, pageID := range result.PageIDs {
			if _, err := s.subs.Subscribe(bg, ownerID, pageID, domain.DefaultSubscribedFields); err != nil {
				slog.Error("Post-connect subscription failed",
					"tenant_id", ownerID,
					"page_id", pageID,
					"error", err,
				)
			}
		}
	}()

	return result, nil
}

// ============================================================================
// Signed state parameter
// ============================================================================

// encodeState builds base64url(ownerID|unix|nonce|sig) where sig is
// HMAC-SHA256 over "ownerID|unix|nonce".
func (s *OAuthService) encodeState(ownerID int64, now time.Time) string {
	payload := fmt.Sprintf("%d|%d|%s", ownerID, now.Unix(), uuid.NewString())
	sig := s.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + sig))
}

// decodeState verifies signature and age. Anything malformed, tampered, or
// older than the validity window is ErrInvalidState.
func (s *OAuthService) decodeState(state string, now time.Time) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return 0, fmt.Errorf("%w: undecodable", domain.ErrInvalidState)
	}

	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return 0, fmt.Errorf("%w: malformed", domain.ErrInvalidState)
	}

	payload := strings.Join(parts[:3], "|")
	if !hmac.Equal([]byte(s.sign(payload)), []byte(parts[3])) {
		return 0, fmt.Errorf("%w: bad signature", domain.ErrInvalidState)
	}

	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad timestamp", domain.ErrInvalidState)
	}
	age := now.Sub(time.Unix(issued, 0))
	if age > s.cfg.StateValidity || age < -time.Minute {
		return 0, fmt.Errorf("%w: outside validity window", domain.ErrInvalidState)
	}

	ownerID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad owner id", domain.ErrInvalidState)
	}
	return ownerID, nil
}

func (s *OAuthService) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.StateSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
