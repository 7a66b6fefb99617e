// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/ports"
	"connect-bridge/internal/metrics"
)

// GraphClient talks to the platform Graph API: OAuth code exchange, page
// listing, and per-page webhook subscription management.
type GraphClient struct {
	httpClient  *http.Client
	baseURL     string
	apiVersion  string
	appID       string
	appSecret   string
	redirectURI string
}

var _ ports.PlatformGateway = (*GraphClient)(nil)

// GraphConfig carries what the client needs to authenticate app-level calls.
type GraphConfig struct {
	BaseURL     string // Default https://graph.facebook.com
	APIVersion  string // Default v19.0
	AppID       string
	AppSecret   string
	RedirectURI string
}

// NewGraphClient creates a Graph API client with a bounded request timeout.
func NewGraphClient(cfg GraphConfig) *GraphClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v19.0"
	}
	return &GraphClient{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     cfg.BaseURL,
		apiVersion:  cfg.APIVersion,
		appID:       cfg.AppID,
		appSecret:   cfg.AppSecret,
		redirectURI: cfg.RedirectURI,
	}
}

// graphError is the platform's error envelope.
type graphError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

// ExchangeCode trades an authorization code for a long-lived user token.
func (c *GraphClient) ExchangeCode(ctx context.Context, code string) (*ports.TokenExchange, error) {
	q := url.Values{}
	q.Set("client_id", c.appID)
	q.Set("client_secret", c.appSecret)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("code", code)

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.get(ctx, "oauth/access_token", q, &out); err != nil {
		return nil, err
	}

	slog.Info("Authorization code exchanged", "expires_in", out.ExpiresIn)
	return &ports.TokenExchange{
		AccessToken: out.AccessToken,
		TokenType:   out.TokenType,
		ExpiresIn:   out.ExpiresIn,
	}, nil
}

// ListPages fetches the pages managed by the authorizing user, each carrying
// its own page-scoped access token.
func (c *GraphClient) ListPages(ctx context.Context, userToken string) ([]ports.PlatformPage, error) {
	q := url.Values{}
	q.Set("access_token", userToken)
	q.Set("fields", "id,name,access_token,tasks")

	var out struct {
		Data []struct {
			ID          string   `json:"id"`
			Name        string   `json:"name"`
			AccessToken string   `json:"access_token"`
			Tasks       []string `json:"tasks"`
		} `json:"data"`
	}
	if err := c.get(ctx, "me/accounts", q, &out); err != nil {
		return nil, err
	}

	pages := make([]ports.PlatformPage, 0, len(out.Data))
	for _, p := range out.Data {
		pages = append(pages, ports.PlatformPage{
			ID:          p.ID,
			Name:        p.Name,
			AccessToken: p.AccessToken,
			Tasks:       p.Tasks,
		})
	}
	slog.Info("Managed pages listed", "count", len(pages))
	return pages, nil
}

// SubscribePage subscribes the app to webhook fields for one page.
func (c *GraphClient) SubscribePage(ctx context.Context, pageID, pageToken string, fields []string) error {
	q := url.Values{}
	q.Set("access_token", pageToken)
	q.Set("subscribed_fields", strings.Join(fields, ","))

	var out struct {
		Success bool `json:"success"`
	}
	if err := c.call(ctx, http.MethodPost, pageID+"/subscribed_apps", q, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%w: platform reported success=false", domain.ErrTransientPlatform)
	}
	return nil
}

// UnsubscribePage removes the app's webhook subscription for one page.
func (c *GraphClient) UnsubscribePage(ctx context.Context, pageID, pageToken string) error {
	q := url.Values{}
	q.Set("access_token", pageToken)

	var out struct {
		Success bool `json:"success"`
	}
	if err := c.call(ctx, http.MethodDelete, pageID+"/subscribed_apps", q, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%w: platform reported success=false", domain.ErrTransientPlatform)
	}
	return nil
}

// ListSubscribedFields returns the authoritative field list for a page.
// An empty slice means the platform has no active subscription.
func (c *GraphClient) ListSubscribedFields(ctx context.Context, pageID, pageToken string) ([]string, error) {
	q := url.Values{}
	q.Set("access_token", pageToken)

	var out struct {
		Data []struct {
			ID               string   `json:"id"`
			SubscribedFields []string `json:"subscribed_fields"`
		} `json:"data"`
	}
	if err := c.get(ctx, pageID+"/subscribed_apps", q, &out); err != nil {
		return nil, err
	}

	for _, app := range out.Data {
		if app.ID == c.appID || len(out.Data) == 1 {
			return app.SubscribedFields, nil
		}
	}
	return nil, nil
}

// ============================================================================
// Transport plumbing
// ============================================================================

func (c *GraphClient) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.call(ctx, http.MethodGet, path, q, out)
}

// call performs one Graph API request and classifies failures into the
// domain taxonomy: network problems and 5xx map to ErrTransientPlatform,
// credential codes map to ErrTokenInvalid/ErrPermissionDenied.
func (c *GraphClient) call(ctx context.Context, method, path string, q url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, path)

	start := time.Now()
	defer func() {
		metrics.GraphLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("Graph API request failed", "path", path, "error", err)
		return fmt.Errorf("%w: %s", domain.ErrTransientPlatform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %s", domain.ErrTransientPlatform, err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.classifyError(resp.StatusCode, body, path)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse graph response: %w", err)
		}
	}
	return nil
}

// classifyError maps the platform's error codes onto the domain taxonomy.
// Code reference matches the Messenger platform docs: 190 token, 10/200/299
// permission, 4/17/32/613 rate limit.
func (c *GraphClient) classifyError(status int, body []byte, path string) error {
	if status >= 500 {
		slog.Error("Graph API server error", "status", status, "path", path)
		return fmt.Errorf("%w: http %d", domain.ErrTransientPlatform, status)
	}

	var wrapper struct {
		Error graphError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return fmt.Errorf("graph api error %d: %s", status, string(body))
	}

	ge := wrapper.Error
	slog.Error("Graph API error",
		"status", status,
		"code", ge.Code,
		"subcode", ge.ErrorSubcode,
		"message", ge.Message,
		"fbtrace_id", ge.FBTraceID,
		"path", path,
	)

	switch ge.Code {
	case 190:
		return fmt.Errorf("%w: %s", domain.ErrTokenInvalid, ge.Message)
	case 10, 200, 299:
		return fmt.Errorf("%w: %s", domain.ErrPermissionDenied, ge.Message)
	case 4, 17, 32, 613:
		// Rate limits clear on their own; treat as retryable.
		return fmt.Errorf("%w: rate limited: %s", domain.ErrTransientPlatform, ge.Message)
	default:
		return fmt.Errorf("graph api error (code %d): %s", ge.Code, ge.Message)
	}
}
