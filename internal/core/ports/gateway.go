// Package ports defines interfaces for dependency inversion
package ports

import "context"

// TokenExchange is the result of trading an authorization code for a
// long-lived user token.
type TokenExchange struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64 // Seconds; 0 means the platform reported no expiry
}

// PlatformPage is one managed page returned by the platform's account list,
// carrying its own page-scoped access token.
type PlatformPage struct {
	ID          string
	Name        string
	AccessToken string
	Tasks       []string
}

// PlatformGateway is the outbound port to the external platform's Graph API.
// Implementations classify failures into the domain error taxonomy so the
// services can decide retry-vs-surface without knowing HTTP.
type PlatformGateway interface {
	// ExchangeCode trades an OAuth authorization code for a long-lived user
	// token.
	ExchangeCode(ctx context.Context, code string) (*TokenExchange, error)

	// ListPages fetches the pages managed by the authorizing user, each with
	// a page-scoped token.
	ListPages(ctx context.Context, userToken string) ([]PlatformPage, error)

	// SubscribePage subscribes the app to webhook fields for one page.
	SubscribePage(ctx context.Context, pageID, pageToken string, fields []string) error

	// UnsubscribePage removes the app's webhook subscription for one page.
	UnsubscribePage(ctx context.Context, pageID, pageToken string) error

	// ListSubscribedFields returns the platform's authoritative field list
	// for a page. Empty slice means no active subscription.
	ListSubscribedFields(ctx context.Context, pageID, pageToken string) ([]string, error)
}

// EventPublisher is the outbound port to the real-time fan-out transport.
// Publish is fire-and-forget: a failed or dropped delivery never rolls back
// a persisted message.
type EventPublisher interface {
	Publish(conversationID int64, payload []byte)
}
