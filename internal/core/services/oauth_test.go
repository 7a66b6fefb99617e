package services

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/ports"
	"connect-bridge/internal/crypto"
)

// createTestOAuth wires an OAuth service with a mock gateway and mock account
// repository. The subscription manager underneath is real so the async
// post-connect subscribe path is exercised end to end.
func createTestOAuth(t *testing.T) (*OAuthService, *MockPlatformGateway, *MockAccountRepository, *crypto.TokenCipher) {
	gateway := new(MockPlatformGateway)
	accountRepo := new(MockAccountRepository)
	cipher := newTestCipher(t)
	monitor := NewConnectionMonitor(testBackoff)
	subs := NewSubscriptionManager(gateway, accountRepo, newFakeStateStore(), cipher, monitor, testBackoff)

	oauth := NewOAuthService(OAuthConfig{
		AppID:         "app123",
		RedirectURI:   "https://bridge.example.com/oauth/facebook/callback",
		Scopes:        []string{"pages_show_list", "pages_messaging"},
		StateSecret:   "state-secret",
		StateValidity: 15 * time.Minute,
		DialogURL:     "https://www.facebook.com/v19.0/dialog/oauth",
	}, gateway, accountRepo, cipher, subs, monitor)

	return oauth, gateway, accountRepo, cipher
}

// ============================================================================
// Signed state parameter
// ============================================================================

func TestBeginAuthorization_BuildsDialogURL(t *testing.T) {
	oauth, _, _, _ := createTestOAuth(t)

	authURL, state, err := oauth.BeginAuthorization(42)

	assert.NoError(t, err)
	assert.NotEmpty(t, state)

	parsed, err := url.Parse(authURL)
	assert.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "app123", q.Get("client_id"))
	assert.Equal(t, "https://bridge.example.com/oauth/facebook/callback", q.Get("redirect_uri"))
	assert.Equal(t, state, q.Get("state"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "pages_show_list,pages_messaging", q.Get("scope"))
}

func TestState_RoundTrip(t *testing.T) {
	oauth, _, _, _ := createTestOAuth(t)

	state := oauth.encodeState(42, time.Now())
	ownerID, err := oauth.decodeState(state, time.Now())

	assert.NoError(t, err)
	assert.Equal(t, int64(42), ownerID)
}

func TestState_Expired(t *testing.T) {
	oauth, _, _, _ := createTestOAuth(t)

	state := oauth.encodeState(42, time.Now().Add(-20*time.Minute))
	_, err := oauth.decodeState(state, time.Now())

	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestState_Tampered(t *testing.T) {
	oauth, _, _, _ := createTestOAuth(t)

	state := oauth.encodeState(42, time.Now())
	raw, _ := base64.RawURLEncoding.DecodeString(state)

	// Swap the owner id in the payload, keeping the original signature
	forged := strings.Replace(string(raw), "42|", "43|", 1)
	_, err := oauth.decodeState(base64.RawURLEncoding.EncodeToString([]byte(forged)), time.Now())

	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestState_Garbage(t *testing.T) {
	oauth, _, _, _ := createTestOAuth(t)

	for _, state := range []string{"", "not-base64!!", base64.RawURLEncoding.EncodeToString([]byte("only|three|parts"))} {
		_, err := oauth.decodeState(state, time.Now())
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	}
}

// ============================================================================
// Authorization completion
// ============================================================================

func TestCompleteAuthorization_ConnectsEveryPage(t *testing.T) {
	oauth, gateway, accountRepo, cipher := createTestOAuth(t)
	ctx := context.Background()

	gateway.On("ExchangeCode", ctx, "auth-code").Return(&ports.TokenExchange{
		AccessToken: "long-lived-user-token",
		TokenType:   "bearer",
		ExpiresIn:   5184000,
	}, nil)
	gateway.On("ListPages", ctx, "long-lived-user-token").Return([]ports.PlatformPage{
		{ID: "PAGE_A", Name: "Page A", AccessToken: "token-a"},
		{ID: "PAGE_B", Name: "Page B", AccessToken: "token-b"},
	}, nil)

	var upserted []*domain.ConnectedAccount
	accountRepo.On("UpsertAccount", ctx, mock.AnythingOfType("*domain.ConnectedAccount")).Run(func(args mock.Arguments) {
		upserted = append(upserted, args.Get(1).(*domain.ConnectedAccount))
	}).Return(nil)

	// Async post-connect subscribe path
	accountRepo.On("GetByPageID", mock.Anything, domain.PlatformFacebook, mock.Anything).Return(activeAccount(t, cipher, 42, "PAGE_A", "token-a"), nil).Maybe()
	gateway.On("SubscribePage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	state := oauth.encodeState(42, time.Now())
	result, err := oauth.CompleteAuthorization(ctx, "auth-code", state)

	assert.NoError(t, err)
	assert.Equal(t, int64(42), result.TenantID)
	assert.Equal(t, 2, result.PagesConnected)
	assert.Equal(t, []string{"PAGE_A", "PAGE_B"}, result.PageIDs)

	assert.Len(t, upserted, 2)
	for i, acc := range upserted {
		assert.Equal(t, int64(42), acc.TenantID)
		assert.True(t, acc.IsActive)
		assert.NotNil(t, acc.TokenExpiresAt)

		// Tokens must be ciphertext in the row, recoverable with the key
		plain := []string{"token-a", "token-b"}[i]
		assert.NotEqual(t, plain, acc.AccessToken)
		decrypted, err := cipher.Decrypt(acc.AccessToken)
		assert.NoError(t, err)
		assert.Equal(t, plain, decrypted)
	}

	// Let the async subscribe goroutine finish before mocks are torn down
	time.Sleep(200 * time.Millisecond)
}

func TestCompleteAuthorization_InvalidState(t *testing.T) {
	oauth, gateway, accountRepo, _ := createTestOAuth(t)

	_, err := oauth.CompleteAuthorization(context.Background(), "auth-code", "bogus-state")

	assert.ErrorIs(t, err, domain.ErrInvalidState)
	gateway.AssertNotCalled(t, "ExchangeCode", mock.Anything, mock.Anything)
	accountRepo.AssertNotCalled(t, "UpsertAccount", mock.Anything, mock.Anything)
}

func TestCompleteAuthorization_ExchangeFails(t *testing.T) {
	oauth, gateway, accountRepo, _ := createTestOAuth(t)
	ctx := context.Background()

	gateway.On("ExchangeCode", ctx, "bad-code").Return(nil, errors.New("code already used"))

	state := oauth.encodeState(42, time.Now())
	_, err := oauth.CompleteAuthorization(ctx, "bad-code", state)

	assert.ErrorIs(t, err, domain.ErrTokenExchangeFailed)
	accountRepo.AssertNotCalled(t, "UpsertAccount", mock.Anything, mock.Anything)
}

// A failed webhook subscription must never roll back the connected account:
// the owner can retry subscription from the dashboard.
func TestCompleteAuthorization_SubscribeFailureKeepsAccount(t *testing.T) {
	oauth, gateway, accountRepo, cipher := createTestOAuth(t)
	ctx := context.Background()

	gateway.On("ExchangeCode", ctx, "auth-code").Return(&ports.TokenExchange{AccessToken: "user-token"}, nil)
	gateway.On("ListPages", ctx, "user-token").Return([]ports.PlatformPage{
		{ID: "PAGE_A", Name: "Page A", AccessToken: "token-a"},
	}, nil)
	accountRepo.On("UpsertAccount", ctx, mock.Anything).Return(nil)

	accountRepo.On("GetByPageID", mock.Anything, domain.PlatformFacebook, "PAGE_A").Return(activeAccount(t, cipher, 42, "PAGE_A", "token-a"), nil).Maybe()
	gateway.On("SubscribePage", mock.Anything, "PAGE_A", mock.Anything, mock.Anything).Return(domain.ErrPermissionDenied).Maybe()

	state := oauth.encodeState(42, time.Now())
	result, err := oauth.CompleteAuthorization(ctx, "auth-code", state)

	assert.NoError(t, err)
	assert.Equal(t, 1, result.PagesConnected)
	accountRepo.AssertCalled(t, "UpsertAccount", ctx, mock.Anything)

	time.Sleep(200 * time.Millisecond)
}
