package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/ports"
	"connect-bridge/internal/crypto"
)

// ============================================================================
// Mock Repositories
// ============================================================================

// MockAccountRepository mocks AccountRepository interface
type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) UpsertAccount(ctx context.Context, acc *domain.ConnectedAccount) error {
	args := m.Called(ctx, acc)
	return args.Error(0)
}

func (m *MockAccountRepository) GetByPageID(ctx context.Context, platform, pageID string) (*domain.ConnectedAccount, error) {
	args := m.Called(ctx, platform, pageID)
	// Safely handle nil return
	if result := args.Get(0); result != nil {
		return result.(*domain.ConnectedAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepository) ListActive(ctx context.Context) ([]*domain.ConnectedAccount, error) {
	args := m.Called(ctx)
	if result := args.Get(0); result != nil {
		return result.([]*domain.ConnectedAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAccountRepository) DeactivateAccount(ctx context.Context, platform, pageID string) error {
	args := m.Called(ctx, platform, pageID)
	return args.Error(0)
}

// MockConversationRepository mocks ConversationRepository interface
type MockConversationRepository struct {
	mock.Mock
}

func (m *MockConversationRepository) GetOrCreate(ctx context.Context, tenantID int64, platform, pageID, participantID string) (int64, error) {
	args := m.Called(ctx, tenantID, platform, pageID, participantID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockConversationRepository) Find(ctx context.Context, tenantID int64, platform, pageID, participantID string) (int64, error) {
	args := m.Called(ctx, tenantID, platform, pageID, participantID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockConversationRepository) TouchOnInboundMessage(ctx context.Context, conversationID int64, sentAt time.Time) error {
	args := m.Called(ctx, conversationID, sentAt)
	return args.Error(0)
}

func (m *MockConversationRepository) Archive(ctx context.Context, conversationID int64) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// MockMessageRepository mocks MessageRepository interface
type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) InsertMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	args := m.Called(ctx, msg)
	return args.Bool(0), args.Error(1)
}

// MockDedupRepository mocks DedupRepository interface
type MockDedupRepository struct {
	mock.Mock
}

func (m *MockDedupRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	args := m.Called(ctx, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDedupRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	args := m.Called(ctx, eventID, ttl)
	return args.Error(0)
}

// MockWebhookLogRepository mocks WebhookLogRepository interface
type MockWebhookLogRepository struct {
	mock.Mock
}

func (m *MockWebhookLogRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

// MockPlatformGateway mocks the outbound Graph API port
type MockPlatformGateway struct {
	mock.Mock
}

func (m *MockPlatformGateway) ExchangeCode(ctx context.Context, code string) (*ports.TokenExchange, error) {
	args := m.Called(ctx, code)
	if result := args.Get(0); result != nil {
		return result.(*ports.TokenExchange), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlatformGateway) ListPages(ctx context.Context, userToken string) ([]ports.PlatformPage, error) {
	args := m.Called(ctx, userToken)
	if result := args.Get(0); result != nil {
		return result.([]ports.PlatformPage), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlatformGateway) SubscribePage(ctx context.Context, pageID, pageToken string, fields []string) error {
	args := m.Called(ctx, pageID, pageToken, fields)
	return args.Error(0)
}

func (m *MockPlatformGateway) UnsubscribePage(ctx context.Context, pageID, pageToken string) error {
	args := m.Called(ctx, pageID, pageToken)
	return args.Error(0)
}

func (m *MockPlatformGateway) ListSubscribedFields(ctx context.Context, pageID, pageToken string) ([]string, error) {
	args := m.Called(ctx, pageID, pageToken)
	if result := args.Get(0); result != nil {
		return result.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

// ============================================================================
// In-memory fakes
// ============================================================================

// fakeStateStore is an in-memory SubscriptionRepository. Subscription tests
// need real read-your-writes behavior across calls, which mock expectations
// cannot express cleanly.
type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]*domain.WebhookSubscription
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]*domain.WebhookSubscription)}
}

func (f *fakeStateStore) SaveState(_ context.Context, st *domain.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.states[st.PageID] = &cp
	return nil
}

func (f *fakeStateStore) GetState(_ context.Context, _ int64, pageID string) (*domain.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[pageID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// fakeConversationStore is an in-memory ConversationRepository with the same
// advance-only clock rule as the SQL layer (GREATEST of stored and incoming),
// so pipeline tests can observe the recorded last-message timestamp.
type fakeConversationStore struct {
	mu            sync.Mutex
	nextID        int64
	ids           map[string]int64
	lastMessageAt map[int64]time.Time
}

func newFakeConversationStore() *fakeConversationStore {
	return &fakeConversationStore{
		ids:           make(map[string]int64),
		lastMessageAt: make(map[int64]time.Time),
	}
}

func convKey(tenantID int64, platform, pageID, participantID string) string {
	return fmt.Sprintf("%d|%s|%s|%s", tenantID, platform, pageID, participantID)
}

func (f *fakeConversationStore) GetOrCreate(_ context.Context, tenantID int64, platform, pageID, participantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := convKey(tenantID, platform, pageID, participantID)
	if id, ok := f.ids[key]; ok {
		return id, nil
	}
	f.nextID++
	f.ids[key] = f.nextID
	return f.nextID, nil
}

func (f *fakeConversationStore) Find(_ context.Context, tenantID int64, platform, pageID, participantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[convKey(tenantID, platform, pageID, participantID)], nil
}

func (f *fakeConversationStore) TouchOnInboundMessage(_ context.Context, conversationID int64, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sentAt.After(f.lastMessageAt[conversationID]) {
		f.lastMessageAt[conversationID] = sentAt
	}
	return nil
}

func (f *fakeConversationStore) Archive(_ context.Context, _ int64) error { return nil }

func (f *fakeConversationStore) clock(conversationID int64) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMessageAt[conversationID]
}

// capturePublisher records fan-out deliveries for assertions.
type capturePublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	ConversationID int64
	Payload        []byte
}

func (p *capturePublisher) Publish(conversationID int64, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedEvent{conversationID, payload})
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// ============================================================================
// Test Helper Functions
// ============================================================================

// testBackoff keeps retries fast enough for unit tests.
var testBackoff = BackoffPolicy{
	MaxAttempts: 4,
	BaseDelay:   time.Millisecond,
	Multiplier:  2.0,
	MaxDelay:    10 * time.Millisecond,
}

func newTestCipher(t *testing.T) *crypto.TokenCipher {
	t.Helper()
	cipher, err := crypto.NewTokenCipher("unit-test-secret")
	if err != nil {
		t.Fatalf("cannot build test cipher: %v", err)
	}
	return cipher
}

// activeAccount builds a connected account whose token decrypts with the
// given cipher.
func activeAccount(t *testing.T, cipher *crypto.TokenCipher, tenantID int64, pageID, plainToken string) *domain.ConnectedAccount {
	t.Helper()
	enc, err := cipher.Encrypt(plainToken)
	if err != nil {
		t.Fatalf("cannot encrypt test token: %v", err)
	}
	return &domain.ConnectedAccount{
		ID:          1,
		TenantID:    tenantID,
		Platform:    domain.PlatformFacebook,
		PageID:      pageID,
		PageName:    "Test Page",
		AccessToken: enc,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
}
