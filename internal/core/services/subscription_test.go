package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"connect-bridge/internal/core/domain"
)

// createTestSubscriptions wires a manager with a mock gateway, a mock account
// repository holding one connected page, and an in-memory state store.
func createTestSubscriptions(t *testing.T) (*SubscriptionManager, *MockPlatformGateway, *MockAccountRepository, *fakeStateStore) {
	gateway := new(MockPlatformGateway)
	accountRepo := new(MockAccountRepository)
	states := newFakeStateStore()
	cipher := newTestCipher(t)
	monitor := NewConnectionMonitor(testBackoff)

	acc := activeAccount(t, cipher, 42, "PAGE_1", "page-token")
	accountRepo.On("GetByPageID", mock.Anything, domain.PlatformFacebook, "PAGE_1").Return(acc, nil).Maybe()

	manager := NewSubscriptionManager(gateway, accountRepo, states, cipher, monitor, testBackoff)
	return manager, gateway, accountRepo, states
}

func TestSubscribe_Success(t *testing.T) {
	manager, gateway, _, states := createTestSubscriptions(t)
	ctx := context.Background()
	fields := []string{"messages", "message_reads"}

	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", fields).Return(nil).Once()

	result, err := manager.Subscribe(ctx, 42, "PAGE_1", fields)

	assert.NoError(t, err)
	assert.Equal(t, domain.PhaseSubscribed, result.Phase)
	assert.True(t, result.Subscribed)

	st, _ := states.GetState(ctx, 42, "PAGE_1")
	assert.Equal(t, domain.PhaseSubscribed, st.Phase)
	assert.Equal(t, fields, st.DesiredFields)
	assert.Nil(t, st.LastError)
	assert.Zero(t, st.ErrorCount)
	assert.NotNil(t, st.LastSuccessAt)
	gateway.AssertExpectations(t)
}

// Three HTTP 500s then a 200: the success lands on the fourth call (three
// retries), the waits between attempts grow strictly, and the recorded error
// state is cleared.
func TestSubscribe_TransientFailuresThenSuccess(t *testing.T) {
	gateway := new(MockPlatformGateway)
	accountRepo := new(MockAccountRepository)
	states := newFakeStateStore()
	cipher := newTestCipher(t)
	monitor := NewConnectionMonitor(testBackoff)
	ctx := context.Background()

	acc := activeAccount(t, cipher, 42, "PAGE_1", "page-token")
	accountRepo.On("GetByPageID", mock.Anything, domain.PlatformFacebook, "PAGE_1").Return(acc, nil).Maybe()

	// Delays large enough that inter-attempt gaps are measurable: 20/40/80ms.
	policy := BackoffPolicy{MaxAttempts: 4, BaseDelay: 20 * time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second}
	manager := NewSubscriptionManager(gateway, accountRepo, states, cipher, monitor, policy)

	var attempts []time.Time
	record := func(mock.Arguments) { attempts = append(attempts, time.Now()) }

	transient := fmt.Errorf("%w: HTTP 500", domain.ErrTransientPlatform)
	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", mock.Anything).Run(record).Return(transient).Times(3)
	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", mock.Anything).Run(record).Return(nil).Once()

	result, err := manager.Subscribe(ctx, 42, "PAGE_1", domain.DefaultSubscribedFields)

	assert.NoError(t, err)
	gateway.AssertNumberOfCalls(t, "SubscribePage", 4) // 3 failures + 1 success
	assert.Equal(t, domain.PhaseSubscribed, result.Phase)
	assert.True(t, result.Subscribed)

	var prevGap time.Duration
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].Sub(attempts[i-1])
		assert.Greater(t, gap, prevGap, "wait before attempt %d must exceed the previous one", i+1)
		prevGap = gap
	}

	st, _ := states.GetState(ctx, 42, "PAGE_1")
	assert.Nil(t, st.LastError)
	assert.Zero(t, st.ErrorCount)
	assert.NotNil(t, st.LastSuccessAt)
}

// Credential failures cannot be fixed by retrying; the gateway must be hit
// exactly once and the failure recorded with the prior terminal phase kept.
func TestSubscribe_CredentialFailureNoRetry(t *testing.T) {
	manager, gateway, _, states := createTestSubscriptions(t)
	ctx := context.Background()

	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", mock.Anything).Return(domain.ErrTokenInvalid).Once()

	result, err := manager.Subscribe(ctx, 42, "PAGE_1", domain.DefaultSubscribedFields)

	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	assert.Equal(t, domain.PhaseFailed, result.Phase)
	assert.False(t, result.Subscribed)

	st, _ := states.GetState(ctx, 42, "PAGE_1")
	assert.Equal(t, domain.PhaseFailed, st.Phase)
	assert.Equal(t, domain.PhaseUnsubscribed, st.PriorPhase)
	assert.NotNil(t, st.LastError)
	assert.Equal(t, 1, st.ErrorCount)
	gateway.AssertNumberOfCalls(t, "SubscribePage", 1)
}

func TestSubscribe_TransientExhaustsBudget(t *testing.T) {
	manager, gateway, _, _ := createTestSubscriptions(t)
	ctx := context.Background()

	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", mock.Anything).Return(fmt.Errorf("%w: HTTP 503", domain.ErrTransientPlatform))

	_, err := manager.Subscribe(ctx, 42, "PAGE_1", domain.DefaultSubscribedFields)

	assert.ErrorIs(t, err, domain.ErrTransientPlatform)
	gateway.AssertNumberOfCalls(t, "SubscribePage", testBackoff.MaxAttempts)
}

func TestSubscribe_UnknownPage(t *testing.T) {
	manager, gateway, accountRepo, _ := createTestSubscriptions(t)
	accountRepo.On("GetByPageID", mock.Anything, domain.PlatformFacebook, "NOPE").Return(nil, nil)

	_, err := manager.Subscribe(context.Background(), 42, "NOPE", domain.DefaultSubscribedFields)

	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
	gateway.AssertNotCalled(t, "SubscribePage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ============================================================================
// Unsubscribe
// ============================================================================

func TestUnsubscribe_Success(t *testing.T) {
	manager, gateway, _, states := createTestSubscriptions(t)
	ctx := context.Background()

	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", mock.Anything).Return(nil).Once()
	gateway.On("UnsubscribePage", mock.Anything, "PAGE_1", "page-token").Return(nil).Once()

	_, err := manager.Subscribe(ctx, 42, "PAGE_1", domain.DefaultSubscribedFields)
	assert.NoError(t, err)

	result, err := manager.Unsubscribe(ctx, 42, "PAGE_1")
	assert.NoError(t, err)
	assert.Equal(t, domain.PhaseUnsubscribed, result.Phase)
	assert.False(t, result.Subscribed)

	st, _ := states.GetState(ctx, 42, "PAGE_1")
	assert.False(t, st.Subscribed)
	gateway.AssertExpectations(t)
}

// Unsubscribing a page that never subscribed is a success without touching
// the platform.
func TestUnsubscribe_Idempotent(t *testing.T) {
	manager, gateway, _, _ := createTestSubscriptions(t)

	result, err := manager.Unsubscribe(context.Background(), 42, "PAGE_1")

	assert.NoError(t, err)
	assert.Equal(t, domain.PhaseUnsubscribed, result.Phase)
	assert.False(t, result.Subscribed)
	gateway.AssertNotCalled(t, "UnsubscribePage", mock.Anything, mock.Anything, mock.Anything)
}

// ============================================================================
// Reconciliation
// ============================================================================

func TestReconcile_InSync(t *testing.T) {
	manager, gateway, _, _ := createTestSubscriptions(t)
	ctx := context.Background()

	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", mock.Anything).Return(nil).Once()
	_, err := manager.Subscribe(ctx, 42, "PAGE_1", []string{"messages", "message_reads"})
	assert.NoError(t, err)

	// Platform reports the same set in a different order
	gateway.On("ListSubscribedFields", mock.Anything, "PAGE_1", "page-token").Return([]string{"message_reads", "messages"}, nil).Once()

	result, err := manager.Reconcile(ctx, 42, "PAGE_1")

	assert.NoError(t, err)
	assert.True(t, result.Subscribed)
	gateway.AssertNumberOfCalls(t, "SubscribePage", 1) // No resubscribe
}

// Manual revocation on the platform side shows up as drift; reconcile must
// resubscribe the desired set.
func TestReconcile_DriftResubscribes(t *testing.T) {
	manager, gateway, _, states := createTestSubscriptions(t)
	ctx := context.Background()
	fields := []string{"messages", "message_reads"}

	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", fields).Return(nil)
	_, err := manager.Subscribe(ctx, 42, "PAGE_1", fields)
	assert.NoError(t, err)

	// Someone removed a field behind our back
	gateway.On("ListSubscribedFields", mock.Anything, "PAGE_1", "page-token").Return([]string{"messages"}, nil).Once()

	result, err := manager.Reconcile(ctx, 42, "PAGE_1")

	assert.NoError(t, err)
	assert.Equal(t, domain.PhaseSubscribed, result.Phase)
	gateway.AssertNumberOfCalls(t, "SubscribePage", 2)

	st, _ := states.GetState(ctx, 42, "PAGE_1")
	assert.Equal(t, fields, st.DesiredFields)
}

// A page with no recorded state reconciles against the default field set.
func TestReconcile_FreshStateUsesDefaults(t *testing.T) {
	manager, gateway, _, _ := createTestSubscriptions(t)
	ctx := context.Background()

	gateway.On("ListSubscribedFields", mock.Anything, "PAGE_1", "page-token").Return([]string{}, nil).Once()
	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", domain.DefaultSubscribedFields).Return(nil).Once()

	result, err := manager.Reconcile(ctx, 42, "PAGE_1")

	assert.NoError(t, err)
	assert.Equal(t, domain.PhaseSubscribed, result.Phase)
	gateway.AssertExpectations(t)
}

// Racing operations on one page serialize through the page lock; the final
// recorded state matches whichever platform call completed last, never a
// torn mix.
func TestSubscribe_ConcurrentSamePage(t *testing.T) {
	manager, gateway, _, states := createTestSubscriptions(t)
	ctx := context.Background()

	gateway.On("SubscribePage", mock.Anything, "PAGE_1", "page-token", mock.Anything).Return(nil)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = manager.Subscribe(ctx, 42, "PAGE_1", domain.DefaultSubscribedFields)
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent subscribes did not finish")
		}
	}

	st, _ := states.GetState(ctx, 42, "PAGE_1")
	assert.Equal(t, domain.PhaseSubscribed, st.Phase)
	assert.True(t, st.Subscribed)
}
