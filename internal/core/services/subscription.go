// Package services contains core business logic
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/ports"
	"connect-bridge/internal/crypto"
	"connect-bridge/internal/metrics"
)

// SubscriptionResult reports the final believed state after an operation.
type SubscriptionResult struct {
	PageID     string
	Phase      domain.SubscriptionPhase
	Subscribed bool
	Fields     []string
}

// SubscriptionManager drives the per-page webhook subscription state machine:
//
//	unsubscribed -> subscribing -> subscribed
//	subscribed   -> unsubscribing -> unsubscribed
//
// Transient phases fall back to failed with the prior terminal phase
// retained. All operations on the same page are serialized through a
// per-page mutex so racing subscribe/unsubscribe calls cannot leave the
// recorded state inconsistent with the last platform call that completed.
type SubscriptionManager struct {
	gateway  ports.PlatformGateway
	accounts ports.AccountRepository
	states   ports.SubscriptionRepository
	cipher   *crypto.TokenCipher
	monitor  *ConnectionMonitor
	backoff  BackoffPolicy

	mu    sync.Mutex
	locks map[string]*sync.Mutex // page id -> serializer
}

// NewSubscriptionManager wires the state machine with its collaborators.
func NewSubscriptionManager(
	gateway ports.PlatformGateway,
	accounts ports.AccountRepository,
	states ports.SubscriptionRepository,
	cipher *crypto.TokenCipher,
	monitor *ConnectionMonitor,
	backoff BackoffPolicy,
) *SubscriptionManager {
	return &SubscriptionManager{
		gateway:  gateway,
		accounts: accounts,
		states:   states,
		cipher:   cipher,
		monitor:  monitor,
		backoff:  backoff,
		locks:    make(map[string]*sync.Mutex),
	}
}

// pageLock returns the serializer for one page, creating it on first use.
func (m *SubscriptionManager) pageLock(pageID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[pageID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[pageID] = l
	}
	return l
}

// Subscribe subscribes a page to the given webhook fields. 5xx and network
// failures retry with exponential backoff; 4xx credential failures
// (ErrTokenInvalid, ErrPermissionDenied) fail immediately since retry cannot
// succeed without owner action.
func (m *SubscriptionManager) Subscribe(ctx context.Context, tenantID int64, pageID string, fields []string) (*SubscriptionResult, error) {
	lock := m.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	return m.subscribeLocked(ctx, tenantID, pageID, fields)
}

// subscribeLocked does the actual work; caller holds the page lock.
func (m *SubscriptionManager) subscribeLocked(ctx context.Context, tenantID int64, pageID string, fields []string) (*SubscriptionResult, error) {
	token, err := m.pageToken(ctx, pageID)
	if err != nil {
		return nil, err
	}

	st := m.loadOrInitState(ctx, tenantID, pageID)
	prior := terminalPhase(st.Phase, st.PriorPhase)
	st.DesiredFields = fields
	st.Phase = domain.PhaseSubscribing
	st.PriorPhase = prior
	m.saveState(ctx, st)

	err = m.backoff.Retry(ctx, func(ctx context.Context) error {
		return m.gateway.SubscribePage(ctx, pageID, token, fields)
	})
	m.monitor.Report(domain.SubsystemWebhook, err)

	if err != nil {
		metrics.SubscribeAttempts.WithLabelValues("subscribe", "failure").Inc()
		msg := err.Error()
		st.Phase = domain.PhaseFailed
		st.LastError = &msg
		st.ErrorCount++
		m.saveState(ctx, st)

		slog.Error("Page subscription failed",
			"page_id", pageID,
			"fields", fields,
			"error", err,
		)
		return &SubscriptionResult{PageID: pageID, Phase: st.Phase, Subscribed: st.Subscribed}, err
	}

	metrics.SubscribeAttempts.WithLabelValues("subscribe", "success").Inc()
	now := time.Now()
	st.Phase = domain.PhaseSubscribed
	st.PriorPhase = domain.PhaseSubscribed
	st.Subscribed = true
	st.LastSuccessAt = &now
	st.LastError = nil
	st.ErrorCount = 0
	m.saveState(ctx, st)

	slog.Info("Page subscribed to webhook fields",
		"page_id", pageID,
		"fields", fields,
	)
	return &SubscriptionResult{PageID: pageID, Phase: st.Phase, Subscribed: true, Fields: fields}, nil
}

// Unsubscribe removes the page's webhook subscription. Idempotent: an
// already-unsubscribed page returns success without a platform call.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, tenantID int64, pageID string) (*SubscriptionResult, error) {
	lock := m.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	st := m.loadOrInitState(ctx, tenantID, pageID)
	if !st.Subscribed && st.Phase == domain.PhaseUnsubscribed {
		slog.Debug("Unsubscribe no-op, page already unsubscribed", "page_id", pageID)
		return &SubscriptionResult{PageID: pageID, Phase: st.Phase, Subscribed: false}, nil
	}

	token, err := m.pageToken(ctx, pageID)
	if err != nil {
		return nil, err
	}

	prior := terminalPhase(st.Phase, st.PriorPhase)
	st.Phase = domain.PhaseUnsubscribing
	st.PriorPhase = prior
	m.saveState(ctx, st)

	err = m.backoff.Retry(ctx, func(ctx context.Context) error {
		return m.gateway.UnsubscribePage(ctx, pageID, token)
	})
	m.monitor.Report(domain.SubsystemWebhook, err)

	if err != nil {
		metrics.SubscribeAttempts.WithLabelValues("unsubscribe", "failure").Inc()
		msg := err.Error()
		st.Phase = domain.PhaseFailed
		st.LastError = &msg
		st.ErrorCount++
		m.saveState(ctx, st)
		return &SubscriptionResult{PageID: pageID, Phase: st.Phase, Subscribed: st.Subscribed}, err
	}

	metrics.SubscribeAttempts.WithLabelValues("unsubscribe", "success").Inc()
	now := time.Now()
	st.Phase = domain.PhaseUnsubscribed
	st.PriorPhase = domain.PhaseUnsubscribed
	st.Subscribed = false
	st.LastSuccessAt = &now
	st.LastError = nil
	st.ErrorCount = 0
	m.saveState(ctx, st)

	slog.Info("Page unsubscribed from webhooks", "page_id", pageID)
	return &SubscriptionResult{PageID: pageID, Phase: st.Phase, Subscribed: false}, nil
}

// Reconcile compares the platform's authoritative field list against the
// believed desired set and resubscribes on drift. Local state is a belief;
// manual revocation or platform-side expiry can invalidate it at any time.
// Safe to call concurrently with an in-flight subscribe: the page lock
// serializes them.
func (m *SubscriptionManager) Reconcile(ctx context.Context, tenantID int64, pageID string) (*SubscriptionResult, error) {
	lock := m.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	st := m.loadOrInitState(ctx, tenantID, pageID)

	token, err := m.pageToken(ctx, pageID)
	if err != nil {
		return nil, err
	}

	actual, err := m.gateway.ListSubscribedFields(ctx, pageID, token)
	m.monitor.Report(domain.SubsystemPlatformAPI, err)
	if err != nil {
		metrics.SubscribeAttempts.WithLabelValues("reconcile", "failure").Inc()
		return nil, fmt.Errorf("list platform subscriptions: %w", err)
	}

	desired := st.DesiredFields
	if len(desired) == 0 {
		desired = domain.DefaultSubscribedFields
	}

	if fieldsEqual(actual, desired) && st.Subscribed {
		metrics.SubscribeAttempts.WithLabelValues("reconcile", "in_sync").Inc()
		slog.Debug("Subscription in sync", "page_id", pageID, "fields", desired)
		return &SubscriptionResult{PageID: pageID, Phase: st.Phase, Subscribed: st.Subscribed, Fields: actual}, nil
	}

	slog.Warn("Subscription drift detected, resubscribing",
		"page_id", pageID,
		"believed_subscribed", st.Subscribed,
		"platform_fields", actual,
		"desired_fields", desired,
	)
	metrics.SubscribeAttempts.WithLabelValues("reconcile", "drift").Inc()

	return m.subscribeLocked(ctx, tenantID, pageID, desired)
}

// RunReconcileLoop reconciles every active account on a fixed interval until
// ctx is cancelled. Started from main as a background goroutine.
func (m *SubscriptionManager) RunReconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Subscription reconcile loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Subscription reconcile loop stopped")
			return
		case <-ticker.C:
			accounts, err := m.accounts.ListActive(ctx)
			if err != nil {
				slog.Error("Reconcile loop cannot list accounts", "error", err)
				continue
			}
			for _, acc := range accounts {
				if _, err := m.Reconcile(ctx, acc.TenantID, acc.PageID); err != nil {
					slog.Warn("Periodic reconcile failed",
						"page_id", acc.PageID,
						"error", err,
					)
				}
			}
		}
	}
}

// pageToken resolves and decrypts the page access token.
func (m *SubscriptionManager) pageToken(ctx context.Context, pageID string) (string, error) {
	acc, err := m.accounts.GetByPageID(ctx, domain.PlatformFacebook, pageID)
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	if acc == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownAccount, pageID)
	}
	token, err := m.cipher.Decrypt(acc.AccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypt page token: %w", err)
	}
	return token, nil
}

// loadOrInitState never fails the operation: a read error just starts from a
// fresh unsubscribed state, which reconcile will correct later.
func (m *SubscriptionManager) loadOrInitState(ctx context.Context, tenantID int64, pageID string) *domain.WebhookSubscription {
	st, err := m.states.GetState(ctx, tenantID, pageID)
	if err != nil {
		slog.Warn("Cannot load subscription state, starting fresh",
			"page_id", pageID,
			"error", err,
		)
	}
	if st == nil {
		st = &domain.WebhookSubscription{
			TenantID:   tenantID,
			PageID:     pageID,
			Phase:      domain.PhaseUnsubscribed,
			PriorPhase: domain.PhaseUnsubscribed,
		}
	}
	return st
}

// saveState persists the believed state; failures are logged, not fatal,
// because the platform call already happened.
func (m *SubscriptionManager) saveState(ctx context.Context, st *domain.WebhookSubscription) {
	st.UpdatedAt = time.Now()
	if err := m.states.SaveState(ctx, st); err != nil {
		slog.Error("Failed to persist subscription state",
			"page_id", st.PageID,
			"phase", string(st.Phase),
			"error", err,
		)
	}
}

// terminalPhase picks the last terminal phase to retain while a transient
// phase is in flight.
func terminalPhase(current, prior domain.SubscriptionPhase) domain.SubscriptionPhase {
	switch current {
	case domain.PhaseSubscribed, domain.PhaseUnsubscribed:
		return current
	default:
		return prior
	}
}

// fieldsEqual compares two field sets order-insensitively.
func fieldsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
