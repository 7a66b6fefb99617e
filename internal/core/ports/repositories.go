// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"time"

	"connect-bridge/internal/core/domain"
)

// AccountRepository handles persistence of connected platform accounts.
// Token fields are mutated only by the OAuth exchange and the disconnect
// path; everything else treats them as read-only.
type AccountRepository interface {
	// UpsertAccount inserts or updates an account keyed on
	// (tenant_id, platform, page_id).
	UpsertAccount(ctx context.Context, acc *domain.ConnectedAccount) error

	// GetByPageID resolves the active account owning a page, or nil when the
	// page was disconnected (expected for stale webhook deliveries).
	GetByPageID(ctx context.Context, platform, pageID string) (*domain.ConnectedAccount, error)

	// ListActive returns every active account, used by the reconcile loop.
	ListActive(ctx context.Context) ([]*domain.ConnectedAccount, error)

	// DeactivateAccount soft-deletes on revocation or disconnect.
	// Accounts are never hard-deleted.
	DeactivateAccount(ctx context.Context, platform, pageID string) error
}

// ConversationRepository handles conversation/thread management.
type ConversationRepository interface {
	// GetOrCreate returns the single active conversation for
	// (tenant, platform, page, participant), creating it lazily on the first
	// message.
	GetOrCreate(ctx context.Context, tenantID int64, platform, pageID, participantID string) (int64, error)

	// Find resolves the active conversation without creating one. Returns
	// 0, nil when the participant has no conversation yet — receipts must
	// never create rows, only messages do.
	Find(ctx context.Context, tenantID int64, platform, pageID, participantID string) (int64, error)

	// TouchOnInboundMessage advances last_message_at (never regresses it) and
	// increments the unread counter.
	TouchOnInboundMessage(ctx context.Context, conversationID int64, sentAt time.Time) error

	// Archive marks a conversation inactive.
	Archive(ctx context.Context, conversationID int64) error
}

// MessageRepository handles persistence of normalized messages.
type MessageRepository interface {
	// InsertMessage performs the idempotent upsert keyed on
	// (conversation_id, external_msg_id). Returns created=false when the row
	// already existed, which is the known-retry no-op outcome.
	InsertMessage(ctx context.Context, msg *domain.Message) (created bool, err error)
}

// SubscriptionRepository persists the believed webhook subscription state.
type SubscriptionRepository interface {
	// SaveState upserts the believed state for a page.
	SaveState(ctx context.Context, st *domain.WebhookSubscription) error

	// GetState returns the believed state, or nil if the page never
	// subscribed.
	GetState(ctx context.Context, tenantID int64, pageID string) (*domain.WebhookSubscription, error)
}

// DedupRepository is the fast-path duplicate check in front of the DB
// uniqueness constraint. Advisory only: the constraint is the authority.
type DedupRepository interface {
	// IsDuplicate checks if a platform message id was recently processed.
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records a processed id with a TTL.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// WebhookLogRepository persists the raw payload audit trail.
type WebhookLogRepository interface {
	SaveLog(ctx context.Context, log *domain.WebhookLog) error
}
