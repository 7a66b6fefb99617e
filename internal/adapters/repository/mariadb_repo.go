// Package repository implements data persistence adapters
// Following Hexagonal Architecture: Adapters implement ports defined in core
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/ports"
)

// Ensure MariaDBRepository implements the required interfaces
var (
	_ ports.AccountRepository      = (*MariaDBRepository)(nil)
	_ ports.ConversationRepository = (*MariaDBRepository)(nil)
	_ ports.MessageRepository      = (*MariaDBRepository)(nil)
	_ ports.SubscriptionRepository = (*MariaDBRepository)(nil)
	_ ports.WebhookLogRepository   = (*MariaDBRepository)(nil)
)

// MariaDBRepository implements persistence for connected accounts,
// conversations, messages, subscription state, and the webhook audit log.
type MariaDBRepository struct {
	db *sql.DB
}

// NewMariaDBRepository creates a new MariaDB repository instance
func NewMariaDBRepository(db *sql.DB) *MariaDBRepository {
	return &MariaDBRepository{db: db}
}

// ============================================================================
// AccountRepository Implementation
// ============================================================================

// UpsertAccount inserts or refreshes an account keyed on the
// (tenant_id, platform, page_id) unique constraint. Re-authorization
// reactivates a previously disconnected page.
func (r *MariaDBRepository) UpsertAccount(ctx context.Context, acc *domain.ConnectedAccount) error {
	query := `
		INSERT INTO connected_accounts (
			tenant_id, platform, page_id, page_name, access_token,
			refresh_token, token_expires_at, is_active, settings, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			page_name = VALUES(page_name),
			access_token = VALUES(access_token),
			refresh_token = VALUES(refresh_token),
			token_expires_at = VALUES(token_expires_at),
			is_active = VALUES(is_active),
			settings = VALUES(settings),
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		acc.TenantID,
		acc.Platform,
		acc.PageID,
		acc.PageName,
		acc.AccessToken,
		acc.RefreshToken,
		acc.TokenExpiresAt,
		acc.IsActive,
		acc.Settings,
		acc.CreatedAt,
	)

	if err != nil {
		slog.Error("Failed to upsert connected account",
			"error", err,
			"tenant_id", acc.TenantID,
			"page_id", acc.PageID,
		)
		return fmt.Errorf("upsert account: %w", err)
	}

	slog.Debug("Connected account upserted",
		"tenant_id", acc.TenantID,
		"page_id", acc.PageID,
	)
	return nil
}

// GetByPageID resolves the active account owning a page. Returns nil, nil
// when no active account matches — expected for webhook deliveries that
// arrive after a page was disconnected.
func (r *MariaDBRepository) GetByPageID(ctx context.Context, platform, pageID string) (*domain.ConnectedAccount, error) {
	query := `
		SELECT id, tenant_id, platform, page_id, page_name, access_token,
			   refresh_token, token_expires_at, is_active, settings, created_at, updated_at
		FROM connected_accounts
		WHERE platform = ? AND page_id = ? AND is_active = TRUE
		LIMIT 1
	`

	var acc domain.ConnectedAccount
	err := r.db.QueryRowContext(ctx, query, platform, pageID).Scan(
		&acc.ID,
		&acc.TenantID,
		&acc.Platform,
		&acc.PageID,
		&acc.PageName,
		&acc.AccessToken,
		&acc.RefreshToken,
		&acc.TokenExpiresAt,
		&acc.IsActive,
		&acc.Settings,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil // Not connected
	}
	if err != nil {
		slog.Error("Failed to resolve account by page",
			"error", err,
			"page_id", pageID,
		)
		return nil, fmt.Errorf("get account by page: %w", err)
	}

	return &acc, nil
}

// ListActive returns every active account across tenants.
func (r *MariaDBRepository) ListActive(ctx context.Context) ([]*domain.ConnectedAccount, error) {
	query := `
		SELECT id, tenant_id, platform, page_id, page_name, access_token,
			   refresh_token, token_expires_at, is_active, settings, created_at, updated_at
		FROM connected_accounts
		WHERE is_active = TRUE
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("Failed to list active accounts", "error", err)
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.ConnectedAccount
	for rows.Next() {
		var acc domain.ConnectedAccount
		err := rows.Scan(
			&acc.ID,
			&acc.TenantID,
			&acc.Platform,
			&acc.PageID,
			&acc.PageName,
			&acc.AccessToken,
			&acc.RefreshToken,
			&acc.TokenExpiresAt,
			&acc.IsActive,
			&acc.Settings,
			&acc.CreatedAt,
			&acc.UpdatedAt,
		)
		if err != nil {
			slog.Error("Failed to scan account row", "error", err)
			continue
		}
		accounts = append(accounts, &acc)
	}

	return accounts, rows.Err()
}

// DeactivateAccount soft-deletes a page connection. Rows are never hard
// deleted so history and audit joins stay intact.
func (r *MariaDBRepository) DeactivateAccount(ctx context.Context, platform, pageID string) error {
	query := `
		UPDATE connected_accounts
		SET is_active = FALSE, updated_at = NOW()
		WHERE platform = ? AND page_id = ?
	`

	result, err := r.db.ExecContext(ctx, query, platform, pageID)
	if err != nil {
		slog.Error("Failed to deactivate account",
			"error", err,
			"page_id", pageID,
		)
		return fmt.Errorf("deactivate account: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		slog.Warn("Account deactivated - owner must reconnect",
			"platform", platform,
			"page_id", pageID,
		)
	}
	return nil
}

// ============================================================================
// ConversationRepository Implementation
// ============================================================================

// Find resolves the active conversation for the participant tuple without
// creating one. Returns 0, nil when none exists.
func (r *MariaDBRepository) Find(ctx context.Context, tenantID int64, platform, pageID, participantID string) (int64, error) {
	var id int64
	query := `
		SELECT id FROM conversations
		WHERE tenant_id = ? AND platform = ? AND page_id = ? AND participant_id = ? AND is_active = TRUE
	`
	err := r.db.QueryRowContext(ctx, query, tenantID, platform, pageID, participantID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		slog.Error("Failed to query conversation",
			"error", err,
			"tenant_id", tenantID,
			"participant_id", participantID,
		)
		return 0, fmt.Errorf("query conversation: %w", err)
	}
	return id, nil
}

// GetOrCreate retrieves the single active conversation for the participant
// tuple or creates it lazily on the first message.
func (r *MariaDBRepository) GetOrCreate(ctx context.Context, tenantID int64, platform, pageID, participantID string) (int64, error) {
	id, err := r.Find(ctx, tenantID, platform, pageID, participantID)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}

	insertQuery := `
		INSERT INTO conversations (
			tenant_id, platform, page_id, participant_id, unread_count, is_active, created_at
		)
		VALUES (?, ?, ?, ?, 0, TRUE, NOW())
		ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)
	`

	// The ON DUPLICATE KEY clause absorbs the race where two concurrent
	// webhook deliveries create the same conversation: both end up with the
	// one surviving row's id.
	result, err := r.db.ExecContext(ctx, insertQuery, tenantID, platform, pageID, participantID)
	if err != nil {
		slog.Error("Failed to create conversation",
			"error", err,
			"tenant_id", tenantID,
			"participant_id", participantID,
		)
		return 0, fmt.Errorf("create conversation: %w", err)
	}

	id, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}

	slog.Info("New conversation created",
		"conversation_id", id,
		"tenant_id", tenantID,
		"participant_id", participantID,
	)
	return id, nil
}

// TouchOnInboundMessage bumps the unread counter and advances
// last_message_at. GREATEST keeps an out-of-order late delivery from
// regressing the conversation clock.
func (r *MariaDBRepository) TouchOnInboundMessage(ctx context.Context, conversationID int64, sentAt time.Time) error {
	query := `
		UPDATE conversations
		SET last_message_at = GREATEST(COALESCE(last_message_at, ?), ?),
			unread_count = unread_count + 1,
			updated_at = NOW()
		WHERE id = ?
	`

	_, err := r.db.ExecContext(ctx, query, sentAt, sentAt, conversationID)
	if err != nil {
		slog.Error("Failed to touch conversation",
			"error", err,
			"conversation_id", conversationID,
		)
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// Archive marks a conversation inactive.
func (r *MariaDBRepository) Archive(ctx context.Context, conversationID int64) error {
	query := `
		UPDATE conversations
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = ?
	`

	_, err := r.db.ExecContext(ctx, query, conversationID)
	if err != nil {
		slog.Error("Failed to archive conversation",
			"error", err,
			"conversation_id", conversationID,
		)
		return fmt.Errorf("archive conversation: %w", err)
	}
	return nil
}

// ============================================================================
// MessageRepository Implementation
// ============================================================================

// InsertMessage performs the idempotent upsert on the
// (conversation_id, external_msg_id) unique key. MariaDB reports 1 affected
// row for a fresh insert and 0 for the no-change duplicate path, which is
// how re-delivered webhook events become no-ops.
func (r *MariaDBRepository) InsertMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (
			conversation_id, external_msg_id, sender_id, sender_name, content,
			attachments, direction, delivery_status, is_read, sent_at, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`

	result, err := r.db.ExecContext(ctx, query,
		msg.ConversationID,
		msg.ExternalMsgID,
		msg.SenderID,
		msg.SenderName,
		msg.Content,
		msg.Attachments,
		msg.Direction,
		msg.DeliveryStatus,
		msg.IsRead,
		msg.SentAt,
		msg.CreatedAt,
	)

	if err != nil {
		slog.Error("Failed to insert message",
			"error", err,
			"conversation_id", msg.ConversationID,
			"external_msg_id", msg.ExternalMsgID,
		)
		return false, fmt.Errorf("insert message: %w", err)
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

// ============================================================================
// SubscriptionRepository Implementation
// ============================================================================

// SaveState upserts the believed webhook subscription state for a page.
// States are superseded, never deleted.
func (r *MariaDBRepository) SaveState(ctx context.Context, st *domain.WebhookSubscription) error {
	fields, err := json.Marshal(st.DesiredFields)
	if err != nil {
		return fmt.Errorf("marshal desired fields: %w", err)
	}

	query := `
		INSERT INTO webhook_subscriptions (
			tenant_id, page_id, desired_fields, phase, prior_phase,
			subscribed, last_success_at, last_error, error_count, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			desired_fields = VALUES(desired_fields),
			phase = VALUES(phase),
			prior_phase = VALUES(prior_phase),
			subscribed = VALUES(subscribed),
			last_success_at = VALUES(last_success_at),
			last_error = VALUES(last_error),
			error_count = VALUES(error_count),
			updated_at = VALUES(updated_at)
	`

	_, err = r.db.ExecContext(ctx, query,
		st.TenantID,
		st.PageID,
		fields,
		string(st.Phase),
		string(st.PriorPhase),
		st.Subscribed,
		st.LastSuccessAt,
		st.LastError,
		st.ErrorCount,
		st.UpdatedAt,
	)

	if err != nil {
		slog.Error("Failed to save subscription state",
			"error", err,
			"page_id", st.PageID,
			"phase", string(st.Phase),
		)
		return fmt.Errorf("save subscription state: %w", err)
	}
	return nil
}

// GetState returns the believed subscription state, or nil if the page has
// never subscribed.
func (r *MariaDBRepository) GetState(ctx context.Context, tenantID int64, pageID string) (*domain.WebhookSubscription, error) {
	query := `
		SELECT id, tenant_id, page_id, desired_fields, phase, prior_phase,
			   subscribed, last_success_at, last_error, error_count, updated_at
		FROM webhook_subscriptions
		WHERE tenant_id = ? AND page_id = ?
		LIMIT 1
	`

	var st domain.WebhookSubscription
	var fields []byte
	var phase, prior string
	err := r.db.QueryRowContext(ctx, query, tenantID, pageID).Scan(
		&st.ID,
		&st.TenantID,
		&st.PageID,
		&fields,
		&phase,
		&prior,
		&st.Subscribed,
		&st.LastSuccessAt,
		&st.LastError,
		&st.ErrorCount,
		&st.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("Failed to get subscription state",
			"error", err,
			"page_id", pageID,
		)
		return nil, fmt.Errorf("get subscription state: %w", err)
	}

	st.Phase = domain.SubscriptionPhase(phase)
	st.PriorPhase = domain.SubscriptionPhase(prior)
	if err := json.Unmarshal(fields, &st.DesiredFields); err != nil {
		slog.Warn("Unparseable desired_fields column", "page_id", pageID, "error", err)
	}
	return &st, nil
}

// ============================================================================
// WebhookLogRepository Implementation
// ============================================================================

// SaveLog persists a webhook payload to the audit log.
func (r *MariaDBRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) error {
	query := `
		INSERT INTO webhook_logs (platform, payload_json, status, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		log.Platform,
		log.PayloadJSON,
		log.Status,
		log.CreatedAt,
	)

	if err != nil {
		slog.Error("Failed to save webhook log",
			"error", err,
			"platform", log.Platform,
		)
		return fmt.Errorf("save webhook log: %w", err)
	}
	return nil
}
