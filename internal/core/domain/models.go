// Package domain contains core business entities
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"encoding/json"
	"time"
)

// ConnectedAccount binds one external platform identity (a managed page) to
// one tenant/business. Token columns hold ciphertext; decryption happens only
// in the services that need to call the platform.
type ConnectedAccount struct {
	ID             int64           `json:"id" db:"id"`
	TenantID       int64           `json:"tenant_id" db:"tenant_id"`
	Platform       string          `json:"platform" db:"platform"` // "facebook", "instagram"
	PageID         string          `json:"page_id" db:"page_id"`   // External account/page ID
	PageName       string          `json:"page_name" db:"page_name"`
	AccessToken    string          `json:"-" db:"access_token"` // Encrypted, never expose in JSON
	RefreshToken   *string         `json:"-" db:"refresh_token"`
	TokenExpiresAt *time.Time      `json:"token_expires_at,omitempty" db:"token_expires_at"`
	IsActive       bool            `json:"is_active" db:"is_active"`
	Settings       json.RawMessage `json:"settings,omitempty" db:"settings"` // Profile blob, managed page list
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      *time.Time      `json:"updated_at,omitempty" db:"updated_at"`
}

// Platform constants
const (
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
)

// SubscriptionPhase is the believed state of a page's webhook subscription.
// "Believed" because the platform is the authority of record; reconciliation
// corrects drift.
type SubscriptionPhase string

const (
	PhaseUnsubscribed  SubscriptionPhase = "unsubscribed"
	PhaseSubscribing   SubscriptionPhase = "subscribing"
	PhaseSubscribed    SubscriptionPhase = "subscribed"
	PhaseUnsubscribing SubscriptionPhase = "unsubscribing"
	PhaseFailed        SubscriptionPhase = "failed"
)

// WebhookSubscription records the locally believed webhook state per page.
// Never deleted, only superseded by later attempts.
type WebhookSubscription struct {
	ID            int64             `json:"id" db:"id"`
	TenantID      int64             `json:"tenant_id" db:"tenant_id"`
	PageID        string            `json:"page_id" db:"page_id"`
	DesiredFields []string          `json:"desired_fields" db:"desired_fields"` // JSON array column
	Phase         SubscriptionPhase `json:"phase" db:"phase"`
	PriorPhase    SubscriptionPhase `json:"prior_phase" db:"prior_phase"` // Terminal state retained for retry
	Subscribed    bool              `json:"subscribed" db:"subscribed"`
	LastSuccessAt *time.Time        `json:"last_success_at,omitempty" db:"last_success_at"`
	LastError     *string           `json:"last_error,omitempty" db:"last_error"`
	ErrorCount    int               `json:"error_count" db:"error_count"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// DefaultSubscribedFields is the field set every newly connected page gets.
var DefaultSubscribedFields = []string{"messages", "messaging_postbacks", "message_deliveries", "message_reads"}

// Conversation represents an ongoing thread between the business and one
// external participant for one connected page.
type Conversation struct {
	ID              int64      `json:"id" db:"id"`
	TenantID        int64      `json:"tenant_id" db:"tenant_id"`
	Platform        string     `json:"platform" db:"platform"`
	PageID          string     `json:"page_id" db:"page_id"`
	ParticipantID   string     `json:"participant_id" db:"participant_id"` // Platform PSID
	ParticipantName *string    `json:"participant_name,omitempty" db:"participant_name"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	UnreadCount     int        `json:"unread_count" db:"unread_count"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Message is immutable once created. ExternalMsgID is the dedup key: unique
// per (conversation, platform), enforced by a DB constraint so that webhook
// re-delivery can never create a duplicate row.
type Message struct {
	ID             int64           `json:"id" db:"id"`
	ConversationID int64           `json:"conversation_id" db:"conversation_id"`
	ExternalMsgID  string          `json:"external_msg_id" db:"external_msg_id"`
	SenderID       string          `json:"sender_id" db:"sender_id"`
	SenderName     *string         `json:"sender_name,omitempty" db:"sender_name"`
	Content        string          `json:"content" db:"content"`
	Attachments    json.RawMessage `json:"attachments,omitempty" db:"attachments"` // JSON field
	Direction      string          `json:"direction" db:"direction"`               // "inbound", "outbound"
	DeliveryStatus string          `json:"delivery_status" db:"delivery_status"`   // "sent", "delivered", "read"
	IsRead         bool            `json:"is_read" db:"is_read"`
	SentAt         time.Time       `json:"sent_at" db:"sent_at"` // Platform event timestamp
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// DeliveryStatus constants
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
)

// WebhookLog is the audit trail for raw inbound webhook payloads.
type WebhookLog struct {
	ID          int64           `json:"id" db:"id"`
	Platform    string          `json:"platform" db:"platform"`
	PayloadJSON json.RawMessage `json:"payload_json" db:"payload_json"`
	Status      string          `json:"status" db:"status"` // "pending", "processed", "failed"
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WebhookStatus constants for lifecycle management
const (
	WebhookStatusPending   = "pending"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// Subsystem identifies one supervised slot of process-wide connection health.
type Subsystem string

const (
	SubsystemWebhook     Subsystem = "webhook"
	SubsystemPlatformAPI Subsystem = "platform_api"
	SubsystemRealtime    Subsystem = "realtime"
)

// HealthStatus is the per-subsystem status enum. In-memory only, rebuilt on
// restart.
type HealthStatus string

const (
	StatusUnknown    HealthStatus = "unknown"
	StatusConnecting HealthStatus = "connecting"
	StatusHealthy    HealthStatus = "healthy"
	StatusDegraded   HealthStatus = "degraded"
	StatusFailed     HealthStatus = "failed"
)

// SubsystemHealth is a read-only snapshot of one subsystem slot.
type SubsystemHealth struct {
	Status            HealthStatus `json:"status"`
	LastError         string       `json:"last_error,omitempty"`
	FailureStreak     int          `json:"failure_streak"`
	LastSuccessAt     *time.Time   `json:"last_success_at,omitempty"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
}

// EventKind classifies events flowing from ingestion to real-time fan-out.
type EventKind string

const (
	EventNewMessage EventKind = "new_message"
	EventDelivered  EventKind = "message_delivered"
	EventRead       EventKind = "message_read"
)

// RealtimeEvent is what the fan-out hub pushes to subscribed clients.
// Read/delivery receipt events are ephemeral: no dedup key, repeated
// delivery is acceptable.
type RealtimeEvent struct {
	Kind           EventKind `json:"kind"`
	ConversationID int64     `json:"conversation_id"`
	Message        *Message  `json:"message,omitempty"`
	SenderID       string    `json:"sender_id,omitempty"`
	Watermark      int64     `json:"watermark,omitempty"` // Unix ms, delivery/read receipts
	Timestamp      time.Time `json:"timestamp"`
}
