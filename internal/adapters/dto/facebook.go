// Package dto contains data transfer objects for external APIs
// Separating DTOs from handlers prevents import cycles
package dto

// WebhookEnvelope is the top-level webhook payload from the platform.
// One delivery may batch multiple entries and multiple events per entry.
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks
type WebhookEnvelope struct {
	Object string  `json:"object"` // Always "page" for Messenger
	Entry  []Entry `json:"entry"`
}

// Entry represents one page's events within a webhook batch.
type Entry struct {
	ID        string           `json:"id"`   // Page ID — resolves the owning account
	Time      int64            `json:"time"` // Unix milliseconds
	Messaging []MessagingEvent `json:"messaging"`
}

// MessagingEvent is a single event: a user message, an echo, a delivery
// receipt, or a read receipt.
type MessagingEvent struct {
	Sender    Participant `json:"sender"`
	Recipient Participant `json:"recipient"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds

	Message  *MessagePayload  `json:"message,omitempty"`
	Delivery *DeliveryReceipt `json:"delivery,omitempty"`
	Read     *ReadReceipt     `json:"read,omitempty"`
}

// Participant is a sender or recipient (PSID).
type Participant struct {
	ID string `json:"id"` // Page-Scoped ID
}

// MessagePayload is the actual message content.
type MessagePayload struct {
	MID  string `json:"mid"` // Platform message id — the dedup key
	Text string `json:"text"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// IsEcho marks messages sent BY the page, not to it. Filtered out.
	IsEcho bool `json:"is_echo,omitempty"`
}

// Attachment represents media attached to a message.
type Attachment struct {
	Type    string            `json:"type"` // "image", "video", "audio", "file"
	Payload AttachmentPayload `json:"payload"`
}

// AttachmentPayload carries the attachment URL.
type AttachmentPayload struct {
	URL string `json:"url"`
}

// DeliveryReceipt confirms messages delivered up to a watermark.
type DeliveryReceipt struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// ReadReceipt confirms messages read up to a watermark.
type ReadReceipt struct {
	Watermark int64 `json:"watermark"`
}

// IsUserMessage reports whether this event is a genuine inbound user message.
// Echoes, delivery receipts, and read receipts are not.
func (m *MessagingEvent) IsUserMessage() bool {
	if m.Message == nil {
		return false
	}
	if m.Message.IsEcho {
		return false
	}
	if m.Delivery != nil || m.Read != nil {
		return false
	}
	return true
}

// MessageID extracts the platform message id used for deduplication.
func (m *MessagingEvent) MessageID() string {
	if m.Message != nil {
		return m.Message.MID
	}
	return ""
}

// Content extracts the message text, falling back to the first attachment
// URL.
func (m *MessagingEvent) Content() string {
	if m.Message == nil {
		return ""
	}
	if m.Message.Text != "" {
		return m.Message.Text
	}
	if len(m.Message.Attachments) > 0 && m.Message.Attachments[0].Payload.URL != "" {
		return m.Message.Attachments[0].Payload.URL
	}
	return ""
}
