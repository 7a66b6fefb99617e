// Package services contains core business logic
package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"connect-bridge/internal/adapters/dto"
	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/ports"
	"connect-bridge/internal/metrics"
)

// dedupTTL keeps processed message ids in the cache long enough to absorb
// platform retry storms. The DB uniqueness constraint remains the authority.
const dedupTTL = 24 * time.Hour

// EventOutcome classifies how one webhook event was handled.
type EventOutcome string

const (
	OutcomeCreated        EventOutcome = "created"
	OutcomeDuplicate      EventOutcome = "duplicate"
	OutcomeUnknownAccount EventOutcome = "unknown_account"
	OutcomeSkipped        EventOutcome = "skipped" // echo or unsupported event type
	OutcomeFailed         EventOutcome = "failed"
)

// EventResult is the per-event entry of an IngestResult.
type EventResult struct {
	PageID        string       `json:"page_id"`
	ExternalMsgID string       `json:"external_msg_id,omitempty"`
	Outcome       EventOutcome `json:"outcome"`
	Error         string       `json:"error,omitempty"`
}

// IngestResult summarizes one webhook batch. Per-event failures never fail
// the batch: the platform must see 200 or it re-delivers everything.
type IngestResult struct {
	Events    []EventResult `json:"events"`
	Created   int           `json:"created"`
	Duplicate int           `json:"duplicate"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
}

// Ingestor verifies, parses, and normalizes webhook batches into
// Conversation/Message rows, then emits events onto a channel consumed by an
// independent fan-out stage. Persistence never waits on delivery.
type Ingestor struct {
	accounts      ports.AccountRepository
	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	dedup         ports.DedupRepository
	webhookLogs   ports.WebhookLogRepository
	publisher     ports.EventPublisher
	monitor       *ConnectionMonitor
	appSecret     string

	events chan domain.RealtimeEvent
}

// NewIngestor wires the ingestion pipeline. Call Run in a goroutine to start
// the fan-out stage.
func NewIngestor(
	accounts ports.AccountRepository,
	conversations ports.ConversationRepository,
	messages ports.MessageRepository,
	dedup ports.DedupRepository,
	webhookLogs ports.WebhookLogRepository,
	publisher ports.EventPublisher,
	monitor *ConnectionMonitor,
	appSecret string,
) *Ingestor {
	return &Ingestor{
		accounts:      accounts,
		conversations: conversations,
		messages:      messages,
		dedup:         dedup,
		webhookLogs:   webhookLogs,
		publisher:     publisher,
		monitor:       monitor,
		appSecret:     appSecret,
		events:        make(chan domain.RealtimeEvent, 256),
	}
}

// Verify recomputes the HMAC-SHA256 of the raw body and compares it in
// constant time against the "sha256=<hex>" signature header. A mismatch is a
// hard rejection; this is the only authenticity guarantee for webhook
// traffic.
func (d *Ingestor) Verify(rawBody []byte, signatureHeader string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	provided := strings.TrimPrefix(signatureHeader, prefix)

	mac := hmac.New(sha256.New, []byte(d.appSecret))
	mac.Write(rawBody)
	computed := hex.EncodeToString(mac.Sum(nil))

	ok := hmac.Equal([]byte(computed), []byte(provided))
	if !ok {
		metrics.SignatureRejections.Inc()
	}
	return ok
}

// Ingest parses the platform envelope and processes every event in delivery
// order. Events for disconnected pages are skipped per-event with
// unknown_account; duplicates are no-ops. The error return is reserved for a
// malformed envelope — everything else succeeds at batch level.
func (d *Ingestor) Ingest(ctx context.Context, rawBody []byte) (*IngestResult, error) {
	start := time.Now()
	defer func() {
		metrics.WebhookBatchDuration.Observe(time.Since(start).Seconds())
	}()

	// Audit log, fire-and-forget: ingest must not block on it.
	go d.saveAuditLog(rawBody)

	var envelope dto.WebhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		d.monitor.Report(domain.SubsystemWebhook, err)
		return nil, err
	}

	result := &IngestResult{}
	for _, entry := range envelope.Entry {
		for i := range entry.Messaging {
			res := d.processEvent(ctx, entry.ID, &entry.Messaging[i])
			result.Events = append(result.Events, res)
			metrics.WebhookEventsTotal.WithLabelValues(string(res.Outcome)).Inc()
			switch res.Outcome {
			case OutcomeCreated:
				result.Created++
			case OutcomeDuplicate:
				result.Duplicate++
			case OutcomeFailed:
				result.Failed++
			default:
				result.Skipped++
			}
		}
	}

	d.monitor.Report(domain.SubsystemWebhook, nil)
	slog.Info("Webhook batch ingested",
		"created", result.Created,
		"duplicate", result.Duplicate,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// processEvent normalizes a single messaging event.
func (d *Ingestor) processEvent(ctx context.Context, pageID string, ev *dto.MessagingEvent) EventResult {
	res := EventResult{PageID: pageID, ExternalMsgID: ev.MessageID()}

	// Resolve the owning account first: deliveries for pages disconnected
	// since subscription are expected and must not error the endpoint.
	acc, err := d.accounts.GetByPageID(ctx, domain.PlatformFacebook, pageID)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}
	if acc == nil {
		slog.Debug("Webhook event for unknown page, skipping", "page_id", pageID)
		res.Outcome = OutcomeUnknownAccount
		res.Error = domain.ErrUnknownAccount.Error()
		return res
	}

	switch {
	case ev.IsUserMessage():
		return d.processMessage(ctx, acc, ev, res)
	case ev.Delivery != nil:
		d.emitEphemeral(ctx, acc, ev, domain.EventDelivered, ev.Delivery.Watermark)
		res.Outcome = OutcomeSkipped
		return res
	case ev.Read != nil:
		d.emitEphemeral(ctx, acc, ev, domain.EventRead, ev.Read.Watermark)
		res.Outcome = OutcomeSkipped
		return res
	default:
		// Echo messages and anything unrecognized.
		res.Outcome = OutcomeSkipped
		return res
	}
}

// processMessage is the idempotent persist path for real user messages.
func (d *Ingestor) processMessage(ctx context.Context, acc *domain.ConnectedAccount, ev *dto.MessagingEvent, res EventResult) EventResult {
	msgID := ev.MessageID()

	// Fast path: the Redis cache short-circuits the retry storm. Errors here
	// are non-fatal; the DB constraint below still guarantees idempotence.
	if dup, err := d.dedup.IsDuplicate(ctx, msgID); err == nil && dup {
		slog.Debug("Duplicate message (cache hit)", "external_msg_id", msgID)
		res.Outcome = OutcomeDuplicate
		return res
	}

	convID, err := d.conversations.GetOrCreate(ctx, acc.TenantID, acc.Platform, acc.PageID, ev.Sender.ID)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}

	sentAt := time.UnixMilli(ev.Timestamp)
	attachments := json.RawMessage("[]")
	if len(ev.Message.Attachments) > 0 {
		attachments, _ = json.Marshal(ev.Message.Attachments)
	}

	msg := &domain.Message{
		ConversationID: convID,
		ExternalMsgID:  msgID,
		SenderID:       ev.Sender.ID,
		Content:        ev.Content(),
		Attachments:    attachments,
		Direction:      domain.DirectionInbound,
		DeliveryStatus: domain.DeliverySent,
		SentAt:         sentAt,
		CreatedAt:      time.Now(),
	}

	created, err := d.messages.InsertMessage(ctx, msg)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res
	}
	if !created {
		// Known retry; the uniqueness constraint absorbed it.
		slog.Debug("Duplicate message (constraint hit)", "external_msg_id", msgID)
		res.Outcome = OutcomeDuplicate
		return res
	}

	// Advance-only: webhook batches are unordered across deliveries, an old
	// message id arriving late must never regress the conversation clock.
	if err := d.conversations.TouchOnInboundMessage(ctx, convID, sentAt); err != nil {
		slog.Warn("Failed to touch conversation",
			"conversation_id", convID,
			"error", err,
		)
	}

	if err := d.dedup.MarkProcessed(ctx, msgID, dedupTTL); err != nil {
		slog.Warn("Failed to mark message in dedup cache",
			"external_msg_id", msgID,
			"error", err,
		)
	}

	d.enqueue(domain.RealtimeEvent{
		Kind:           domain.EventNewMessage,
		ConversationID: convID,
		Message:        msg,
		SenderID:       ev.Sender.ID,
		Timestamp:      time.Now(),
	})

	slog.Info("Message ingested",
		"external_msg_id", msgID,
		"conversation_id", convID,
		"sender_id", ev.Sender.ID,
	)
	res.Outcome = OutcomeCreated
	return res
}

// emitEphemeral fans out delivery/read receipts. Nothing is persisted and
// there is no dedup key: repeated delivery is acceptable at the client.
// Lookup only: conversations are created by messages, so a receipt for a
// participant with no conversation is dropped.
func (d *Ingestor) emitEphemeral(ctx context.Context, acc *domain.ConnectedAccount, ev *dto.MessagingEvent, kind domain.EventKind, watermark int64) {
	convID, err := d.conversations.Find(ctx, acc.TenantID, acc.Platform, acc.PageID, ev.Sender.ID)
	if err != nil {
		slog.Debug("Cannot resolve conversation for ephemeral event",
			"kind", string(kind),
			"error", err,
		)
		return
	}
	if convID == 0 {
		slog.Debug("Receipt for participant with no conversation, dropping",
			"kind", string(kind),
			"page_id", acc.PageID,
			"sender_id", ev.Sender.ID,
		)
		return
	}
	d.enqueue(domain.RealtimeEvent{
		Kind:           kind,
		ConversationID: convID,
		SenderID:       ev.Sender.ID,
		Watermark:      watermark,
		Timestamp:      time.Now(),
	})
}

// enqueue hands an event to the fan-out stage without blocking. Drop-if-full:
// the ingestion path never waits on real-time delivery.
func (d *Ingestor) enqueue(ev domain.RealtimeEvent) {
	select {
	case d.events <- ev:
	default:
		metrics.RealtimeEventsDropped.Inc()
		slog.Warn("Fan-out channel full, dropping event",
			"kind", string(ev.Kind),
			"conversation_id", ev.ConversationID,
		)
	}
}

// Run is the fan-out stage: it consumes normalized events and publishes them
// to the transport. Delivery failures are swallowed-and-logged; a persisted
// message is never rolled back by a fan-out problem. Call in a goroutine;
// returns when ctx is cancelled.
func (d *Ingestor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in fan-out stage", "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Fan-out stage stopped")
			return
		case ev := <-d.events:
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("Cannot marshal realtime event", "error", err)
				continue
			}
			d.publisher.Publish(ev.ConversationID, payload)
			metrics.RealtimeEventsPublished.Inc()
		}
	}
}

// saveAuditLog persists the raw payload for audit/replay.
func (d *Ingestor) saveAuditLog(rawBody []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC in webhook log save", "panic", r)
		}
	}()

	log := &domain.WebhookLog{
		Platform:    domain.PlatformFacebook,
		PayloadJSON: json.RawMessage(rawBody),
		Status:      domain.WebhookStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := d.webhookLogs.SaveLog(context.Background(), log); err != nil {
		slog.Error("Failed to save webhook log (async)", "error", err)
	}
}
