package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUserMessage(t *testing.T) {
	cases := []struct {
		name string
		ev   MessagingEvent
		want bool
	}{
		{"plain text message", MessagingEvent{Message: &MessagePayload{MID: "m1", Text: "hi"}}, true},
		{"echo", MessagingEvent{Message: &MessagePayload{MID: "m1", Text: "hi", IsEcho: true}}, false},
		{"delivery receipt", MessagingEvent{Delivery: &DeliveryReceipt{Watermark: 1}}, false},
		{"read receipt", MessagingEvent{Read: &ReadReceipt{Watermark: 1}}, false},
		{"empty event", MessagingEvent{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.ev.IsUserMessage())
		})
	}
}

func TestContent_FallsBackToAttachmentURL(t *testing.T) {
	ev := MessagingEvent{Message: &MessagePayload{
		MID: "m1",
		Attachments: []Attachment{
			{Type: "image", Payload: AttachmentPayload{URL: "https://cdn.example.com/a.jpg"}},
		},
	}}

	assert.Equal(t, "https://cdn.example.com/a.jpg", ev.Content())
}

func TestEnvelope_ParsesRealPayloadShape(t *testing.T) {
	raw := []byte(`{
		"object": "page",
		"entry": [{
			"id": "1234567890",
			"time": 1700000001234,
			"messaging": [{
				"sender": {"id": "PSID_1"},
				"recipient": {"id": "1234567890"},
				"timestamp": 1700000001000,
				"message": {
					"mid": "m_AbCdEf",
					"text": "hello",
					"attachments": [{"type": "image", "payload": {"url": "https://cdn/x.png"}}]
				}
			}]
		}]
	}`)

	var env WebhookEnvelope
	assert.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "page", env.Object)
	assert.Len(t, env.Entry, 1)

	ev := env.Entry[0].Messaging[0]
	assert.True(t, ev.IsUserMessage())
	assert.Equal(t, "m_AbCdEf", ev.MessageID())
	assert.Equal(t, "hello", ev.Content())
	assert.Len(t, ev.Message.Attachments, 1)
}
