// Package metrics exposes Prometheus collectors for the connection bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingestion
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_webhook_events_total",
			Help: "Webhook events processed by outcome",
		},
		[]string{"outcome"}, // "created", "duplicate", "unknown_account", "skipped", "failed"
	)

	WebhookBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_webhook_batch_duration_seconds",
			Help:    "Time to ingest one webhook batch",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	SignatureRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_webhook_signature_rejections_total",
			Help: "Webhook deliveries rejected for a bad HMAC signature",
		},
	)

	// OAuth / accounts
	PagesConnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_pages_connected_total",
			Help: "Pages connected via OAuth exchange",
		},
	)

	// Subscription manager
	SubscribeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_subscribe_attempts_total",
			Help: "Platform subscription API calls by result",
		},
		[]string{"operation", "result"}, // operation: "subscribe", "unsubscribe", "reconcile"
	)

	// Real-time fan-out
	RealtimeClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_realtime_clients",
			Help: "Currently connected websocket clients",
		},
	)

	RealtimeEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_realtime_events_published_total",
			Help: "Events handed to the fan-out hub",
		},
	)

	RealtimeEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_realtime_events_dropped_total",
			Help: "Events dropped because a client or hub buffer was full",
		},
	)

	// Platform API
	GraphLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_graph_api_latency_seconds",
			Help:    "Graph API call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)
)
