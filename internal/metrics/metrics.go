// Package metrics - метрики Prometheus подсистемы сообщений, отдаются на /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messenger_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 30},
		},
		[]string{"method", "route"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_rate_limit_hits_total",
			Help: "Requests rejected by rate limits and quotas",
		},
		[]string{"scope"},
	)

	// Сообщения
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_messages_sent_total",
			Help: "Messages written to conversations",
		},
		[]string{"kind"},
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messenger_conversations_created_total",
			Help: "Conversations created",
		},
	)

	// Доставка
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messenger_websocket_connections",
			Help: "Active websocket connections",
		},
	)

	PushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_push_events_total",
			Help: "Push events by outcome",
		},
		[]string{"event", "outcome"},
	)

	DeliveryQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messenger_delivery_shard_depth",
			Help: "Pending events per delivery shard",
		},
		[]string{"shard"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_email_notifications_total",
			Help: "Offline email notifications by outcome",
		},
		[]string{"outcome"},
	)

	// Вложения
	AttachmentWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_attachment_writes_total",
			Help: "Attachment writes by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messenger_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Массовые операции и откат
	BulkOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_bulk_operations_total",
			Help: "Bulk operations by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	UndoAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_undo_attempts_total",
			Help: "Undo attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Очередь офлайн-сообщений
	QueueProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messenger_offline_queue_processed_total",
			Help: "Offline queue entries processed by outcome",
		},
		[]string{"outcome"},
	)
)
