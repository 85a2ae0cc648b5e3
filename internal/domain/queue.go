package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusFailed     = "failed"
	QueueStatusSent       = "sent"
)

// QueuedMessage - сообщение, отправленное клиентом без сети и ожидающее доставки
type QueuedMessage struct {
	ID          uuid.UUID       `json:"id"`
	UserID      string          `json:"user_id"`
	ThreadRef   string          `json:"thread_ref"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// QueuedPayload - то, что клиент положил в очередь; повторяет тело обычной отправки
type QueuedPayload struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}
