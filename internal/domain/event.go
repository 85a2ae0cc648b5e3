package domain

import (
	"time"

	"github.com/google/uuid"
)

// Имена событий, которые получают клиенты по websocket
const (
	EventMessageNew      = "message:new"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventMessageReaction = "message:reaction"
	EventMessageRead     = "message:read"
	EventTyping          = "typing"
	EventThreadUpdated   = "thread:updated"
	EventAdminBroadcast  = "admin:broadcast"
)

// Event - то, что уходит в websocket: тип + произвольные данные
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type MessageEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Message        *Message  `json:"message"`
}

type ReadReceipt struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Count          int       `json:"count"`
	ReadAt         time.Time `json:"read_at"`
}

type TypingEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	IsTyping       bool      `json:"is_typing"`
}

// NotificationRequest - задание на email для участника, который был офлайн в момент отправки
type NotificationRequest struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	RecipientID    string    `json:"recipient_id"`
	SenderName     string    `json:"sender_name"`
	Subject        string    `json:"subject"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"created_at"`
}

// DedupKey - одно письмо на пару (сообщение, получатель)
func (n NotificationRequest) DedupKey() string {
	return n.MessageID.String() + ":" + n.RecipientID
}
