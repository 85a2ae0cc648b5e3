package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// statusRank задает порядок sent < delivered < read
var statusRank = map[string]int{
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// AdvanceStatus никогда не понижает статус
func AdvanceStatus(current, next string) string {
	if statusRank[next] > statusRank[current] {
		return next
	}
	return current
}

type AttachmentRef struct {
	ID       uuid.UUID `json:"id"`
	URL      string    `json:"url"`
	Filename string    `json:"filename"`
	MimeType string    `json:"mime_type"`
	Size     int64     `json:"size"`
}

type Reactor struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type EditRecord struct {
	PreviousContent string    `json:"previous_content"`
	EditedAt        time.Time `json:"edited_at"`
}

type Message struct {
	ID              uuid.UUID            `json:"id"`
	ConversationID  uuid.UUID            `json:"conversation_id"`
	Seq             int64                `json:"seq"`
	SenderID        string               `json:"sender_id"`
	SenderName      string               `json:"sender_name,omitempty"`
	RecipientIDs    []string             `json:"recipient_ids"`
	Content         string               `json:"content"`
	Attachments     []AttachmentRef      `json:"attachments"`
	Status          string               `json:"status"`
	ReadBy          []string             `json:"read_by"`
	DeliveredTo     []string             `json:"delivered_to"`
	Reactions       map[string][]Reactor `json:"reactions"`
	EditHistory     []EditRecord         `json:"edit_history"`
	IsDraft         bool                 `json:"is_draft"`
	IsStarred       bool                 `json:"is_starred"`
	IsArchived      bool                 `json:"is_archived"`
	ClientMessageID *string              `json:"client_message_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	EditedAt        *time.Time           `json:"edited_at,omitempty"`
	DeletedAt       *time.Time           `json:"deleted_at,omitempty"`
}

func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// ToggleReaction добавляет реакцию пользователя или снимает ее, если она уже стоит.
// Пустые списки удаляются из карты.
func (m *Message) ToggleReaction(emoji string, reactor Reactor) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]Reactor)
	}
	list := m.Reactions[emoji]
	for i, r := range list {
		if r.UserID == reactor.UserID {
			list = append(list[:i:i], list[i+1:]...)
			if len(list) == 0 {
				delete(m.Reactions, emoji)
			} else {
				m.Reactions[emoji] = list
			}
			return false
		}
	}
	m.Reactions[emoji] = append(list, reactor)
	return true
}

func (m *Message) HasReader(userID string) bool {
	return containsString(m.ReadBy, userID)
}

func (m *Message) IsDeliveredTo(userID string) bool {
	return containsString(m.DeliveredTo, userID)
}

// MessageSnapshot - состояние сообщения до массовой операции, достаточное для отката
type MessageSnapshot struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	Status         string     `json:"status"`
	ReadBy         []string   `json:"read_by"`
}

func SnapshotOf(m *Message) MessageSnapshot {
	return MessageSnapshot{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		DeletedAt:      m.DeletedAt,
		Status:         m.Status,
		ReadBy:         append([]string(nil), m.ReadBy...),
	}
}

type MessageCursor struct {
	BeforeSeq int64
	AfterSeq  int64
	Limit     int
}

type MessagePage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
