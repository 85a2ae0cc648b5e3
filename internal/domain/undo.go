package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	OperationBulkDelete   = "bulk_delete"
	OperationBulkMarkRead = "bulk_mark_read"
)

const (
	UndoStatusCreated  = "created"
	UndoStatusConsumed = "consumed"
	UndoStatusExpired  = "expired"
)

// UndoRecord - запись журнала массовых операций. Сам токен не хранится, только его SHA-256.
type UndoRecord struct {
	OperationID   uuid.UUID       `json:"operation_id"`
	TokenHash     []byte          `json:"-"`
	ActorID       string          `json:"actor_id"`
	OperationType string          `json:"operation_type"`
	AffectedIDs   []string        `json:"affected_ids"`
	PreviousState json.RawMessage `json:"-"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	ConsumedAt    *time.Time      `json:"consumed_at,omitempty"`
}

// EffectiveStatus учитывает истечение окна, даже если фоновая очистка еще не прошла
func (r *UndoRecord) EffectiveStatus(now time.Time) string {
	if r.Status == UndoStatusCreated && !now.Before(r.ExpiresAt) {
		return UndoStatusExpired
	}
	return r.Status
}

// ReadStateSnapshot - состояние участника треда до массовой отметки прочитанным
type ReadStateSnapshot struct {
	ConversationID uuid.UUID         `json:"conversation_id"`
	UnreadCount    int               `json:"unread_count"`
	LastReadAt     *time.Time        `json:"last_read_at,omitempty"`
	Messages       []MessageSnapshot `json:"messages"`
}

// BulkDeleteState - что нужно вернуть после массового удаления
type BulkDeleteState struct {
	Messages []MessageSnapshot `json:"messages"`
}

// BulkMarkReadState - что нужно вернуть после массовой отметки прочитанным
type BulkMarkReadState struct {
	Threads []ReadStateSnapshot `json:"threads"`
}

// BulkResult - ответ на массовую операцию; токен отдается клиенту один раз
type BulkResult struct {
	OperationID uuid.UUID `json:"operation_id"`
	UndoToken   string    `json:"undo_token"`
	Affected    int       `json:"affected"`
	ExpiresAt   time.Time `json:"expires_at"`
}
