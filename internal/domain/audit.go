package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID             int64                  `json:"id"`
	EventTime      time.Time              `json:"event_time"`
	ActorUserID    string                 `json:"actor_user_id"`
	ActorRole      string                 `json:"actor_role"`
	ConversationID *uuid.UUID             `json:"conversation_id,omitempty"`
	EventType      string                 `json:"event_type"`
	Payload        map[string]interface{} `json:"payload"`
}

const (
	ActorRoleUser   = "user"
	ActorRoleAdmin  = "admin"
	ActorRoleSystem = "system"
)

const (
	EventTypeBulkDelete     = "BULK_DELETE"
	EventTypeBulkMarkRead   = "BULK_MARK_READ"
	EventTypeUndoApplied    = "UNDO_APPLIED"
	EventTypeAdminBroadcast = "ADMIN_BROADCAST"
)
