package handler

import (
	"event_messenger/internal/config"
	"event_messenger/internal/middleware"
	"event_messenger/internal/service"
	ws "event_messenger/internal/websocket"
	"event_messenger/pkg/logger"
)

type Handlers struct {
	Health       *HealthHandler
	Conversation *ConversationHandler
	Message      *MessageHandler
	Attachment   *AttachmentHandler
	Bulk         *BulkHandler
	Queue        *QueueHandler
	Presence     *PresenceHandler
	Admin        *AdminHandler
	WebSocket    *WebSocketHandler
}

func NewHandlers(services *service.Services, hub *ws.Hub, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		Health:       NewHealthHandler(services.Readiness),
		Conversation: NewConversationHandler(services.Conversation, log),
		Message:      NewMessageHandler(services.Message, cfg.Attachments, log),
		Attachment:   NewAttachmentHandler(services.Attachment, log),
		Bulk:         NewBulkHandler(services.Bulk, log),
		Queue:        NewQueueHandler(services.Queue, log),
		Presence:     NewPresenceHandler(services.Presence, log),
		Admin:        NewAdminHandler(services.Delivery, log),
		WebSocket:    NewWebSocketHandler(hub, middleware.NewOriginPolicy(cfg.Server.AllowedOrigins), log),
	}
}
