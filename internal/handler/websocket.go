package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"event_messenger/internal/middleware"
	ws "event_messenger/internal/websocket"
	"event_messenger/pkg/logger"
)

type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
	log      logger.Logger
}

func NewWebSocketHandler(hub *ws.Hub, origins middleware.OriginPolicy, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// не браузерные клиенты Origin не присылают
				return origin == "" || origins.Allows(origin)
			},
		},
		log: log,
	}
}

// Handle поднимает push-канал пользователя; все события доставки идут через хаб
func (h *WebSocketHandler) Handle(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("Failed to upgrade connection", "user_id", caller.UserID, "error", err)
		return
	}

	ws.NewClient(h.hub, conn, caller).Start()
	h.log.Debug("WebSocket client connected", "user_id", caller.UserID)
}
