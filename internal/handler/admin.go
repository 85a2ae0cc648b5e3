package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/service"
	"event_messenger/pkg/logger"
)

type AdminHandler struct {
	deliveryService service.DeliveryService
	log             logger.Logger
}

func NewAdminHandler(deliveryService service.DeliveryService, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		deliveryService: deliveryService,
		log:             log,
	}
}

type BroadcastRequest struct {
	Payload map[string]interface{} `json:"payload" binding:"required"`
}

// Broadcast рассылает административное событие всем подключенным пользователям
func (h *AdminHandler) Broadcast(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req BroadcastRequest
	if !bindJSON(c, &req) {
		return
	}

	delivered, err := h.deliveryService.Broadcast(c.Request.Context(), caller, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}

	h.log.Info("Admin broadcast sent", "admin_id", caller.UserID, "connections", delivered)
	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}
