package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/service"
	"event_messenger/pkg/logger"
)

type PresenceHandler struct {
	presenceService service.PresenceService
	log             logger.Logger
}

func NewPresenceHandler(presenceService service.PresenceService, log logger.Logger) *PresenceHandler {
	return &PresenceHandler{
		presenceService: presenceService,
		log:             log,
	}
}

func (h *PresenceHandler) Get(c *gin.Context) {
	if _, ok := currentCaller(c); !ok {
		return
	}

	presence, err := h.presenceService.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, presence)
}

type BulkPresenceRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

func (h *PresenceHandler) GetBulk(c *gin.Context) {
	if _, ok := currentCaller(c); !ok {
		return
	}

	var req BulkPresenceRequest
	if !bindJSON(c, &req) {
		return
	}

	presence, err := h.presenceService.GetBulk(c.Request.Context(), req.UserIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"presence": presence})
}
