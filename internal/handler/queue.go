package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/service"
	"event_messenger/pkg/logger"
)

type QueueHandler struct {
	queueService service.QueueService
	log          logger.Logger
}

func NewQueueHandler(queueService service.QueueService, log logger.Logger) *QueueHandler {
	return &QueueHandler{
		queueService: queueService,
		log:          log,
	}
}

type EnqueueRequest struct {
	ThreadID        string          `json:"thread_id" binding:"required"`
	Content         string          `json:"content" binding:"required"`
	ClientMessageID string          `json:"client_message_id"`
	Metadata        json.RawMessage `json:"metadata"`
}

func (h *QueueHandler) Enqueue(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req EnqueueRequest
	if !bindJSON(c, &req) {
		return
	}

	entry, err := h.queueService.Enqueue(c.Request.Context(), caller, service.EnqueueInput{
		ThreadID:        req.ThreadID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, entry)
}

func (h *QueueHandler) List(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	entries, err := h.queueService.List(c.Request.Context(), caller)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *QueueHandler) Retry(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}
	entryID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	entry, err := h.queueService.Retry(c.Request.Context(), caller, entryID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, entry)
}

func (h *QueueHandler) Remove(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}
	entryID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.queueService.Remove(c.Request.Context(), caller, entryID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
