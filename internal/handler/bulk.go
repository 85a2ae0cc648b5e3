package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/service"
	"event_messenger/pkg/logger"
)

type BulkHandler struct {
	bulkService service.BulkService
	log         logger.Logger
}

func NewBulkHandler(bulkService service.BulkService, log logger.Logger) *BulkHandler {
	return &BulkHandler{
		bulkService: bulkService,
		log:         log,
	}
}

type BulkDeleteRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

func (h *BulkHandler) BulkDelete(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req BulkDeleteRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.bulkService.BulkDelete(c.Request.Context(), caller, req.MessageIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type BulkMarkReadRequest struct {
	ThreadIDs []string `json:"thread_ids" binding:"required"`
}

func (h *BulkHandler) BulkMarkRead(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req BulkMarkReadRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.bulkService.BulkMarkRead(c.Request.Context(), caller, req.ThreadIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type UndoRequest struct {
	UndoToken string `json:"undo_token" binding:"required"`
}

func (h *BulkHandler) Undo(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}
	operationID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req UndoRequest
	if !bindJSON(c, &req) {
		return
	}

	restored, err := h.bulkService.Undo(c.Request.Context(), caller, operationID, req.UndoToken)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"operation_id": operationID, "restored": restored})
}

func (h *BulkHandler) GetOperation(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}
	operationID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	op, err := h.bulkService.GetOperation(c.Request.Context(), caller, operationID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, op)
}
