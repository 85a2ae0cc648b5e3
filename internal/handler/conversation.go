package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/domain"
	"event_messenger/internal/service"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

type ConversationHandler struct {
	conversationService service.ConversationService
	log                 logger.Logger
}

func NewConversationHandler(conversationService service.ConversationService, log logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		log:                 log,
	}
}

type CreateConversationRequest struct {
	Participants   []string                    `json:"participants" binding:"required,min=1"`
	Subject        string                      `json:"subject"`
	Context        *domain.ConversationContext `json:"context"`
	InitialMessage *struct {
		Content         string `json:"content"`
		ClientMessageID string `json:"client_message_id"`
	} `json:"initial_message"`
}

func (h *ConversationHandler) Create(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if !bindJSON(c, &req) {
		return
	}

	in := service.CreateConversationInput{
		Participants: req.Participants,
		Subject:      req.Subject,
		Context:      req.Context,
	}
	if req.InitialMessage != nil {
		in.InitialMessage = &service.InitialMessage{
			Content:         req.InitialMessage.Content,
			ClientMessageID: req.InitialMessage.ClientMessageID,
		}
	}

	result, err := h.conversationService.Create(c.Request.Context(), caller, in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (h *ConversationHandler) List(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var filter domain.ConversationFilter
	if raw := c.Query("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, apperrors.InvalidArgument("archived must be true or false"))
			return
		}
		filter.Archived = archived
	}
	if raw := c.Query("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondError(c, apperrors.InvalidArgument("before must be an RFC 3339 timestamp"))
			return
		}
		filter.Before = &before
	}
	limit, ok := int64Query(c, "limit")
	if !ok {
		return
	}
	filter.Limit = int(limit)

	conversations, err := h.conversationService.List(c.Request.Context(), caller, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *ConversationHandler) Get(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	conv, err := h.conversationService.Get(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) MarkRead(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	n, err := h.conversationService.MarkRead(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked": n})
}

type MarkDeliveredRequest struct {
	UpToSeq int64 `json:"up_to_seq"`
}

func (h *ConversationHandler) MarkDelivered(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req MarkDeliveredRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	n, err := h.conversationService.MarkDelivered(c.Request.Context(), caller, c.Param("id"), req.UpToSeq)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (h *ConversationHandler) Archive(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	if err := h.conversationService.Archive(c.Request.Context(), caller, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *ConversationHandler) Unarchive(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	if err := h.conversationService.Unarchive(c.Request.Context(), caller, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type PinRequest struct {
	Pinned *bool `json:"pinned" binding:"required"`
}

func (h *ConversationHandler) Pin(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req PinRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.conversationService.Pin(c.Request.Context(), caller, c.Param("id"), *req.Pinned); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// MuteRequest: until == null снимает mute
type MuteRequest struct {
	Until *time.Time `json:"until"`
}

func (h *ConversationHandler) Mute(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req MuteRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.conversationService.Mute(c.Request.Context(), caller, c.Param("id"), req.Until); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

func (h *ConversationHandler) Typing(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var req TypingRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.conversationService.Typing(c.Request.Context(), caller, c.Param("id"), req.IsTyping); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
