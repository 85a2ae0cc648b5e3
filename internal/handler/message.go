package handler

import (
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/service"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

// multipartOverhead - запас на поля формы и границы сверх суммарного размера файлов
const multipartOverhead = 1 << 20

type MessageHandler struct {
	messageService service.MessageService
	limits         config.AttachmentConfig
	log            logger.Logger
}

func NewMessageHandler(messageService service.MessageService, limits config.AttachmentConfig, log logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: messageService,
		limits:         limits,
		log:            log,
	}
}

func (h *MessageHandler) List(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	var cursor domain.MessageCursor
	if cursor.BeforeSeq, ok = int64Query(c, "before_seq"); !ok {
		return
	}
	if cursor.AfterSeq, ok = int64Query(c, "after_seq"); !ok {
		return
	}
	limit, ok := int64Query(c, "limit")
	if !ok {
		return
	}
	cursor.Limit = int(limit)

	page, err := h.messageService.List(c.Request.Context(), caller, c.Param("id"), cursor)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

type SendMessageRequest struct {
	Content         string `json:"content"`
	IsDraft         bool   `json:"is_draft"`
	ClientMessageID string `json:"client_message_id"`
}

// Send принимает JSON или multipart/form-data с файлами в поле "attachments"
func (h *MessageHandler) Send(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}

	in := service.SendMessageInput{ThreadID: c.Param("id")}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.limits.MaxTotalSize+multipartOverhead)
		form, err := c.MultipartForm()
		if err != nil {
			respondError(c, apperrors.InvalidArgument("invalid multipart form: %v", err))
			return
		}
		in.Content = firstValue(form.Value, "content")
		in.ClientMessageID = firstValue(form.Value, "client_message_id")
		in.IsDraft, _ = strconv.ParseBool(firstValue(form.Value, "is_draft"))

		files, err := h.readFiles(form.File["attachments"])
		if err != nil {
			respondError(c, err)
			return
		}
		in.Attachments = files
	} else {
		var req SendMessageRequest
		if !bindJSON(c, &req) {
			return
		}
		in.Content = req.Content
		in.IsDraft = req.IsDraft
		in.ClientMessageID = req.ClientMessageID
	}

	result, err := h.messageService.Send(c.Request.Context(), caller, in)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// readFiles читает не больше MaxFileSize+1 байт на файл: превышение
// ловит AttachmentService.Validate, а память ограничена
func (h *MessageHandler) readFiles(headers []*multipart.FileHeader) ([]domain.AttachmentFile, error) {
	if h.limits.MaxPerMessage > 0 && len(headers) > h.limits.MaxPerMessage {
		return nil, apperrors.InvalidArgument("too many attachments: %d, at most %d allowed", len(headers), h.limits.MaxPerMessage)
	}

	files := make([]domain.AttachmentFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, apperrors.InvalidArgument("cannot read attachment %q", fh.Filename)
		}
		data, err := io.ReadAll(io.LimitReader(f, h.limits.MaxFileSize+1))
		_ = f.Close()
		if err != nil {
			return nil, apperrors.InvalidArgument("cannot read attachment %q", fh.Filename)
		}
		files = append(files, domain.AttachmentFile{Filename: fh.Filename, Data: data})
	}
	return files, nil
}

func firstValue(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *MessageHandler) Edit(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}

	var req EditMessageRequest
	if !bindJSON(c, &req) {
		return
	}

	message, err := h.messageService.Edit(c.Request.Context(), caller, messageID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, message)
}

func (h *MessageHandler) Delete(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}

	if err := h.messageService.Delete(c.Request.Context(), caller, messageID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type ReactRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *MessageHandler) React(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}

	var req ReactRequest
	if !bindJSON(c, &req) {
		return
	}

	message, err := h.messageService.React(c.Request.Context(), caller, messageID, req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, message)
}

type SetFlagsRequest struct {
	Starred  *bool `json:"starred"`
	Archived *bool `json:"archived"`
}

func (h *MessageHandler) SetFlags(c *gin.Context) {
	caller, ok := currentCaller(c)
	if !ok {
		return
	}
	messageID, ok := uuidParam(c, "messageId")
	if !ok {
		return
	}

	var req SetFlagsRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.messageService.SetFlags(c.Request.Context(), caller, messageID, req.Starred, req.Archived); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
