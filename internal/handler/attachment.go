package handler

import (
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/service"
	"event_messenger/pkg/logger"
)

type AttachmentHandler struct {
	attachmentService service.AttachmentService
	log               logger.Logger
}

func NewAttachmentHandler(attachmentService service.AttachmentService, log logger.Logger) *AttachmentHandler {
	return &AttachmentHandler{
		attachmentService: attachmentService,
		log:               log,
	}
}

// Download всегда отдает файл как вложение: браузер не должен исполнять
// загруженный пользователем html или svg
func (h *AttachmentHandler) Download(c *gin.Context) {
	if _, ok := currentCaller(c); !ok {
		return
	}
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	att, err := h.attachmentService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": service.SanitizeFilename(att.Filename),
	}))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, contentType, att.Data)
}
