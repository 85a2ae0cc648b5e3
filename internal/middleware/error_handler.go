package middleware

import (
	"github.com/gin-gonic/gin"

	"event_messenger/pkg/errors"
)

// ErrorHandler рендерит последнюю ошибку из c.Errors, если хендлер сам не ответил
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		RenderError(c, c.Errors.Last().Err)
	}
}

// RenderError пишет ответ {"error", "code", "meta"} со статусом по коду ошибки
func RenderError(c *gin.Context, err error) {
	statusCode := errors.HTTPStatusFromError(err)

	body := gin.H{
		"error": err.Error(),
		"code":  errors.CodeOf(err),
	}
	if appErr, ok := errors.As(err); ok {
		body["error"] = appErr.Message
		if len(appErr.Meta) > 0 {
			body["meta"] = appErr.Meta
		}
		// внутренние причины наружу не отдаем
		if appErr.Code == errors.CodeInternal {
			body["error"] = "internal server error"
		}
	} else {
		body["error"] = "internal server error"
	}

	c.AbortWithStatusJSON(statusCode, body)
}
