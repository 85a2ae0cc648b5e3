package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/metrics"
	"event_messenger/pkg/logger"
)

// RequestLogger пишет одну строку на запрос и обновляет метрики API.
// Query не логируется: в нем может быть access_token.
func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		method := c.Request.Method

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
		metrics.APIRequestDuration.WithLabelValues(method, route).Observe(latency.Seconds())

		kv := []interface{}{
			"request_id", c.GetString(requestIDKey),
			"client_ip", c.ClientIP(),
			"method", method,
			"path", path,
			"status", statusCode,
			"latency", latency.String(),
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "error", c.Errors.Last().Error())
		}

		switch {
		case statusCode >= 500:
			log.Error("Request failed", kv...)
		case statusCode >= 400:
			log.Warn("Request rejected", kv...)
		default:
			log.Debug("Request handled", kv...)
		}
	}
}
