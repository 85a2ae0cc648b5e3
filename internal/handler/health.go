package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"event_messenger/internal/service"
)

type HealthHandler struct {
	readiness *service.Readiness
}

func NewHealthHandler(readiness *service.Readiness) *HealthHandler {
	return &HealthHandler{readiness: readiness}
}

// Check - liveness: процесс жив и отвечает
func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "event-messenger",
	})
}

// Ready - readiness: старт завершен и Postgres/Redis отвечают
func (h *HealthHandler) Ready(c *gin.Context) {
	checks, ok := h.readiness.Check(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}
