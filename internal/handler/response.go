package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"event_messenger/internal/domain"
	"event_messenger/internal/middleware"
	apperrors "event_messenger/pkg/errors"
)

// respondError кладет ошибку в c.Errors для логгера запросов и сразу отвечает клиенту
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	middleware.RenderError(c, err)
}

func currentCaller(c *gin.Context) (domain.Caller, bool) {
	caller, ok := middleware.GetCaller(c)
	if !ok {
		respondError(c, apperrors.ErrUnauthorized)
		return domain.Caller{}, false
	}
	return caller, true
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, apperrors.InvalidArgument("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body: "+err.Error(), err))
		return false
	}
	return true
}

// int64Query возвращает 0, если параметра нет
func int64Query(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(c, apperrors.InvalidArgument("%s must be an integer", name))
		return 0, false
	}
	return v, true
}
