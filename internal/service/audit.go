package service

import (
	"context"

	"github.com/google/uuid"

	"event_messenger/internal/domain"
	"event_messenger/internal/repository"
	"event_messenger/pkg/logger"
)

type AuditService interface {
	LogEvent(ctx context.Context, actorUserID string, actorRole string, conversationID *uuid.UUID, eventType string, payload map[string]interface{}) error
}

type auditService struct {
	auditRepo repository.AuditRepository
	clock     Clock
	log       logger.Logger
}

func NewAuditService(auditRepo repository.AuditRepository, clock Clock, log logger.Logger) AuditService {
	return &auditService{
		auditRepo: auditRepo,
		clock:     clock,
		log:       log,
	}
}

// LogEvent пишет запись аудита. Если в ctx открыта транзакция, запись попадает в нее.
func (s *auditService) LogEvent(ctx context.Context, actorUserID string, actorRole string, conversationID *uuid.UUID, eventType string, payload map[string]interface{}) error {
	if payload == nil {
		payload = make(map[string]interface{})
	}

	auditLog := &domain.AuditLog{
		EventTime:      s.clock.Now(),
		ActorUserID:    actorUserID,
		ActorRole:      actorRole,
		ConversationID: conversationID,
		EventType:      eventType,
		Payload:        payload,
	}

	return s.auditRepo.CreateLog(ctx, auditLog)
}
