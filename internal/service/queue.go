package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

type EnqueueInput struct {
	ThreadID        string          `validate:"required,max=64"`
	Content         string          `validate:"required,max=10000"`
	ClientMessageID string          `validate:"omitempty,max=128"`
	Metadata        json.RawMessage `validate:"max=4096"`
}

// queuedEnvelope - что лежит в payload записи очереди. Отправитель восстанавливается
// из записи, поэтому в payload сохраняются только данные, которых там нет.
type queuedEnvelope struct {
	domain.QueuedPayload
	DisplayName string `json:"display_name,omitempty"`
	Tier        string `json:"tier,omitempty"`
}

// QueueService - сообщения, которые клиент не смог отправить сразу
type QueueService interface {
	Enqueue(ctx context.Context, caller domain.Caller, in EnqueueInput) (*domain.QueuedMessage, error)
	List(ctx context.Context, caller domain.Caller) ([]*domain.QueuedMessage, error)
	Retry(ctx context.Context, caller domain.Caller, entryID uuid.UUID) (*domain.QueuedMessage, error)
	Remove(ctx context.Context, caller domain.Caller, entryID uuid.UUID) error
	// ProcessDue отправляет записи, у которых подошло время; вызывается периодически
	ProcessDue(ctx context.Context) error
}

type queueService struct {
	queueRepo repository.QueueRepository
	threads   *threadResolver
	messages  MessageService
	cfg       config.QueueConfig
	clock     Clock
	log       logger.Logger
}

func NewQueueService(
	queueRepo repository.QueueRepository,
	convRepo repository.ConversationRepository,
	membership MembershipPolicy,
	messages MessageService,
	cfg config.QueueConfig,
	clock Clock,
	log logger.Logger,
) QueueService {
	return &queueService{
		queueRepo: queueRepo,
		threads:   newThreadResolver(convRepo, membership, log),
		messages:  messages,
		cfg:       cfg,
		clock:     clock,
		log:       log,
	}
}

func (s *queueService) Enqueue(ctx context.Context, caller domain.Caller, in EnqueueInput) (*domain.QueuedMessage, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return nil, apperrors.InvalidArgument("metadata must be valid JSON")
	}
	// в очередь можно положить только сообщение в свой тред
	if _, err := s.threads.resolveRaw(ctx, in.ThreadID, caller.UserID); err != nil {
		return nil, err
	}

	id := uuid.New()
	clientID := in.ClientMessageID
	if clientID == "" {
		clientID = id.String()
	}
	payload, err := json.Marshal(queuedEnvelope{
		QueuedPayload: domain.QueuedPayload{Content: in.Content, ClientMessageID: clientID},
		DisplayName:   caller.DisplayName,
		Tier:          caller.Tier,
	})
	if err != nil {
		return nil, apperrors.Internal("failed to encode queued payload", err)
	}

	now := s.clock.Now()
	entry := &domain.QueuedMessage{
		ID:          id,
		UserID:      caller.UserID,
		ThreadRef:   in.ThreadID,
		Payload:     payload,
		Metadata:    in.Metadata,
		Status:      domain.QueueStatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.queueRepo.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *queueService) List(ctx context.Context, caller domain.Caller) ([]*domain.QueuedMessage, error) {
	list, err := s.queueRepo.ListByUser(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*domain.QueuedMessage{}
	}
	return list, nil
}

func (s *queueService) getOwned(ctx context.Context, caller domain.Caller, entryID uuid.UUID) (*domain.QueuedMessage, error) {
	entry, err := s.queueRepo.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.UserID != caller.UserID {
		return nil, apperrors.AccessDenied("queued message belongs to another user")
	}
	return entry, nil
}

func (s *queueService) Retry(ctx context.Context, caller domain.Caller, entryID uuid.UUID) (*domain.QueuedMessage, error) {
	entry, err := s.getOwned(ctx, caller, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.QueueStatusSent {
		return nil, apperrors.InvalidArgument("message has already been sent")
	}
	if entry.RetryCount >= s.cfg.MaxRetries {
		return nil, apperrors.ErrMaxRetriesExceeded.WithMeta("max_retries", s.cfg.MaxRetries)
	}

	now := s.clock.Now()
	entry.RetryCount++
	entry.NextRetryAt = now.Add(Backoff(entry.RetryCount, s.cfg.BaseBackoff, s.cfg.MaxBackoff))
	entry.Status = domain.QueueStatusPending
	entry.UpdatedAt = now
	if err := s.queueRepo.Update(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *queueService) Remove(ctx context.Context, caller domain.Caller, entryID uuid.UUID) error {
	if _, err := s.getOwned(ctx, caller, entryID); err != nil {
		return err
	}
	return s.queueRepo.Delete(ctx, entryID)
}

func (s *queueService) ProcessDue(ctx context.Context) error {
	now := s.clock.Now()
	entries, err := s.queueRepo.ClaimDue(ctx, now, now.Add(-s.leaseOrDefault()), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.process(ctx, entry)
	}
	return nil
}

func (s *queueService) leaseOrDefault() time.Duration {
	if s.cfg.ProcessingLease > 0 {
		return s.cfg.ProcessingLease
	}
	return 2 * time.Minute
}

func (s *queueService) process(ctx context.Context, entry *domain.QueuedMessage) {
	now := s.clock.Now()
	entry.UpdatedAt = now

	var env queuedEnvelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		s.finish(ctx, entry, domain.QueueStatusFailed, "invalid payload")
		return
	}

	caller := domain.Caller{UserID: entry.UserID, DisplayName: env.DisplayName, Tier: env.Tier}
	_, err := s.messages.Send(ctx, caller, SendMessageInput{
		ThreadID:        entry.ThreadRef,
		Content:         env.Content,
		ClientMessageID: env.ClientMessageID,
	})
	if err == nil {
		s.finish(ctx, entry, domain.QueueStatusSent, "")
		return
	}

	switch apperrors.CodeOf(err) {
	case apperrors.CodeInvalidArgument, apperrors.CodeAccessDenied, apperrors.CodeNotFound:
		// повтор не поможет
		s.finish(ctx, entry, domain.QueueStatusFailed, err.Error())
		return
	}

	if entry.RetryCount >= s.cfg.MaxRetries {
		s.finish(ctx, entry, domain.QueueStatusFailed, err.Error())
		return
	}
	entry.RetryCount++
	entry.NextRetryAt = now.Add(Backoff(entry.RetryCount, s.cfg.BaseBackoff, s.cfg.MaxBackoff))
	s.finish(ctx, entry, domain.QueueStatusPending, err.Error())
}

func (s *queueService) finish(ctx context.Context, entry *domain.QueuedMessage, status, lastError string) {
	entry.Status = status
	if lastError != "" {
		entry.LastError = &lastError
	} else {
		entry.LastError = nil
	}
	metrics.QueueProcessed.WithLabelValues(status).Inc()
	if err := s.queueRepo.Update(ctx, entry); err != nil {
		s.log.Error("Failed to update queued message", "id", entry.ID, "status", status, "error", err)
	}
}

// Backoff - base * 2^(attempt-1), не больше max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
