package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

type CreateConversationInput struct {
	Participants   []string                    `validate:"required,min=1,max=50,dive,required,max=64"`
	Subject        string                      `validate:"max=200"`
	Context        *domain.ConversationContext `validate:"omitempty"`
	InitialMessage *InitialMessage             `validate:"omitempty"`
}

type InitialMessage struct {
	Content         string `validate:"max=10000"`
	Attachments     []domain.AttachmentFile
	ClientMessageID string `validate:"omitempty,max=128"`
}

type CreateConversationResult struct {
	Conversation *domain.Conversation `json:"conversation"`
	Message      *SendResult          `json:"initial_message,omitempty"`
}

type contextInput struct {
	Type  string `validate:"required,oneof=package supplier event general"`
	RefID string `validate:"max=64"`
	Title string `validate:"max=200"`
}

type ConversationService interface {
	Create(ctx context.Context, caller domain.Caller, in CreateConversationInput) (*CreateConversationResult, error)
	Get(ctx context.Context, caller domain.Caller, threadID string) (*domain.Conversation, error)
	List(ctx context.Context, caller domain.Caller, filter domain.ConversationFilter) ([]*domain.Conversation, error)
	MarkRead(ctx context.Context, caller domain.Caller, threadID string) (int, error)
	MarkDelivered(ctx context.Context, caller domain.Caller, threadID string, upToSeq int64) (int, error)
	Archive(ctx context.Context, caller domain.Caller, threadID string) error
	Unarchive(ctx context.Context, caller domain.Caller, threadID string) error
	Pin(ctx context.Context, caller domain.Caller, threadID string, pinned bool) error
	Mute(ctx context.Context, caller domain.Caller, threadID string, until *time.Time) error
	Typing(ctx context.Context, caller domain.Caller, threadID string, isTyping bool) error
}

type conversationService struct {
	tx       repository.Transactor
	convRepo repository.ConversationRepository
	msgRepo  repository.MessageRepository
	threads  *threadResolver
	messages MessageService
	delivery DeliveryService
	cfg      *config.Config
	clock    Clock
	log      logger.Logger
}

func NewConversationService(
	tx repository.Transactor,
	convRepo repository.ConversationRepository,
	msgRepo repository.MessageRepository,
	membership MembershipPolicy,
	messages MessageService,
	delivery DeliveryService,
	cfg *config.Config,
	clock Clock,
	log logger.Logger,
) ConversationService {
	return &conversationService{
		tx:       tx,
		convRepo: convRepo,
		msgRepo:  msgRepo,
		threads:  newThreadResolver(convRepo, membership, log),
		messages: messages,
		delivery: delivery,
		cfg:      cfg,
		clock:    clock,
		log:      log,
	}
}

func (s *conversationService) Create(ctx context.Context, caller domain.Caller, in CreateConversationInput) (*CreateConversationResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Context != nil {
		if err := validateInput(contextInput{Type: in.Context.Type, RefID: in.Context.RefID, Title: in.Context.Title}); err != nil {
			return nil, err
		}
	}

	participants := domain.NormalizeParticipants(caller.UserID, in.Participants)
	if len(participants) < 2 {
		return nil, apperrors.InvalidArgument("at least one participant besides the creator is required")
	}

	// пустое первое сообщение отклоняем до создания треда
	if in.InitialMessage != nil && SanitizeContent(in.InitialMessage.Content) == "" && len(in.InitialMessage.Attachments) == 0 {
		return nil, apperrors.ErrEmptyMessage
	}

	limits := s.cfg.TierLimits(caller.Tier)
	if limits.MaxActiveThreads > 0 {
		count, err := s.convRepo.CountActiveByCreator(ctx, caller.UserID)
		if err != nil {
			return nil, err
		}
		if count >= limits.MaxActiveThreads {
			metrics.APIRateLimitHits.WithLabelValues("threads").Inc()
			return nil, apperrors.LimitExceeded("active conversation limit of %d reached for plan %s",
				limits.MaxActiveThreads, tierName(s.cfg, caller.Tier)).
				WithMeta("limit", limits.MaxActiveThreads)
		}
	}

	now := s.clock.Now()
	conv := &domain.Conversation{
		ID:           uuid.New(),
		CreatedBy:    caller.UserID,
		Participants: participants,
		Subject:      SanitizeContent(in.Subject),
		Context:      in.Context,
		Status:       domain.ConversationStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.convRepo.Create(ctx, conv); err != nil {
		return nil, err
	}
	metrics.ConversationsCreated.Inc()
	s.log.Info("Conversation created", "conversation_id", conv.ID, "created_by", caller.UserID, "participants", len(participants))

	result := &CreateConversationResult{Conversation: conv}
	if in.InitialMessage == nil {
		s.delivery.ThreadUpdated(conv.ID, conv.OtherParticipants(caller.UserID))
		return result, nil
	}

	sent, err := s.messages.Send(ctx, caller, SendMessageInput{
		ThreadID:        conv.ID.String(),
		Content:         in.InitialMessage.Content,
		Attachments:     in.InitialMessage.Attachments,
		ClientMessageID: in.InitialMessage.ClientMessageID,
	})
	if err != nil {
		// тред уже создан; клиент может повторить отправку в него
		s.log.Warn("Initial message failed", "conversation_id", conv.ID, "error", err)
		if appErr, ok := apperrors.As(err); ok {
			return result, appErr.WithMeta("conversation_id", conv.ID.String())
		}
		return result, err
	}
	result.Message = sent
	return result, nil
}

func (s *conversationService) Get(ctx context.Context, caller domain.Caller, threadID string) (*domain.Conversation, error) {
	return s.threads.resolveRaw(ctx, threadID, caller.UserID)
}

func (s *conversationService) List(ctx context.Context, caller domain.Caller, filter domain.ConversationFilter) ([]*domain.Conversation, error) {
	if filter.Limit <= 0 {
		filter.Limit = s.cfg.Messaging.PageSize
	}
	if filter.Limit > s.cfg.Messaging.MaxPageSize {
		filter.Limit = s.cfg.Messaging.MaxPageSize
	}
	list, err := s.convRepo.ListForUser(ctx, caller.UserID, filter)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*domain.Conversation{}
	}
	return list, nil
}

// MarkRead обнуляет непрочитанное и отмечает сообщения прочитанными.
// Возвращает число сообщений, впервые отмеченных этим вызовом.
func (s *conversationService) MarkRead(ctx context.Context, caller domain.Caller, threadID string) (int, error) {
	conv, err := s.threads.resolveRaw(ctx, threadID, caller.UserID)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	var marked []domain.MessageSnapshot
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.convRepo.ResetUnread(ctx, conv.ID, caller.UserID, now); err != nil {
			return err
		}
		marked, err = s.msgRepo.MarkRead(ctx, conv.ID, caller.UserID)
		return err
	})
	if err != nil {
		return 0, err
	}

	if len(marked) > 0 {
		members, err := s.threads.membership.Members(ctx, conv)
		if err == nil {
			s.delivery.ReadReceipt(domain.ReadReceipt{
				ConversationID: conv.ID,
				UserID:         caller.UserID,
				Count:          len(marked),
				ReadAt:         now,
			}, members)
		}
	}
	return len(marked), nil
}

func (s *conversationService) MarkDelivered(ctx context.Context, caller domain.Caller, threadID string, upToSeq int64) (int, error) {
	if upToSeq < 0 {
		return 0, apperrors.InvalidArgument("up_to_seq must not be negative")
	}
	conv, err := s.threads.resolveRaw(ctx, threadID, caller.UserID)
	if err != nil {
		return 0, err
	}
	if upToSeq == 0 {
		upToSeq = conv.MessageSeq
	}
	return s.msgRepo.MarkDelivered(ctx, conv.ID, caller.UserID, upToSeq)
}

func (s *conversationService) Archive(ctx context.Context, caller domain.Caller, threadID string) error {
	now := s.clock.Now()
	return s.updateOwnState(ctx, caller, threadID, func(id uuid.UUID) error {
		return s.convRepo.SetArchived(ctx, id, caller.UserID, &now)
	})
}

func (s *conversationService) Unarchive(ctx context.Context, caller domain.Caller, threadID string) error {
	return s.updateOwnState(ctx, caller, threadID, func(id uuid.UUID) error {
		return s.convRepo.SetArchived(ctx, id, caller.UserID, nil)
	})
}

func (s *conversationService) Pin(ctx context.Context, caller domain.Caller, threadID string, pinned bool) error {
	var at *time.Time
	if pinned {
		now := s.clock.Now()
		at = &now
	}
	return s.updateOwnState(ctx, caller, threadID, func(id uuid.UUID) error {
		return s.convRepo.SetPinned(ctx, id, caller.UserID, at)
	})
}

func (s *conversationService) Mute(ctx context.Context, caller domain.Caller, threadID string, until *time.Time) error {
	if until != nil && !until.After(s.clock.Now()) {
		return apperrors.InvalidArgument("mute_until must be in the future")
	}
	return s.updateOwnState(ctx, caller, threadID, func(id uuid.UUID) error {
		return s.convRepo.SetMuted(ctx, id, caller.UserID, until)
	})
}

// updateOwnState меняет только состояние треда у самого пользователя; данные треда не трогаются
func (s *conversationService) updateOwnState(ctx context.Context, caller domain.Caller, threadID string, fn func(id uuid.UUID) error) error {
	conv, err := s.threads.resolveRaw(ctx, threadID, caller.UserID)
	if err != nil {
		return err
	}
	if err := fn(conv.ID); err != nil {
		return err
	}
	s.delivery.ThreadUpdated(conv.ID, []string{caller.UserID})
	return nil
}

func (s *conversationService) Typing(ctx context.Context, caller domain.Caller, threadID string, isTyping bool) error {
	conv, err := s.threads.resolveRaw(ctx, threadID, caller.UserID)
	if err != nil {
		return err
	}
	members, err := s.threads.membership.Members(ctx, conv)
	if err != nil {
		return err
	}
	s.delivery.Typing(domain.TypingEvent{
		ConversationID: conv.ID,
		UserID:         caller.UserID,
		DisplayName:    caller.DisplayName,
		IsTyping:       isTyping,
	}, members)
	return nil
}
