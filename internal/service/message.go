package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

type SendMessageInput struct {
	ThreadID        string `validate:"required,max=64"`
	Content         string `validate:"max=10000"`
	Attachments     []domain.AttachmentFile
	IsDraft         bool
	ClientMessageID string `validate:"omitempty,max=128"`
}

type SendResult struct {
	Message           *domain.Message            `json:"message"`
	FailedAttachments []domain.AttachmentFailure `json:"failed_attachments,omitempty"`
	// Duplicate - сообщение с этим client_message_id уже было записано раньше
	Duplicate bool `json:"duplicate,omitempty"`
}

type reactionInput struct {
	Emoji string `validate:"required,max=32"`
}

type MessageService interface {
	Send(ctx context.Context, caller domain.Caller, in SendMessageInput) (*SendResult, error)
	List(ctx context.Context, caller domain.Caller, threadID string, cursor domain.MessageCursor) (*domain.MessagePage, error)
	Edit(ctx context.Context, caller domain.Caller, messageID uuid.UUID, content string) (*domain.Message, error)
	Delete(ctx context.Context, caller domain.Caller, messageID uuid.UUID) error
	React(ctx context.Context, caller domain.Caller, messageID uuid.UUID, emoji string) (*domain.Message, error)
	SetFlags(ctx context.Context, caller domain.Caller, messageID uuid.UUID, starred, archived *bool) error
}

type messageService struct {
	msgRepo     repository.MessageRepository
	threads     *threadResolver
	attachments AttachmentService
	rateLimit   RateLimitService
	delivery    DeliveryService
	cfg         config.MessagingConfig
	clock       Clock
	log         logger.Logger
}

func NewMessageService(
	msgRepo repository.MessageRepository,
	convRepo repository.ConversationRepository,
	membership MembershipPolicy,
	attachments AttachmentService,
	rateLimit RateLimitService,
	delivery DeliveryService,
	cfg config.MessagingConfig,
	clock Clock,
	log logger.Logger,
) MessageService {
	return &messageService{
		msgRepo:     msgRepo,
		threads:     newThreadResolver(convRepo, membership, log),
		attachments: attachments,
		rateLimit:   rateLimit,
		delivery:    delivery,
		cfg:         cfg,
		clock:       clock,
		log:         log,
	}
}

func (s *messageService) Send(ctx context.Context, caller domain.Caller, in SendMessageInput) (*SendResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	conv, err := s.threads.resolveRaw(ctx, in.ThreadID, caller.UserID)
	if err != nil {
		return nil, err
	}

	content := SanitizeContent(in.Content)
	if content == "" && len(in.Attachments) == 0 {
		return nil, apperrors.ErrEmptyMessage
	}

	var clientID *string
	if in.ClientMessageID != "" {
		clientID = &in.ClientMessageID
		existing, err := s.msgRepo.FindByClientID(ctx, conv.ID, caller.UserID, in.ClientMessageID)
		if err == nil {
			return &SendResult{Message: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, apperrors.ErrMessageNotFound) {
			return nil, err
		}
	}

	if err := s.attachments.Validate(in.Attachments); err != nil {
		return nil, err
	}

	if !in.IsDraft {
		if _, err := s.rateLimit.ConsumeDailyMessage(ctx, caller); err != nil {
			return nil, err
		}
	}
	committed := false
	var refs []domain.AttachmentRef
	defer func() {
		if committed {
			return
		}
		if !in.IsDraft {
			s.rateLimit.RefundDailyMessage(context.WithoutCancel(ctx), caller)
		}
		s.discardAttachments(context.WithoutCancel(ctx), refs)
	}()

	var failures []domain.AttachmentFailure
	if len(in.Attachments) > 0 {
		refs, failures, err = s.attachments.Store(ctx, in.Attachments)
		if err != nil {
			return nil, err
		}
		// без текста сообщение имеет смысл только со всеми вложениями
		if content == "" && len(failures) > 0 {
			return nil, apperrors.ErrStorageUnavailable.WithMeta("failed_attachments", failures)
		}
	}

	recipients, err := s.threads.recipients(ctx, conv, caller.UserID)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperrors.Internal("failed to generate message id", err)
	}
	msg := &domain.Message{
		ID:              id,
		ConversationID:  conv.ID,
		SenderID:        caller.UserID,
		SenderName:      caller.DisplayName,
		RecipientIDs:    recipients,
		Content:         content,
		Attachments:     refs,
		Status:          domain.MessageStatusSent,
		IsDraft:         in.IsDraft,
		ClientMessageID: clientID,
		CreatedAt:       s.clock.Now(),
	}

	if err := s.msgRepo.Append(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrDuplicateClientMessage) {
			// параллельный запрос с тем же ключом успел раньше
			existing, findErr := s.msgRepo.FindByClientID(ctx, conv.ID, caller.UserID, in.ClientMessageID)
			if findErr != nil {
				return nil, findErr
			}
			return &SendResult{Message: existing, Duplicate: true}, nil
		}
		return nil, err
	}
	committed = true

	kind := "message"
	if msg.IsDraft {
		kind = "draft"
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()

	s.delivery.MessageCreated(conv, msg)

	s.log.Debug("Message sent", "message_id", msg.ID, "conversation_id", conv.ID, "seq", msg.Seq)
	return &SendResult{Message: msg, FailedAttachments: failures}, nil
}

func (s *messageService) discardAttachments(ctx context.Context, refs []domain.AttachmentRef) {
	for _, ref := range refs {
		if err := s.attachments.Delete(ctx, ref.ID); err != nil {
			s.log.Warn("Failed to remove orphaned attachment", "attachment_id", ref.ID, "error", err)
		}
	}
}

func (s *messageService) List(ctx context.Context, caller domain.Caller, threadID string, cursor domain.MessageCursor) (*domain.MessagePage, error) {
	if cursor.BeforeSeq < 0 || cursor.AfterSeq < 0 || cursor.Limit < 0 {
		return nil, apperrors.InvalidArgument("cursor values must not be negative")
	}
	if cursor.BeforeSeq > 0 && cursor.AfterSeq > 0 {
		return nil, apperrors.InvalidArgument("before_seq and after_seq are mutually exclusive")
	}
	if cursor.Limit == 0 {
		cursor.Limit = s.cfg.PageSize
	}
	if cursor.Limit > s.cfg.MaxPageSize {
		cursor.Limit = s.cfg.MaxPageSize
	}

	conv, err := s.threads.resolveRaw(ctx, threadID, caller.UserID)
	if err != nil {
		return nil, err
	}

	messages, hasMore, err := s.msgRepo.List(ctx, conv.ID, caller.UserID, cursor)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	return &domain.MessagePage{Messages: messages, HasMore: hasMore}, nil
}

// loadForCaller возвращает живое сообщение и его тред, проверив, что caller - участник
func (s *messageService) loadForCaller(ctx context.Context, caller domain.Caller, messageID uuid.UUID) (*domain.Message, *domain.Conversation, error) {
	msg, err := s.msgRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.IsDeleted() || (msg.IsDraft && msg.SenderID != caller.UserID) {
		return nil, nil, apperrors.ErrMessageNotFound
	}
	conv, err := s.threads.resolve(ctx, domain.CanonicalRef(msg.ConversationID), caller.UserID)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

func (s *messageService) Edit(ctx context.Context, caller domain.Caller, messageID uuid.UUID, content string) (*domain.Message, error) {
	msg, conv, err := s.loadForCaller(ctx, caller, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != caller.UserID {
		return nil, apperrors.AccessDenied("only the sender can edit a message")
	}

	now := s.clock.Now()
	if now.Sub(msg.CreatedAt) > s.cfg.EditWindow {
		return nil, apperrors.ErrEditWindowExpired.WithMeta("edit_window_seconds", int(s.cfg.EditWindow.Seconds()))
	}

	content = SanitizeContent(content)
	if content == "" && len(msg.Attachments) == 0 {
		return nil, apperrors.ErrEmptyMessage
	}
	if content == msg.Content {
		return msg, nil
	}

	updated, err := s.msgRepo.UpdateContent(ctx, msg.ID, content, domain.EditRecord{
		PreviousContent: msg.Content,
		EditedAt:        now,
	})
	if err != nil {
		return nil, err
	}

	if !updated.IsDraft {
		if members, err := s.threads.membership.Members(ctx, conv); err == nil {
			s.delivery.MessageEdited(conv, updated, members)
		} else {
			s.log.Warn("Failed to resolve members for edit event", "conversation_id", conv.ID, "error", err)
		}
	}
	return updated, nil
}

func (s *messageService) Delete(ctx context.Context, caller domain.Caller, messageID uuid.UUID) error {
	msg, conv, err := s.loadForCaller(ctx, caller, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != caller.UserID {
		return apperrors.AccessDenied("only the sender can delete a message")
	}

	n, err := s.msgRepo.SoftDelete(ctx, []uuid.UUID{msg.ID}, s.clock.Now())
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrMessageNotFound
	}

	if members, err := s.threads.membership.Members(ctx, conv); err == nil {
		s.delivery.MessagesDeleted(conv.ID, []uuid.UUID{msg.ID}, members)
	}
	return nil
}

func (s *messageService) React(ctx context.Context, caller domain.Caller, messageID uuid.UUID, emoji string) (*domain.Message, error) {
	if err := validateInput(reactionInput{Emoji: emoji}); err != nil {
		return nil, err
	}
	_, conv, err := s.loadForCaller(ctx, caller, messageID)
	if err != nil {
		return nil, err
	}

	updated, err := s.msgRepo.ToggleReaction(ctx, messageID, emoji, domain.Reactor{
		UserID:      caller.UserID,
		DisplayName: caller.DisplayName,
	})
	if err != nil {
		return nil, err
	}

	if members, err := s.threads.membership.Members(ctx, conv); err == nil {
		s.delivery.ReactionChanged(conv, updated, members)
	}
	return updated, nil
}

func (s *messageService) SetFlags(ctx context.Context, caller domain.Caller, messageID uuid.UUID, starred, archived *bool) error {
	if starred == nil && archived == nil {
		return apperrors.InvalidArgument("nothing to update")
	}
	if _, _, err := s.loadForCaller(ctx, caller, messageID); err != nil {
		return err
	}
	return s.msgRepo.SetFlags(ctx, messageID, starred, archived)
}
