package service

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"event_messenger/internal/config"
	"event_messenger/internal/repository"
	"event_messenger/internal/websocket"
	"event_messenger/pkg/logger"
)

// Dependencies - внешние зависимости сервисов, которые создаются в main
type Dependencies struct {
	Emitter             Emitter
	Publisher           message.Publisher
	Subscriber          message.Subscriber
	FallbackAttachments repository.AttachmentBackend
	Mailer              Mailer
	Readiness           *Readiness
	Clock               Clock
}

type Services struct {
	Membership    MembershipPolicy
	Attachment    AttachmentService
	RateLimit     RateLimitService
	Audit         AuditService
	Delivery      DeliveryService
	Message       MessageService
	Conversation  ConversationService
	Bulk          BulkService
	Queue         QueueService
	Presence      PresenceService
	Readiness     *Readiness
	Notifications *NotificationWorker
	Realtime      websocket.Listener
}

func NewServices(repos *repository.Repositories, deps Dependencies, cfg *config.Config, log logger.Logger) *Services {
	clock := deps.Clock
	if clock == nil {
		clock = RealClock()
	}
	readiness := deps.Readiness
	if readiness == nil {
		readiness = NewReadiness()
	}

	membership := NewMembershipPolicy(repos.Directory)
	audit := NewAuditService(repos.Audit, clock, log)
	rateLimit := NewRateLimitService(repos.RateLimit, cfg, clock, log)
	attachments := NewAttachmentService(repos.PrimaryAttachments, deps.FallbackAttachments, cfg.Attachments, clock, log)
	delivery := NewDeliveryService(deps.Emitter, deps.Publisher, audit, cfg.Delivery, clock, log)
	messages := NewMessageService(repos.Message, repos.Conversation, membership, attachments, rateLimit, delivery, cfg.Messaging, clock, log)
	conversations := NewConversationService(repos.Tx, repos.Conversation, repos.Message, membership, messages, delivery, cfg, clock, log)
	presence := NewPresenceService(repos.Presence, cfg.Presence, clock, log)

	services := &Services{
		Membership:    membership,
		Attachment:    attachments,
		RateLimit:     rateLimit,
		Audit:         audit,
		Delivery:      delivery,
		Message:       messages,
		Conversation:  conversations,
		Bulk:          NewBulkService(repos.Tx, repos.Conversation, repos.Message, repos.Undo, membership, audit, delivery, cfg.Messaging, clock, log),
		Queue:         NewQueueService(repos.Queue, repos.Conversation, membership, messages, cfg.Queue, clock, log),
		Presence:      presence,
		Readiness:     readiness,
		Notifications: NewNotificationWorker(deps.Subscriber, repos, deps.Mailer, cfg, log),
		Realtime:      NewRealtimeListener(presence, conversations, log),
	}

	log.Info("Services initialized")

	return services
}
