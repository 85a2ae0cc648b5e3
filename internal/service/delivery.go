package service

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strconv"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

// TopicEmailNotifications - очередь писем участникам, которых не было онлайн
const TopicEmailNotifications = "notifications.email"

// Emitter - транспорт push-событий (websocket хаб). Возвращает число соединений, получивших событие.
type Emitter interface {
	EmitToUser(userID string, event domain.Event) int
	EmitToAll(event domain.Event) int
	IsConnected(userID string) bool
}

type DeliveryService interface {
	MessageCreated(conv *domain.Conversation, msg *domain.Message)
	MessageEdited(conv *domain.Conversation, msg *domain.Message, members []string)
	MessagesDeleted(conversationID uuid.UUID, messageIDs []uuid.UUID, members []string)
	ReactionChanged(conv *domain.Conversation, msg *domain.Message, members []string)
	ThreadUpdated(conversationID uuid.UUID, userIDs []string)
	// ReadReceipt и Typing не сохраняются и уходят мимо шардов
	ReadReceipt(receipt domain.ReadReceipt, members []string)
	Typing(ev domain.TypingEvent, members []string)
	Broadcast(ctx context.Context, caller domain.Caller, payload map[string]interface{}) (int, error)
	Workers() []suture.Service
}

type pushJob struct {
	conversationID uuid.UUID
	event          domain.Event
	recipients     []string
	// notify != nil - получателям без соединений отправляется письмо
	notify *domain.NotificationRequest
	muted  map[string]bool
}

type deliveryService struct {
	emitter   Emitter
	publisher message.Publisher
	audit     AuditService
	shards    []*deliveryShard
	cfg       config.DeliveryConfig
	clock     Clock
	log       logger.Logger
}

func NewDeliveryService(emitter Emitter, publisher message.Publisher, audit AuditService, cfg config.DeliveryConfig, clock Clock, log logger.Logger) DeliveryService {
	s := &deliveryService{
		emitter:   emitter,
		publisher: publisher,
		audit:     audit,
		cfg:       cfg,
		clock:     clock,
		log:       log,
	}

	n := cfg.Shards
	if n <= 0 {
		n = 1
	}
	s.shards = make([]*deliveryShard, n)
	for i := range s.shards {
		s.shards[i] = &deliveryShard{
			id:    i,
			label: strconv.Itoa(i),
			jobs:  make(chan pushJob, cfg.ShardBuffer),
			owner: s,
		}
	}
	return s
}

func (s *deliveryService) Workers() []suture.Service {
	out := make([]suture.Service, len(s.shards))
	for i, sh := range s.shards {
		out[i] = sh
	}
	return out
}

// shardFor - события одного треда всегда попадают в один шард, это сохраняет их порядок
func (s *deliveryService) shardFor(conversationID uuid.UUID) *deliveryShard {
	h := fnv.New32a()
	_, _ = h.Write(conversationID[:])
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *deliveryService) enqueue(job pushJob) {
	sh := s.shardFor(job.conversationID)
	select {
	case sh.jobs <- job:
		metrics.DeliveryQueueDepth.WithLabelValues(sh.label).Set(float64(len(sh.jobs)))
	default:
		metrics.PushEventsTotal.WithLabelValues(job.event.Type, "dropped").Inc()
		s.log.Warn("Delivery shard is full, dropping event",
			"shard", sh.id, "event", job.event.Type, "conversation_id", job.conversationID)
		// теряется только push; письма офлайн-получателям уходят сразу
		s.notifyOffline(job)
	}
}

func (s *deliveryService) notifyOffline(job pushJob) {
	if job.notify == nil {
		return
	}
	for _, userID := range job.recipients {
		if s.emitter.IsConnected(userID) {
			continue
		}
		s.notifyRecipient(job, userID)
	}
}

func (s *deliveryService) notifyRecipient(job pushJob, userID string) {
	if job.notify == nil || job.muted[userID] || userID == senderOf(job) {
		return
	}
	req := *job.notify
	req.RecipientID = userID
	s.publishNotification(req)
}

func (s *deliveryService) MessageCreated(conv *domain.Conversation, msg *domain.Message) {
	if msg.IsDraft {
		return
	}

	now := s.clock.Now()
	muted := make(map[string]bool)
	for _, r := range msg.RecipientIDs {
		if st := conv.StateFor(r); st != nil && st.MutedUntil != nil && st.MutedUntil.After(now) {
			muted[r] = true
		}
	}

	// отправителю тоже: другие его вкладки должны увидеть сообщение
	recipients := append([]string{msg.SenderID}, msg.RecipientIDs...)
	s.enqueue(pushJob{
		conversationID: conv.ID,
		event: domain.Event{
			Type: domain.EventMessageNew,
			Data: domain.MessageEvent{ConversationID: conv.ID, Seq: msg.Seq, Message: msg},
		},
		recipients: recipients,
		notify: &domain.NotificationRequest{
			MessageID:      msg.ID,
			ConversationID: conv.ID,
			SenderName:     msg.SenderName,
			Subject:        notificationSubject(conv, msg),
			Preview:        Preview(msg.Content, s.cfg.PreviewChars),
			CreatedAt:      msg.CreatedAt,
		},
		muted: muted,
	})
}

func (s *deliveryService) MessageEdited(conv *domain.Conversation, msg *domain.Message, members []string) {
	s.enqueue(pushJob{
		conversationID: conv.ID,
		event: domain.Event{
			Type: domain.EventMessageEdited,
			Data: domain.MessageEvent{ConversationID: conv.ID, Seq: msg.Seq, Message: msg},
		},
		recipients: members,
	})
}

func (s *deliveryService) MessagesDeleted(conversationID uuid.UUID, messageIDs []uuid.UUID, members []string) {
	s.enqueue(pushJob{
		conversationID: conversationID,
		event: domain.Event{
			Type: domain.EventMessageDeleted,
			Data: map[string]interface{}{"conversation_id": conversationID, "message_ids": messageIDs},
		},
		recipients: members,
	})
}

func (s *deliveryService) ReactionChanged(conv *domain.Conversation, msg *domain.Message, members []string) {
	s.enqueue(pushJob{
		conversationID: conv.ID,
		event: domain.Event{
			Type: domain.EventMessageReaction,
			Data: map[string]interface{}{
				"conversation_id": conv.ID,
				"message_id":      msg.ID,
				"reactions":       msg.Reactions,
			},
		},
		recipients: members,
	})
}

func (s *deliveryService) ThreadUpdated(conversationID uuid.UUID, userIDs []string) {
	s.enqueue(pushJob{
		conversationID: conversationID,
		event: domain.Event{
			Type: domain.EventThreadUpdated,
			Data: map[string]interface{}{"conversation_id": conversationID},
		},
		recipients: userIDs,
	})
}

func (s *deliveryService) ReadReceipt(receipt domain.ReadReceipt, members []string) {
	s.emitTransient(domain.Event{Type: domain.EventMessageRead, Data: receipt}, receipt.UserID, members)
}

func (s *deliveryService) Typing(ev domain.TypingEvent, members []string) {
	s.emitTransient(domain.Event{Type: domain.EventTyping, Data: ev}, ev.UserID, members)
}

func (s *deliveryService) emitTransient(event domain.Event, actorID string, members []string) {
	for _, m := range members {
		if m == actorID {
			continue
		}
		s.emitter.EmitToUser(m, event)
	}
}

func (s *deliveryService) Broadcast(ctx context.Context, caller domain.Caller, payload map[string]interface{}) (int, error) {
	if !caller.HasRole(domain.GlobalRoleAdmin) {
		return 0, apperrors.AccessDenied("admin role required")
	}
	if len(payload) == 0 {
		return 0, apperrors.InvalidArgument("broadcast payload is required")
	}

	n := s.emitter.EmitToAll(domain.Event{Type: domain.EventAdminBroadcast, Data: payload})
	metrics.PushEventsTotal.WithLabelValues(domain.EventAdminBroadcast, "delivered").Add(float64(n))

	auditPayload := map[string]interface{}{"connections": n, "payload": payload}
	if err := s.audit.LogEvent(ctx, caller.UserID, domain.ActorRoleAdmin, nil, domain.EventTypeAdminBroadcast, auditPayload); err != nil {
		s.log.Error("Failed to audit broadcast", "user_id", caller.UserID, "error", err)
	}
	return n, nil
}

func (s *deliveryService) publishNotification(req domain.NotificationRequest) {
	payload, err := json.Marshal(req)
	if err != nil {
		s.log.Error("Failed to encode notification", "message_id", req.MessageID, "error", err)
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := s.publisher.Publish(TopicEmailNotifications, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues("publish_error").Inc()
		s.log.Error("Failed to publish notification", "message_id", req.MessageID, "recipient_id", req.RecipientID, "error", err)
	}
}

// deliveryShard - один FIFO-воркер; работает под супервизором
type deliveryShard struct {
	id    int
	label string
	jobs  chan pushJob
	owner *deliveryService
}

func (sh *deliveryShard) String() string { return "delivery-shard-" + sh.label }

func (sh *deliveryShard) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-sh.jobs:
			metrics.DeliveryQueueDepth.WithLabelValues(sh.label).Set(float64(len(sh.jobs)))
			sh.owner.deliver(job)
		}
	}
}

func (s *deliveryService) deliver(job pushJob) {
	for _, userID := range job.recipients {
		n := s.emitter.EmitToUser(userID, job.event)
		if n > 0 {
			metrics.PushEventsTotal.WithLabelValues(job.event.Type, "delivered").Inc()
			continue
		}
		metrics.PushEventsTotal.WithLabelValues(job.event.Type, "offline").Inc()
		s.notifyRecipient(job, userID)
	}
}

func senderOf(job pushJob) string {
	if ev, ok := job.event.Data.(domain.MessageEvent); ok && ev.Message != nil {
		return ev.Message.SenderID
	}
	return ""
}

func notificationSubject(conv *domain.Conversation, msg *domain.Message) string {
	name := msg.SenderName
	if name == "" {
		name = "Someone"
	}
	if conv.Subject != "" {
		return "New message from " + name + ": " + conv.Subject
	}
	return "New message from " + name
}

// Preview обрезает текст до limit символов (рун), добавляя многоточие
func Preview(content string, limit int) string {
	if limit <= 0 {
		limit = 100
	}
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return string(runes[:limit-1]) + "…"
}
