package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	"event_messenger/internal/repository"
	"event_messenger/pkg/logger"
)

const notificationTimeout = 30 * time.Second

// NotificationWorker читает очередь писем и отправляет их. Ошибки только логируются:
// отправка сообщения к этому моменту уже завершена.
type NotificationWorker struct {
	subscriber message.Subscriber
	presence   repository.PresenceRepository
	dedup      repository.RateLimitRepository
	directory  repository.DirectoryRepository
	mailer     Mailer
	cfg        config.Config
	log        logger.Logger
}

func NewNotificationWorker(
	subscriber message.Subscriber,
	repos *repository.Repositories,
	mailer Mailer,
	cfg *config.Config,
	log logger.Logger,
) *NotificationWorker {
	return &NotificationWorker{
		subscriber: subscriber,
		presence:   repos.Presence,
		dedup:      repos.RateLimit,
		directory:  repos.Directory,
		mailer:     mailer,
		cfg:        *cfg,
		log:        log,
	}
}

func (w *NotificationWorker) String() string { return "email-notifications" }

func (w *NotificationWorker) Serve(ctx context.Context) error {
	messages, err := w.subscriber.Subscribe(ctx, TopicEmailNotifications)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", TopicEmailNotifications, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("notification subscription closed")
			}
			w.handle(ctx, msg)
			msg.Ack()
		}
	}
}

func (w *NotificationWorker) handle(ctx context.Context, msg *message.Message) {
	var req domain.NotificationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		metrics.NotificationsTotal.WithLabelValues("invalid").Inc()
		w.log.Error("Failed to decode notification", "watermill_uuid", msg.UUID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, notificationTimeout)
	defer cancel()

	outcome := w.process(ctx, req)
	metrics.NotificationsTotal.WithLabelValues(outcome).Inc()
}

func (w *NotificationWorker) process(ctx context.Context, req domain.NotificationRequest) string {
	// presence только подсказка: если Redis не ответил, письмо все равно отправляем
	if states, err := w.presence.Get(ctx, []string{req.RecipientID}); err == nil {
		if states[req.RecipientID].Online() {
			return "skipped_online"
		}
	}

	key := "notify:email:" + req.DedupKey()
	claimed, err := w.dedup.Claim(ctx, key, w.cfg.Delivery.DedupTTL)
	if err != nil {
		w.log.Error("Failed to claim notification", "message_id", req.MessageID, "recipient_id", req.RecipientID, "error", err)
		return "error"
	}
	if !claimed {
		return "duplicate"
	}

	contact, err := w.directory.GetContact(ctx, req.RecipientID)
	if err != nil {
		w.log.Warn("Notification recipient not resolved", "recipient_id", req.RecipientID, "error", err)
		return "no_contact"
	}
	if contact.Email == "" {
		return "no_contact"
	}

	body := fmt.Sprintf("%s wrote:\n\n%s\n\nOpen the conversation: %s/messages/%s\n",
		displayOr(req.SenderName, "Someone"), req.Preview, w.cfg.Mail.BaseURL, req.ConversationID)
	if err := w.mailer.Send(ctx, contact.Email, req.Subject, body); err != nil {
		// ключ снимаем, чтобы повторное событие могло отправить письмо
		_ = w.dedup.Release(ctx, key)
		w.log.Error("Failed to send notification email",
			"message_id", req.MessageID, "recipient_id", req.RecipientID, "error", err)
		return "error"
	}

	w.log.Debug("Notification email sent", "message_id", req.MessageID, "recipient_id", req.RecipientID)
	return "sent"
}

func displayOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// watermillLogger пропускает логи watermill через наш logger
type watermillLogger struct {
	log logger.Logger
}

func NewWatermillLogger(log logger.Logger) watermill.LoggerAdapter {
	return watermillLogger{log: log}
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Error(msg, append(fieldsToKV(fields), "error", err)...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.log.Info(msg, fieldsToKV(fields)...)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, fieldsToKV(fields)...)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.log.Debug(msg, fieldsToKV(fields)...)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{log: l.log.With(fieldsToKV(fields)...)}
}

func fieldsToKV(fields watermill.LogFields) []interface{} {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return kv
}
