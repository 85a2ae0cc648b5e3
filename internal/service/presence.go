package service

import (
	"context"
	"encoding/json"
	"time"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/repository"
	"event_messenger/internal/websocket"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

const maxBulkPresence = 200

// PresenceService - кто сейчас онлайн. Используется только для UX и решения об email,
// никогда для проверки доступа.
type PresenceService interface {
	Touch(ctx context.Context, userID string) error
	Disconnect(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (domain.Presence, error)
	GetBulk(ctx context.Context, userIDs []string) (map[string]domain.Presence, error)
}

type presenceService struct {
	repo  repository.PresenceRepository
	cfg   config.PresenceConfig
	clock Clock
	log   logger.Logger
}

func NewPresenceService(repo repository.PresenceRepository, cfg config.PresenceConfig, clock Clock, log logger.Logger) PresenceService {
	return &presenceService{repo: repo, cfg: cfg, clock: clock, log: log}
}

func (s *presenceService) Touch(ctx context.Context, userID string) error {
	return s.repo.SetOnline(ctx, userID, s.cfg.TTL, s.clock.Now())
}

func (s *presenceService) Disconnect(ctx context.Context, userID string) error {
	return s.repo.SetOffline(ctx, userID, s.clock.Now())
}

func (s *presenceService) Get(ctx context.Context, userID string) (domain.Presence, error) {
	if userID == "" {
		return domain.Presence{}, apperrors.InvalidArgument("user id is required")
	}
	states, err := s.repo.Get(ctx, []string{userID})
	if err != nil {
		return domain.Presence{}, err
	}
	return states[userID], nil
}

func (s *presenceService) GetBulk(ctx context.Context, userIDs []string) (map[string]domain.Presence, error) {
	if len(userIDs) > maxBulkPresence {
		return nil, apperrors.InvalidArgument("at most %d user ids per request", maxBulkPresence)
	}
	seen := make(map[string]struct{}, len(userIDs))
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return s.repo.Get(ctx, ids)
}

const realtimeCallTimeout = 5 * time.Second

type threadSignal struct {
	ThreadID string `json:"thread_id"`
	IsTyping bool   `json:"is_typing"`
	UpToSeq  int64  `json:"up_to_seq"`
}

// realtimeListener связывает события websocket-соединений с presence и тредами
type realtimeListener struct {
	presence      PresenceService
	conversations ConversationService
	log           logger.Logger
}

func NewRealtimeListener(presence PresenceService, conversations ConversationService, log logger.Logger) websocket.Listener {
	return &realtimeListener{presence: presence, conversations: conversations, log: log}
}

func (l *realtimeListener) call(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), realtimeCallTimeout)
	defer cancel()
	return fn(ctx)
}

func (l *realtimeListener) OnConnect(userID string) {
	if err := l.call(func(ctx context.Context) error { return l.presence.Touch(ctx, userID) }); err != nil {
		l.log.Warn("Failed to mark user online", "user_id", userID, "error", err)
	}
}

func (l *realtimeListener) OnDisconnect(userID string) {
	if err := l.call(func(ctx context.Context) error { return l.presence.Disconnect(ctx, userID) }); err != nil {
		l.log.Warn("Failed to mark user offline", "user_id", userID, "error", err)
	}
}

func (l *realtimeListener) OnHeartbeat(userID string) {
	if err := l.call(func(ctx context.Context) error { return l.presence.Touch(ctx, userID) }); err != nil {
		l.log.Debug("Failed to refresh presence", "user_id", userID, "error", err)
	}
}

func (l *realtimeListener) OnClientMessage(caller domain.Caller, msg websocket.InboundMessage) {
	userID := caller.UserID
	var sig threadSignal
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			l.log.Debug("Malformed client message", "user_id", userID, "type", msg.Type, "error", err)
			return
		}
	}

	var err error
	switch msg.Type {
	case websocket.MessageTypeTyping:
		err = l.call(func(ctx context.Context) error {
			return l.conversations.Typing(ctx, caller, sig.ThreadID, sig.IsTyping)
		})
	case websocket.MessageTypeAck:
		err = l.call(func(ctx context.Context) error {
			_, err := l.conversations.MarkDelivered(ctx, caller, sig.ThreadID, sig.UpToSeq)
			return err
		})
	case websocket.MessageTypeRead:
		err = l.call(func(ctx context.Context) error {
			_, err := l.conversations.MarkRead(ctx, caller, sig.ThreadID)
			return err
		})
	default:
		l.log.Debug("Unknown client message type", "user_id", userID, "type", msg.Type)
		return
	}
	if err != nil {
		l.log.Debug("Client message rejected", "user_id", userID, "type", msg.Type, "error", err)
	}
}
