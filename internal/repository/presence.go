package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"event_messenger/internal/domain"
	"event_messenger/pkg/logger"
)

type PresenceRepository interface {
	SetOnline(ctx context.Context, userID string, ttl time.Duration, now time.Time) error
	SetOffline(ctx context.Context, userID string, now time.Time) error
	Get(ctx context.Context, userIDs []string) (map[string]domain.Presence, error)
}

type presenceRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewPresenceRepository(redis *redis.Client, log logger.Logger) PresenceRepository {
	return &presenceRepository{redis: redis, log: log}
}

func presenceKey(userID string) string { return "presence:online:" + userID }
func lastSeenKey(userID string) string { return "presence:last_seen:" + userID }

// Ключ online живет ttl; если соединение пропало без disconnect, пользователь сам станет offline
func (r *presenceRepository) SetOnline(ctx context.Context, userID string, ttl time.Duration, now time.Time) error {
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, presenceKey(userID), stamp, ttl)
	pipe.Set(ctx, lastSeenKey(userID), stamp, 30*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Failed to set presence", "user_id", userID, "error", err)
		return err
	}
	return nil
}

func (r *presenceRepository) SetOffline(ctx context.Context, userID string, now time.Time) error {
	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, presenceKey(userID))
	pipe.Set(ctx, lastSeenKey(userID), strconv.FormatInt(now.UnixMilli(), 10), 30*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Failed to clear presence", "user_id", userID, "error", err)
		return err
	}
	return nil
}

func (r *presenceRepository) Get(ctx context.Context, userIDs []string) (map[string]domain.Presence, error) {
	out := make(map[string]domain.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(userIDs)*2)
	for _, id := range userIDs {
		keys = append(keys, presenceKey(id), lastSeenKey(id))
	}
	values, err := r.redis.MGet(ctx, keys...).Result()
	if err != nil {
		r.log.Error("Failed to get presence", "error", err)
		return nil, err
	}

	for i, id := range userIDs {
		p := domain.Presence{UserID: id, Status: domain.PresenceOffline}
		if values[2*i] != nil {
			p.Status = domain.PresenceOnline
		}
		if raw, ok := values[2*i+1].(string); ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				t := time.UnixMilli(ms).UTC()
				p.LastSeen = &t
			}
		}
		out[id] = p
	}
	return out, nil
}
