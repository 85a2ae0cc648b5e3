package service

import (
	"context"
	"time"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

type RateLimitService interface {
	CheckLimit(ctx context.Context, key string, limit int, windowSeconds int) (bool, error)
	Increment(ctx context.Context, key string, windowSeconds int) (int64, error)
	// ConsumeDailyMessage списывает одно сообщение из суточной квоты тарифа
	ConsumeDailyMessage(ctx context.Context, caller domain.Caller) (*domain.QuotaDecision, error)
	RefundDailyMessage(ctx context.Context, caller domain.Caller)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	cfg           *config.Config
	clock         Clock
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, cfg *config.Config, clock Clock, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		cfg:           cfg,
		clock:         clock,
		log:           log,
	}
}

func (s *rateLimitService) CheckLimit(ctx context.Context, key string, limit int, windowSeconds int) (bool, error) {
	return s.rateLimitRepo.CheckLimit(ctx, key, limit, time.Duration(windowSeconds)*time.Second)
}

func (s *rateLimitService) Increment(ctx context.Context, key string, windowSeconds int) (int64, error) {
	return s.rateLimitRepo.Increment(ctx, key, time.Duration(windowSeconds)*time.Second)
}

func dailyQuotaKey(userID string, now time.Time) string {
	return "quota:messages:" + userID + ":" + now.UTC().Format("20060102")
}

// ConsumeDailyMessage: при недоступности Redis квота не блокирует отправку
func (s *rateLimitService) ConsumeDailyMessage(ctx context.Context, caller domain.Caller) (*domain.QuotaDecision, error) {
	now := s.clock.Now()
	limits := s.cfg.TierLimits(caller.Tier)
	resets := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

	decision := &domain.QuotaDecision{Allowed: true, Limit: limits.MaxDailyMessages, ResetsAt: resets}
	if limits.MaxDailyMessages <= 0 {
		return decision, nil
	}

	key := dailyQuotaKey(caller.UserID, now)
	count, err := s.rateLimitRepo.Increment(ctx, key, resets.Sub(now)+time.Minute)
	if err != nil {
		s.log.Warn("Daily quota unavailable, allowing message", "user_id", caller.UserID, "error", err)
		return decision, nil
	}
	decision.Used = count

	if count > int64(limits.MaxDailyMessages) {
		// отказ не должен съедать квоту
		_ = s.rateLimitRepo.Decrement(ctx, key)
		decision.Allowed = false
		decision.Used = int64(limits.MaxDailyMessages)
		metrics.APIRateLimitHits.WithLabelValues(domain.RateLimitScopeUser).Inc()
		return decision, apperrors.LimitExceeded("daily message limit of %d reached for plan %s", limits.MaxDailyMessages, tierName(s.cfg, caller.Tier)).
			WithMeta("limit", limits.MaxDailyMessages).
			WithMeta("resets_at", resets)
	}
	return decision, nil
}

func (s *rateLimitService) RefundDailyMessage(ctx context.Context, caller domain.Caller) {
	if s.cfg.TierLimits(caller.Tier).MaxDailyMessages <= 0 {
		return
	}
	if err := s.rateLimitRepo.Decrement(ctx, dailyQuotaKey(caller.UserID, s.clock.Now())); err != nil {
		s.log.Warn("Failed to refund daily quota", "user_id", caller.UserID, "error", err)
	}
}

func tierName(cfg *config.Config, tier string) string {
	if _, ok := cfg.Limits.Tiers[tier]; ok {
		return tier
	}
	return cfg.Limits.DefaultTier
}
