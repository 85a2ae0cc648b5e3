package service

import (
	"context"

	"github.com/google/uuid"

	"event_messenger/internal/domain"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

// threadResolver разбирает id треда один раз на входе и дальше работает только с каноническим UUID
type threadResolver struct {
	convRepo   repository.ConversationRepository
	membership MembershipPolicy
	log        logger.Logger
}

func newThreadResolver(convRepo repository.ConversationRepository, membership MembershipPolicy, log logger.Logger) *threadResolver {
	return &threadResolver{convRepo: convRepo, membership: membership, log: log}
}

func (t *threadResolver) canonicalID(ctx context.Context, ref domain.ThreadRef) (uuid.UUID, error) {
	if ref.Kind == domain.ThreadRefLegacy {
		return t.convRepo.ResolveLegacyID(ctx, ref.Legacy)
	}
	return ref.ID, nil
}

// resolveRaw: malformed -> InvalidArgument, не найден -> NotFound, не участник -> AccessDenied
func (t *threadResolver) resolveRaw(ctx context.Context, raw string, userID string) (*domain.Conversation, error) {
	ref, err := domain.ParseThreadRef(raw)
	if err != nil {
		return nil, err
	}
	return t.resolve(ctx, ref, userID)
}

func (t *threadResolver) resolve(ctx context.Context, ref domain.ThreadRef, userID string) (*domain.Conversation, error) {
	id, err := t.canonicalID(ctx, ref)
	if err != nil {
		return nil, err
	}
	conv, err := t.convRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	ok, err := t.membership.IsParticipant(ctx, conv, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrNotParticipant
	}

	// у старых тредов строки состояния участников создаются при первом обращении
	if conv.IsLegacy() && conv.StateFor(userID) == nil {
		members, err := t.membership.Members(ctx, conv)
		if err != nil {
			return nil, err
		}
		if err := t.convRepo.EnsureParticipants(ctx, conv.ID, members); err != nil {
			return nil, err
		}
		if conv.State == nil {
			conv.State = make(map[string]*domain.ParticipantState)
		}
		for _, m := range members {
			if conv.State[m] == nil {
				conv.State[m] = &domain.ParticipantState{UserID: m}
			}
		}
	}
	return conv, nil
}

// recipients - все участники кроме отправителя
func (t *threadResolver) recipients(ctx context.Context, conv *domain.Conversation, senderID string) ([]string, error) {
	members, err := t.membership.Members(ctx, conv)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != senderID {
			out = append(out, m)
		}
	}
	return out, nil
}
