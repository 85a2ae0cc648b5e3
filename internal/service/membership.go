package service

import (
	"context"

	"event_messenger/internal/domain"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
)

// MembershipPolicy отвечает на вопрос "кто участник треда".
// Новые треды хранят явный список участников, старые - ролевые поля
// (заказчик, получатель, поставщик), где поставщика нужно развернуть в его владельца.
type MembershipPolicy interface {
	IsParticipant(ctx context.Context, conv *domain.Conversation, userID string) (bool, error)
	Members(ctx context.Context, conv *domain.Conversation) ([]string, error)
}

type explicitMembership struct{}

func (explicitMembership) IsParticipant(_ context.Context, conv *domain.Conversation, userID string) (bool, error) {
	for _, p := range conv.Participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (explicitMembership) Members(_ context.Context, conv *domain.Conversation) ([]string, error) {
	return append([]string(nil), conv.Participants...), nil
}

type roleMembership struct {
	directory repository.DirectoryRepository
}

func (m roleMembership) IsParticipant(ctx context.Context, conv *domain.Conversation, userID string) (bool, error) {
	if (conv.CustomerID != nil && *conv.CustomerID == userID) || (conv.RecipientID != nil && *conv.RecipientID == userID) {
		return true, nil
	}
	owner, err := m.supplierOwner(ctx, conv)
	if err != nil {
		return false, err
	}
	return owner != "" && owner == userID, nil
}

func (m roleMembership) Members(ctx context.Context, conv *domain.Conversation) ([]string, error) {
	var members []string
	add := func(id string) {
		if id == "" {
			return
		}
		for _, existing := range members {
			if existing == id {
				return
			}
		}
		members = append(members, id)
	}

	if conv.CustomerID != nil {
		add(*conv.CustomerID)
	}
	if conv.RecipientID != nil {
		add(*conv.RecipientID)
	}
	owner, err := m.supplierOwner(ctx, conv)
	if err != nil {
		return nil, err
	}
	add(owner)
	return members, nil
}

// supplierOwner возвращает "" если у треда нет поставщика или поставщик удален
func (m roleMembership) supplierOwner(ctx context.Context, conv *domain.Conversation) (string, error) {
	if conv.SupplierID == nil || *conv.SupplierID == "" {
		return "", nil
	}
	owner, err := m.directory.SupplierOwner(ctx, *conv.SupplierID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

type compositeMembership struct {
	explicit explicitMembership
	role     roleMembership
}

func NewMembershipPolicy(directory repository.DirectoryRepository) MembershipPolicy {
	return &compositeMembership{role: roleMembership{directory: directory}}
}

func (m *compositeMembership) pick(conv *domain.Conversation) MembershipPolicy {
	if conv.IsLegacy() {
		return m.role
	}
	return m.explicit
}

func (m *compositeMembership) IsParticipant(ctx context.Context, conv *domain.Conversation, userID string) (bool, error) {
	return m.pick(conv).IsParticipant(ctx, conv, userID)
}

func (m *compositeMembership) Members(ctx context.Context, conv *domain.Conversation) ([]string, error) {
	return m.pick(conv).Members(ctx, conv)
}
