package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "event_messenger/pkg/errors"
)

const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
)

const (
	ContextTypePackage  = "package"
	ContextTypeSupplier = "supplier"
	ContextTypeEvent    = "event"
	ContextTypeGeneral  = "general"
)

type ThreadRefKind int

const (
	ThreadRefCanonical ThreadRefKind = iota + 1
	ThreadRefLegacy
)

// ThreadRef - идентификатор треда после разбора на границе API.
// Старые треды адресуются строкой вида thread_<unix ms>_<suffix>, новые - UUID.
type ThreadRef struct {
	Kind   ThreadRefKind
	ID     uuid.UUID
	Legacy string
}

var legacyThreadIDPattern = regexp.MustCompile(`^thread_[0-9]{10,16}_[a-z0-9]{4,16}$`)

func ParseThreadRef(raw string) (ThreadRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadRef{}, apperrors.InvalidArgument("thread id is required")
	}
	if id, err := uuid.Parse(raw); err == nil && len(raw) == 36 {
		return ThreadRef{Kind: ThreadRefCanonical, ID: id}, nil
	}
	if legacyThreadIDPattern.MatchString(raw) {
		return ThreadRef{Kind: ThreadRefLegacy, Legacy: raw}, nil
	}
	return ThreadRef{}, apperrors.InvalidArgument("malformed thread id %q", raw)
}

func CanonicalRef(id uuid.UUID) ThreadRef {
	return ThreadRef{Kind: ThreadRefCanonical, ID: id}
}

func (r ThreadRef) String() string {
	if r.Kind == ThreadRefLegacy {
		return r.Legacy
	}
	return r.ID.String()
}

type ConversationContext struct {
	Type  string `json:"type"`
	RefID string `json:"ref_id,omitempty"`
	Title string `json:"title,omitempty"`
}

// ParticipantState - состояние треда для конкретного участника
type ParticipantState struct {
	UserID      string     `json:"user_id"`
	Position    int        `json:"position"`
	UnreadCount int        `json:"unread_count"`
	PinnedAt    *time.Time `json:"pinned_at,omitempty"`
	MutedUntil  *time.Time `json:"muted_until,omitempty"`
	LastReadAt  *time.Time `json:"last_read_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
}

type Conversation struct {
	ID            uuid.UUID                    `json:"id"`
	LegacyID      *string                      `json:"legacy_id,omitempty"`
	CreatedBy     string                       `json:"created_by"`
	Participants  []string                     `json:"participants"`
	CustomerID    *string                      `json:"customer_id,omitempty"`
	RecipientID   *string                      `json:"recipient_id,omitempty"`
	SupplierID    *string                      `json:"supplier_id,omitempty"`
	Subject       string                       `json:"subject"`
	Context       *ConversationContext         `json:"context,omitempty"`
	Status        string                       `json:"status"`
	MessageSeq    int64                        `json:"message_seq"`
	LastMessageID *uuid.UUID                   `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time                   `json:"last_message_at,omitempty"`
	State         map[string]*ParticipantState `json:"participant_state"`
	CreatedAt     time.Time                    `json:"created_at"`
	UpdatedAt     time.Time                    `json:"updated_at"`
}

// IsLegacy - тред старой схемы, где участники задаются ролевыми полями
func (c *Conversation) IsLegacy() bool {
	return len(c.Participants) == 0 && (c.CustomerID != nil || c.RecipientID != nil || c.SupplierID != nil)
}

// OtherParticipants возвращает участников кроме userID в порядке добавления
func (c *Conversation) OtherParticipants(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

func (c *Conversation) StateFor(userID string) *ParticipantState {
	if c.State == nil {
		return nil
	}
	return c.State[userID]
}

// NormalizeParticipants ставит создателя первым, убирает пустые id и дубликаты
func NormalizeParticipants(creatorID string, participants []string) []string {
	seen := map[string]struct{}{creatorID: {}}
	out := []string{creatorID}
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

type ConversationFilter struct {
	Archived bool
	Before   *time.Time
	Limit    int
}
