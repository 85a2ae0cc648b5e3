package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"event_messenger/internal/domain"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	ResolveLegacyID(ctx context.Context, legacyID string) (uuid.UUID, error)
	CountActiveByCreator(ctx context.Context, creatorID string) (int, error)
	ListForUser(ctx context.Context, userID string, filter domain.ConversationFilter) ([]*domain.Conversation, error)
	EnsureParticipants(ctx context.Context, id uuid.UUID, userIDs []string) error
	SetArchived(ctx context.Context, id uuid.UUID, userID string, at *time.Time) error
	SetPinned(ctx context.Context, id uuid.UUID, userID string, at *time.Time) error
	SetMuted(ctx context.Context, id uuid.UUID, userID string, until *time.Time) error
	ResetUnread(ctx context.Context, id uuid.UUID, userID string, readAt time.Time) (*domain.ParticipantState, error)
	// RestoreReadState возвращает счетчик, сброшенный пакетной отметкой: снимок
	// прибавляется к текущему значению, чтобы не потерять пришедшее после отметки
	RestoreReadState(ctx context.Context, id uuid.UUID, userID string, unread int, lastReadAt *time.Time) error
}

type conversationRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

const conversationColumns = `
	id, legacy_id, created_by, customer_id, recipient_id, supplier_id, subject, context,
	status, message_seq, last_message_id, last_message_at, created_at, updated_at`

func (r *conversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	contextJSON, err := marshalContext(conv.Context)
	if err != nil {
		return err
	}

	return withTx(ctx, r.db, func(ctx context.Context, q querier) error {
		query := `
			INSERT INTO conversations (id, legacy_id, created_by, customer_id, recipient_id, supplier_id,
				subject, context, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		`
		if _, err := q.Exec(ctx, query,
			conv.ID, conv.LegacyID, conv.CreatedBy, conv.CustomerID, conv.RecipientID, conv.SupplierID,
			conv.Subject, contextJSON, conv.Status, conv.CreatedAt,
		); err != nil {
			r.log.Error("Failed to create conversation", "error", err)
			return err
		}

		for i, userID := range conv.Participants {
			if _, err := q.Exec(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, position, explicit)
				VALUES ($1, $2, $3, TRUE)
			`, conv.ID, userID, i); err != nil {
				r.log.Error("Failed to add participant", "conversation_id", conv.ID, "user_id", userID, "error", err)
				return err
			}
		}

		conv.State = make(map[string]*domain.ParticipantState, len(conv.Participants))
		for i, userID := range conv.Participants {
			conv.State[userID] = &domain.ParticipantState{UserID: userID, Position: i}
		}
		return nil
	})
}

func (r *conversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	q := conn(ctx, r.db)

	conv, err := scanConversation(q.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrConversationGone
		}
		r.log.Error("Failed to get conversation", "conversation_id", id, "error", err)
		return nil, err
	}

	if err := r.loadParticipants(ctx, q, map[uuid.UUID]*domain.Conversation{conv.ID: conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *conversationRepository) ResolveLegacyID(ctx context.Context, legacyID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := conn(ctx, r.db).QueryRow(ctx, `SELECT id FROM conversations WHERE legacy_id = $1`, legacyID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, apperrors.ErrConversationGone
		}
		r.log.Error("Failed to resolve legacy thread id", "legacy_id", legacyID, "error", err)
		return uuid.Nil, err
	}
	return id, nil
}

func (r *conversationRepository) CountActiveByCreator(ctx context.Context, creatorID string) (int, error) {
	var count int
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE created_by = $1 AND status = 'active'`, creatorID,
	).Scan(&count)
	if err != nil {
		r.log.Error("Failed to count conversations", "user_id", creatorID, "error", err)
		return 0, err
	}
	return count, nil
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string, filter domain.ConversationFilter) ([]*domain.Conversation, error) {
	q := conn(ctx, r.db)

	// старые треды без строк участников находятся по ролевым полям
	query := `
		SELECT ` + prefixColumns("c.", conversationColumns) + `
		FROM conversations c
		LEFT JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
		LEFT JOIN suppliers s ON s.id = c.supplier_id
		WHERE (
			p.user_id IS NOT NULL
			OR (
				NOT EXISTS (SELECT 1 FROM conversation_participants e WHERE e.conversation_id = c.id AND e.explicit)
				AND $1 IN (c.customer_id, c.recipient_id, s.owner_user_id)
			)
		)
		  AND (p.archived_at IS NOT NULL) = $2
		  AND ($3::timestamptz IS NULL OR COALESCE(c.last_message_at, c.created_at) < $3)
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
		LIMIT $4
	`
	rows, err := q.Query(ctx, query, userID, filter.Archived, filter.Before, filter.Limit)
	if err != nil {
		r.log.Error("Failed to list conversations", "user_id", userID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var list []*domain.Conversation
	byID := make(map[uuid.UUID]*domain.Conversation)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			r.log.Error("Failed to scan conversation", "error", err)
			return nil, err
		}
		list = append(list, conv)
		byID[conv.ID] = conv
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(byID) > 0 {
		if err := r.loadParticipants(ctx, q, byID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (r *conversationRepository) EnsureParticipants(ctx context.Context, id uuid.UUID, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := conn(ctx, r.db).Exec(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, position, explicit)
		SELECT $1, u, 1000 + ord, FALSE FROM unnest($2::text[]) WITH ORDINALITY AS t(u, ord)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, id, userIDs)
	if err != nil {
		r.log.Error("Failed to ensure participants", "conversation_id", id, "error", err)
	}
	return err
}

func (r *conversationRepository) SetArchived(ctx context.Context, id uuid.UUID, userID string, at *time.Time) error {
	return r.updateParticipant(ctx, `UPDATE conversation_participants SET archived_at = $3
		WHERE conversation_id = $1 AND user_id = $2`, id, userID, at)
}

func (r *conversationRepository) SetPinned(ctx context.Context, id uuid.UUID, userID string, at *time.Time) error {
	return r.updateParticipant(ctx, `UPDATE conversation_participants SET pinned_at = $3
		WHERE conversation_id = $1 AND user_id = $2`, id, userID, at)
}

func (r *conversationRepository) SetMuted(ctx context.Context, id uuid.UUID, userID string, until *time.Time) error {
	return r.updateParticipant(ctx, `UPDATE conversation_participants SET muted_until = $3
		WHERE conversation_id = $1 AND user_id = $2`, id, userID, until)
}

func (r *conversationRepository) updateParticipant(ctx context.Context, query string, id uuid.UUID, userID string, value *time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx, query, id, userID, value)
	if err != nil {
		r.log.Error("Failed to update participant state", "conversation_id", id, "user_id", userID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotParticipant
	}
	return nil
}

func (r *conversationRepository) ResetUnread(ctx context.Context, id uuid.UUID, userID string, readAt time.Time) (*domain.ParticipantState, error) {
	var prev domain.ParticipantState
	prev.UserID = userID

	err := withTx(ctx, r.db, func(ctx context.Context, q querier) error {
		err := q.QueryRow(ctx, `
			SELECT unread_count, last_read_at FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
			FOR UPDATE
		`, id, userID).Scan(&prev.UnreadCount, &prev.LastReadAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotParticipant
			}
			return err
		}

		_, err = q.Exec(ctx, `
			UPDATE conversation_participants SET unread_count = 0, last_read_at = $3
			WHERE conversation_id = $1 AND user_id = $2
		`, id, userID, readAt)
		return err
	})
	if err != nil {
		if !apperrors.IsCode(err, apperrors.CodeAccessDenied) {
			r.log.Error("Failed to reset unread counter", "conversation_id", id, "user_id", userID, "error", err)
		}
		return nil, err
	}
	return &prev, nil
}

func (r *conversationRepository) RestoreReadState(ctx context.Context, id uuid.UUID, userID string, unread int, lastReadAt *time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE conversation_participants SET unread_count = unread_count + $3, last_read_at = $4
		WHERE conversation_id = $1 AND user_id = $2
	`, id, userID, unread, lastReadAt)
	if err != nil {
		r.log.Error("Failed to restore read state", "conversation_id", id, "user_id", userID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotParticipant
	}
	return nil
}

func (r *conversationRepository) loadParticipants(ctx context.Context, q querier, byID map[uuid.UUID]*domain.Conversation) error {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id.String())
	}

	rows, err := q.Query(ctx, `
		SELECT conversation_id, user_id, position, explicit, unread_count,
			pinned_at, muted_until, last_read_at, archived_at
		FROM conversation_participants
		WHERE conversation_id = ANY($1::uuid[])
		ORDER BY conversation_id, position
	`, ids)
	if err != nil {
		r.log.Error("Failed to load participants", "error", err)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var convID uuid.UUID
		var explicit bool
		st := &domain.ParticipantState{}
		if err := rows.Scan(&convID, &st.UserID, &st.Position, &explicit, &st.UnreadCount,
			&st.PinnedAt, &st.MutedUntil, &st.LastReadAt, &st.ArchivedAt); err != nil {
			r.log.Error("Failed to scan participant", "error", err)
			return err
		}
		conv, ok := byID[convID]
		if !ok {
			continue
		}
		if conv.State == nil {
			conv.State = make(map[string]*domain.ParticipantState)
		}
		conv.State[st.UserID] = st
		if explicit {
			conv.Participants = append(conv.Participants, st.UserID)
		}
	}
	return rows.Err()
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	var contextJSON []byte
	err := row.Scan(
		&conv.ID, &conv.LegacyID, &conv.CreatedBy, &conv.CustomerID, &conv.RecipientID, &conv.SupplierID,
		&conv.Subject, &contextJSON, &conv.Status, &conv.MessageSeq, &conv.LastMessageID, &conv.LastMessageAt,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		conv.Context = &domain.ConversationContext{}
		if err := json.Unmarshal(contextJSON, conv.Context); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

func marshalContext(c *domain.ConversationContext) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}
