package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"event_messenger/internal/domain"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

// ErrDuplicateClientMessage - сообщение с таким client_message_id уже записано
var ErrDuplicateClientMessage = errors.New("duplicate client message id")

type MessageRepository interface {
	// Append записывает сообщение и в той же транзакции двигает счетчик
	// последовательности треда, указатель на последнее сообщение и счетчики непрочитанного.
	Append(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	FindByClientID(ctx context.Context, conversationID uuid.UUID, senderID, clientID string) (*domain.Message, error)
	List(ctx context.Context, conversationID uuid.UUID, viewerID string, cursor domain.MessageCursor) ([]*domain.Message, bool, error)
	UpdateContent(ctx context.Context, id uuid.UUID, content string, edit domain.EditRecord) (*domain.Message, error)
	ToggleReaction(ctx context.Context, id uuid.UUID, emoji string, reactor domain.Reactor) (*domain.Message, error)
	SetFlags(ctx context.Context, id uuid.UUID, starred, archived *bool) error
	MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string) ([]domain.MessageSnapshot, error)
	MarkDelivered(ctx context.Context, conversationID uuid.UUID, userID string, upToSeq int64) (int, error)
	LockForUpdate(ctx context.Context, ids []uuid.UUID) ([]*domain.Message, error)
	SoftDelete(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error)
	RestoreDeleted(ctx context.Context, snaps []domain.MessageSnapshot) (int, error)
	RestoreReadState(ctx context.Context, snaps []domain.MessageSnapshot) (int, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

const messageColumns = `
	id, conversation_id, seq, sender_id, sender_name, recipient_ids, content, attachments, status,
	read_by, delivered_to, reactions, edit_history, is_draft, is_starred, is_archived,
	client_message_id, created_at, edited_at, deleted_at`

func (r *messageRepository) Append(ctx context.Context, msg *domain.Message) error {
	attachments, err := json.Marshal(nonNilAttachments(msg.Attachments))
	if err != nil {
		return err
	}

	return withTx(ctx, r.db, func(ctx context.Context, q querier) error {
		// блокировка строки треда сериализует отправку в рамках одного треда.
		// Время сообщения берется под блокировкой и не меньше времени предыдущего,
		// так created_at растет вместе с seq даже при расхождении часов.
		err := q.QueryRow(ctx, `
			WITH prev AS (
				SELECT GREATEST($2::timestamptz, COALESCE(last_message_at, $2::timestamptz)) AS stamped
				FROM conversations WHERE id = $1
				FOR UPDATE
			)
			UPDATE conversations c SET
				message_seq = c.message_seq + 1,
				last_message_id = CASE WHEN $3 THEN c.last_message_id ELSE $4 END,
				last_message_at = CASE WHEN $3 THEN c.last_message_at ELSE prev.stamped END,
				updated_at = prev.stamped
			FROM prev
			WHERE c.id = $1
			RETURNING c.message_seq, prev.stamped
		`, msg.ConversationID, msg.CreatedAt, msg.IsDraft, msg.ID).Scan(&msg.Seq, &msg.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrConversationGone
			}
			r.log.Error("Failed to advance conversation sequence", "conversation_id", msg.ConversationID, "error", err)
			return err
		}

		if !msg.IsDraft && len(msg.RecipientIDs) > 0 {
			if _, err := q.Exec(ctx, `
				UPDATE conversation_participants SET unread_count = unread_count + 1
				WHERE conversation_id = $1 AND user_id = ANY($2::text[])
			`, msg.ConversationID, msg.RecipientIDs); err != nil {
				r.log.Error("Failed to increment unread counters", "conversation_id", msg.ConversationID, "error", err)
				return err
			}
		}

		_, err = q.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, seq, sender_id, sender_name, recipient_ids, content,
				attachments, status, is_draft, client_message_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.SenderName, nonNilStrings(msg.RecipientIDs),
			msg.Content, attachments, msg.Status, msg.IsDraft, msg.ClientMessageID, msg.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_messages_client_message_id" {
				return ErrDuplicateClientMessage
			}
			r.log.Error("Failed to insert message", "conversation_id", msg.ConversationID, "error", err)
			return err
		}
		return nil
	})
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	msg, err := scanMessage(conn(ctx, r.db).QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrMessageNotFound
		}
		r.log.Error("Failed to get message", "message_id", id, "error", err)
		return nil, err
	}
	return msg, nil
}

func (r *messageRepository) FindByClientID(ctx context.Context, conversationID uuid.UUID, senderID, clientID string) (*domain.Message, error) {
	msg, err := scanMessage(conn(ctx, r.db).QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND client_message_id = $3
	`, conversationID, senderID, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrMessageNotFound
		}
		r.log.Error("Failed to find message by client id", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	return msg, nil
}

func (r *messageRepository) List(ctx context.Context, conversationID uuid.UUID, viewerID string, cursor domain.MessageCursor) ([]*domain.Message, bool, error) {
	// без after_seq берем последнюю страницу (по убыванию) и разворачиваем
	ascending := cursor.AfterSeq > 0
	order := "DESC"
	if ascending {
		order = "ASC"
	}

	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1
		  AND deleted_at IS NULL
		  AND (is_draft = FALSE OR sender_id = $2)
		  AND ($3::bigint = 0 OR seq < $3)
		  AND ($4::bigint = 0 OR seq > $4)
		ORDER BY seq ` + order + `
		LIMIT $5
	`
	rows, err := conn(ctx, r.db).Query(ctx, query, conversationID, viewerID, cursor.BeforeSeq, cursor.AfterSeq, cursor.Limit+1)
	if err != nil {
		r.log.Error("Failed to list messages", "conversation_id", conversationID, "error", err)
		return nil, false, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, false, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(messages) > cursor.Limit
	if hasMore {
		messages = messages[:cursor.Limit]
	}
	if !ascending {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, hasMore, nil
}

func (r *messageRepository) UpdateContent(ctx context.Context, id uuid.UUID, content string, edit domain.EditRecord) (*domain.Message, error) {
	entry, err := json.Marshal([]domain.EditRecord{edit})
	if err != nil {
		return nil, err
	}

	msg, err := scanMessage(conn(ctx, r.db).QueryRow(ctx, `
		UPDATE messages SET
			edit_history = edit_history || $3::jsonb,
			content = $2,
			edited_at = $4
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+messageColumns, id, content, entry, edit.EditedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrMessageNotFound
		}
		r.log.Error("Failed to update message", "message_id", id, "error", err)
		return nil, err
	}
	return msg, nil
}

func (r *messageRepository) ToggleReaction(ctx context.Context, id uuid.UUID, emoji string, reactor domain.Reactor) (*domain.Message, error) {
	var msg *domain.Message
	err := withTx(ctx, r.db, func(ctx context.Context, q querier) error {
		var err error
		msg, err = scanMessage(q.QueryRow(ctx, `
			SELECT `+messageColumns+` FROM messages WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
		`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrMessageNotFound
			}
			return err
		}

		msg.ToggleReaction(emoji, reactor)
		reactions, err := json.Marshal(msg.Reactions)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `UPDATE messages SET reactions = $2 WHERE id = $1`, id, reactions)
		return err
	})
	if err != nil {
		if !apperrors.IsCode(err, apperrors.CodeNotFound) {
			r.log.Error("Failed to toggle reaction", "message_id", id, "error", err)
		}
		return nil, err
	}
	return msg, nil
}

func (r *messageRepository) SetFlags(ctx context.Context, id uuid.UUID, starred, archived *bool) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE messages SET
			is_starred = COALESCE($2, is_starred),
			is_archived = COALESCE($3, is_archived)
		WHERE id = $1 AND deleted_at IS NULL
	`, id, starred, archived)
	if err != nil {
		r.log.Error("Failed to update message flags", "message_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrMessageNotFound
	}
	return nil
}

func (r *messageRepository) MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string) ([]domain.MessageSnapshot, error) {
	// RETURNING из CTE отдает состояние до обновления - это и есть снимок для отката
	rows, err := conn(ctx, r.db).Query(ctx, `
		WITH target AS (
			SELECT id, status, read_by FROM messages
			WHERE conversation_id = $1
			  AND sender_id <> $2
			  AND deleted_at IS NULL
			  AND is_draft = FALSE
			  AND NOT ($2 = ANY(read_by))
			FOR UPDATE
		)
		UPDATE messages m SET
			read_by = array_append(m.read_by, $2),
			status = 'read'
		FROM target t
		WHERE m.id = t.id
		RETURNING t.id, t.status, t.read_by
	`, conversationID, readerID)
	if err != nil {
		r.log.Error("Failed to mark messages read", "conversation_id", conversationID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var snaps []domain.MessageSnapshot
	for rows.Next() {
		var s domain.MessageSnapshot
		if err := rows.Scan(&s.ID, &s.Status, &s.ReadBy); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func (r *messageRepository) MarkDelivered(ctx context.Context, conversationID uuid.UUID, userID string, upToSeq int64) (int, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE messages SET
			delivered_to = array_append(delivered_to, $2),
			status = CASE WHEN status = 'sent' THEN 'delivered' ELSE status END
		WHERE conversation_id = $1
		  AND seq <= $3
		  AND sender_id <> $2
		  AND deleted_at IS NULL
		  AND is_draft = FALSE
		  AND NOT ($2 = ANY(delivered_to))
	`, conversationID, userID, upToSeq)
	if err != nil {
		r.log.Error("Failed to mark messages delivered", "conversation_id", conversationID, "error", err)
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *messageRepository) LockForUpdate(ctx context.Context, ids []uuid.UUID) ([]*domain.Message, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE
	`, uuidStrings(ids))
	if err != nil {
		r.log.Error("Failed to lock messages", "error", err)
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *messageRepository) SoftDelete(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE messages SET deleted_at = $2 WHERE id = ANY($1::uuid[]) AND deleted_at IS NULL
	`, uuidStrings(ids), at)
	if err != nil {
		r.log.Error("Failed to delete messages", "error", err)
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *messageRepository) RestoreDeleted(ctx context.Context, snaps []domain.MessageSnapshot) (int, error) {
	q := conn(ctx, r.db)
	restored := 0
	for _, s := range snaps {
		tag, err := q.Exec(ctx, `UPDATE messages SET deleted_at = $2 WHERE id = $1`, s.ID, s.DeletedAt)
		if err != nil {
			r.log.Error("Failed to restore deleted message", "message_id", s.ID, "error", err)
			return restored, err
		}
		restored += int(tag.RowsAffected())
	}
	return restored, nil
}

func (r *messageRepository) RestoreReadState(ctx context.Context, snaps []domain.MessageSnapshot) (int, error) {
	q := conn(ctx, r.db)
	restored := 0
	for _, s := range snaps {
		tag, err := q.Exec(ctx, `UPDATE messages SET status = $2, read_by = $3 WHERE id = $1`,
			s.ID, s.Status, nonNilStrings(s.ReadBy))
		if err != nil {
			r.log.Error("Failed to restore read state", "message_id", s.ID, "error", err)
			return restored, err
		}
		restored += int(tag.RowsAffected())
	}
	return restored, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	msg := &domain.Message{}
	var attachments, reactions, history []byte
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Seq, &msg.SenderID, &msg.SenderName, &msg.RecipientIDs,
		&msg.Content, &attachments, &msg.Status, &msg.ReadBy, &msg.DeliveredTo, &reactions, &history,
		&msg.IsDraft, &msg.IsStarred, &msg.IsArchived, &msg.ClientMessageID, &msg.CreatedAt,
		&msg.EditedAt, &msg.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &msg.EditHistory); err != nil {
		return nil, err
	}
	return msg, nil
}

func nonNilAttachments(a []domain.AttachmentRef) []domain.AttachmentRef {
	if a == nil {
		return []domain.AttachmentRef{}
	}
	return a
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
