package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"event_messenger/internal/domain"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

type QueueRepository interface {
	Create(ctx context.Context, entry *domain.QueuedMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.QueuedMessage, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.QueuedMessage, error)
	Update(ctx context.Context, entry *domain.QueuedMessage) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ClaimDue переводит готовые к отправке записи в processing и возвращает их.
	// Записи, застрявшие в processing дольше staleBefore, забираются повторно.
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*domain.QueuedMessage, error)
}

type queueRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewQueueRepository(db *pgxpool.Pool, log logger.Logger) QueueRepository {
	return &queueRepository{db: db, log: log}
}

const queueColumns = `id, user_id, thread_ref, payload, metadata, status, retry_count, next_retry_at,
	last_error, created_at, updated_at`

func (r *queueRepository) Create(ctx context.Context, entry *domain.QueuedMessage) error {
	_, err := conn(ctx, r.db).Exec(ctx, `
		INSERT INTO queued_messages (`+queueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.UserID, entry.ThreadRef, []byte(entry.Payload), nullableJSON(entry.Metadata),
		entry.Status, entry.RetryCount, entry.NextRetryAt, entry.LastError, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		r.log.Error("Failed to enqueue message", "user_id", entry.UserID, "error", err)
	}
	return err
}

func (r *queueRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.QueuedMessage, error) {
	entry, err := scanQueued(conn(ctx, r.db).QueryRow(ctx, `SELECT `+queueColumns+` FROM queued_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("queued message %s not found", id)
		}
		r.log.Error("Failed to get queued message", "id", id, "error", err)
		return nil, err
	}
	return entry, nil
}

func (r *queueRepository) ListByUser(ctx context.Context, userID string) ([]*domain.QueuedMessage, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `
		SELECT `+queueColumns+` FROM queued_messages
		WHERE user_id = $1 AND status <> 'sent'
		ORDER BY created_at
	`, userID)
	if err != nil {
		r.log.Error("Failed to list queued messages", "user_id", userID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var list []*domain.QueuedMessage
	for rows.Next() {
		entry, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, entry)
	}
	return list, rows.Err()
}

func (r *queueRepository) Update(ctx context.Context, entry *domain.QueuedMessage) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE queued_messages SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1
	`, entry.ID, entry.Status, entry.RetryCount, entry.NextRetryAt, entry.LastError, entry.UpdatedAt)
	if err != nil {
		r.log.Error("Failed to update queued message", "id", entry.ID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("queued message %s not found", entry.ID)
	}
	return nil
}

func (r *queueRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM queued_messages WHERE id = $1`, id)
	if err != nil {
		r.log.Error("Failed to delete queued message", "id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("queued message %s not found", id)
	}
	return nil
}

func (r *queueRepository) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*domain.QueuedMessage, error) {
	rows, err := conn(ctx, r.db).Query(ctx, `
		UPDATE queued_messages SET status = 'processing', updated_at = $1
		WHERE id IN (
			SELECT id FROM queued_messages
			WHERE (status = 'pending' AND next_retry_at <= $1)
			   OR (status = 'processing' AND updated_at < $2)
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns, now, staleBefore, limit)
	if err != nil {
		r.log.Error("Failed to claim queued messages", "error", err)
		return nil, err
	}
	defer rows.Close()

	var list []*domain.QueuedMessage
	for rows.Next() {
		entry, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, entry)
	}
	return list, rows.Err()
}

func scanQueued(row pgx.Row) (*domain.QueuedMessage, error) {
	entry := &domain.QueuedMessage{}
	var payload, metadata []byte
	err := row.Scan(&entry.ID, &entry.UserID, &entry.ThreadRef, &payload, &metadata, &entry.Status,
		&entry.RetryCount, &entry.NextRetryAt, &entry.LastError, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	entry.Payload = payload
	if len(metadata) > 0 {
		entry.Metadata = metadata
	}
	return entry, nil
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
