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

type UndoRepository interface {
	Create(ctx context.Context, rec *domain.UndoRecord) error
	Get(ctx context.Context, operationID uuid.UUID) (*domain.UndoRecord, error)
	// GetForUpdate блокирует запись до конца транзакции, чтобы откат применился ровно один раз
	GetForUpdate(ctx context.Context, operationID uuid.UUID) (*domain.UndoRecord, error)
	MarkConsumed(ctx context.Context, operationID uuid.UUID, at time.Time) error
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

type undoRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewUndoRepository(db *pgxpool.Pool, log logger.Logger) UndoRepository {
	return &undoRepository{db: db, log: log}
}

const undoColumns = `operation_id, token_hash, actor_id, operation_type, affected_ids, previous_state,
	status, created_at, expires_at, consumed_at`

func (r *undoRepository) Create(ctx context.Context, rec *domain.UndoRecord) error {
	_, err := conn(ctx, r.db).Exec(ctx, `
		INSERT INTO undo_log (`+undoColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.OperationID, rec.TokenHash, rec.ActorID, rec.OperationType, nonNilStrings(rec.AffectedIDs),
		[]byte(rec.PreviousState), rec.Status, rec.CreatedAt, rec.ExpiresAt, rec.ConsumedAt)
	if err != nil {
		r.log.Error("Failed to create undo record", "operation_id", rec.OperationID, "error", err)
	}
	return err
}

func (r *undoRepository) Get(ctx context.Context, operationID uuid.UUID) (*domain.UndoRecord, error) {
	return r.get(ctx, `SELECT `+undoColumns+` FROM undo_log WHERE operation_id = $1`, operationID)
}

func (r *undoRepository) GetForUpdate(ctx context.Context, operationID uuid.UUID) (*domain.UndoRecord, error) {
	return r.get(ctx, `SELECT `+undoColumns+` FROM undo_log WHERE operation_id = $1 FOR UPDATE`, operationID)
}

func (r *undoRepository) get(ctx context.Context, query string, operationID uuid.UUID) (*domain.UndoRecord, error) {
	rec := &domain.UndoRecord{}
	var state []byte
	err := conn(ctx, r.db).QueryRow(ctx, query, operationID).Scan(
		&rec.OperationID, &rec.TokenHash, &rec.ActorID, &rec.OperationType, &rec.AffectedIDs, &state,
		&rec.Status, &rec.CreatedAt, &rec.ExpiresAt, &rec.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("operation %s not found", operationID)
		}
		r.log.Error("Failed to get undo record", "operation_id", operationID, "error", err)
		return nil, err
	}
	rec.PreviousState = state
	return rec, nil
}

func (r *undoRepository) MarkConsumed(ctx context.Context, operationID uuid.UUID, at time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE undo_log SET status = 'consumed', consumed_at = $2
		WHERE operation_id = $1 AND status = 'created'
	`, operationID, at)
	if err != nil {
		r.log.Error("Failed to consume undo record", "operation_id", operationID, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrUndoConsumed
	}
	return nil
}

func (r *undoRepository) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `
		UPDATE undo_log SET status = 'expired' WHERE status = 'created' AND expires_at <= $1
	`, now)
	if err != nil {
		r.log.Error("Failed to expire undo records", "error", err)
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
