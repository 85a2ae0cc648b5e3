package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"event_messenger/internal/domain"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

// AttachmentBackend - одно физическое хранилище вложений
type AttachmentBackend interface {
	Name() string
	Put(ctx context.Context, att *domain.StoredAttachment) error
	Get(ctx context.Context, id uuid.UUID) (*domain.StoredAttachment, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

var errAttachmentMissing = apperrors.NotFound("attachment not found")

// IsAttachmentMissing - бэкенд ответил, что такого блоба у него нет (в отличие от сбоя)
func IsAttachmentMissing(err error) bool {
	return errors.Is(err, errAttachmentMissing)
}

type pgAttachmentBackend struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewPostgresAttachmentBackend(db *pgxpool.Pool, log logger.Logger) AttachmentBackend {
	return &pgAttachmentBackend{db: db, log: log}
}

func (b *pgAttachmentBackend) Name() string { return "postgres" }

func (b *pgAttachmentBackend) Put(ctx context.Context, att *domain.StoredAttachment) error {
	_, err := b.db.Exec(ctx, `
		INSERT INTO attachment_blobs (id, filename, mime_type, size, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, att.ID, att.Filename, att.MimeType, att.Size, att.Data, att.CreatedAt)
	if err != nil {
		b.log.Error("Failed to store attachment blob", "attachment_id", att.ID, "error", err)
	}
	return err
}

func (b *pgAttachmentBackend) Get(ctx context.Context, id uuid.UUID) (*domain.StoredAttachment, error) {
	att := &domain.StoredAttachment{}
	err := b.db.QueryRow(ctx, `
		SELECT id, filename, mime_type, size, data, created_at FROM attachment_blobs WHERE id = $1
	`, id).Scan(&att.ID, &att.Filename, &att.MimeType, &att.Size, &att.Data, &att.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errAttachmentMissing
		}
		b.log.Error("Failed to read attachment blob", "attachment_id", id, "error", err)
		return nil, err
	}
	return att, nil
}

func (b *pgAttachmentBackend) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := b.db.Exec(ctx, `DELETE FROM attachment_blobs WHERE id = $1`, id)
	if err != nil {
		b.log.Error("Failed to delete attachment blob", "attachment_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return errAttachmentMissing
	}
	return nil
}
