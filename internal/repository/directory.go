package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"event_messenger/internal/domain"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

// DirectoryRepository читает каталог пользователей и поставщиков основной платформы
type DirectoryRepository interface {
	GetContact(ctx context.Context, userID string) (*domain.UserContact, error)
	GetContacts(ctx context.Context, userIDs []string) (map[string]*domain.UserContact, error)
	SupplierOwner(ctx context.Context, supplierID string) (string, error)
}

type directoryRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewDirectoryRepository(db *pgxpool.Pool, log logger.Logger) DirectoryRepository {
	return &directoryRepository{db: db, log: log}
}

func (r *directoryRepository) GetContact(ctx context.Context, userID string) (*domain.UserContact, error) {
	c := &domain.UserContact{}
	err := r.db.QueryRow(ctx, `SELECT id, email, display_name FROM users WHERE id = $1`, userID).
		Scan(&c.UserID, &c.Email, &c.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("user %s not found", userID)
		}
		r.log.Error("Failed to get user contact", "user_id", userID, "error", err)
		return nil, err
	}
	return c, nil
}

func (r *directoryRepository) GetContacts(ctx context.Context, userIDs []string) (map[string]*domain.UserContact, error) {
	out := make(map[string]*domain.UserContact, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx, `SELECT id, email, display_name FROM users WHERE id = ANY($1::text[])`, userIDs)
	if err != nil {
		r.log.Error("Failed to get user contacts", "error", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		c := &domain.UserContact{}
		if err := rows.Scan(&c.UserID, &c.Email, &c.DisplayName); err != nil {
			return nil, err
		}
		out[c.UserID] = c
	}
	return out, rows.Err()
}

func (r *directoryRepository) SupplierOwner(ctx context.Context, supplierID string) (string, error) {
	var owner string
	err := r.db.QueryRow(ctx, `SELECT owner_user_id FROM suppliers WHERE id = $1`, supplierID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.NotFound("supplier %s not found", supplierID)
		}
		r.log.Error("Failed to resolve supplier owner", "supplier_id", supplierID, "error", err)
		return "", err
	}
	return owner, nil
}
