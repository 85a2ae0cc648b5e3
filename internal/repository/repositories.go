package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"event_messenger/pkg/logger"
)

type Repositories struct {
	Tx           Transactor
	Conversation ConversationRepository
	Message      MessageRepository
	Undo         UndoRepository
	Queue        QueueRepository
	Directory    DirectoryRepository
	Presence     PresenceRepository
	RateLimit    RateLimitRepository
	Audit        AuditRepository

	// PrimaryAttachments - блобы в Postgres; резервное хранилище на диске создается отдельно
	PrimaryAttachments AttachmentBackend
}

func NewRepositories(db *pgxpool.Pool, redis *redis.Client, log logger.Logger) *Repositories {
	repos := &Repositories{
		Tx:                 NewTransactor(db, log),
		Conversation:       NewConversationRepository(db, log),
		Message:            NewMessageRepository(db, log),
		Undo:               NewUndoRepository(db, log),
		Queue:              NewQueueRepository(db, log),
		Directory:          NewDirectoryRepository(db, log),
		Presence:           NewPresenceRepository(redis, log),
		RateLimit:          NewRateLimitRepository(redis, log),
		Audit:              NewAuditRepository(db, log),
		PrimaryAttachments: NewPostgresAttachmentBackend(db, log),
	}

	log.Info("Repositories initialized")

	return repos
}
