package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

const undoTokenBytes = 32

// BulkService - массовые удаление и отметка прочитанным с возможностью одного отката
type BulkService interface {
	BulkDelete(ctx context.Context, caller domain.Caller, messageIDs []string) (*domain.BulkResult, error)
	BulkMarkRead(ctx context.Context, caller domain.Caller, threadIDs []string) (*domain.BulkResult, error)
	Undo(ctx context.Context, caller domain.Caller, operationID uuid.UUID, token string) (int, error)
	GetOperation(ctx context.Context, caller domain.Caller, operationID uuid.UUID) (*domain.UndoRecord, error)
	ExpireStale(ctx context.Context) error
}

type bulkService struct {
	tx       repository.Transactor
	convRepo repository.ConversationRepository
	msgRepo  repository.MessageRepository
	undoRepo repository.UndoRepository
	threads  *threadResolver
	audit    AuditService
	delivery DeliveryService
	cfg      config.MessagingConfig
	clock    Clock
	log      logger.Logger
}

func NewBulkService(
	tx repository.Transactor,
	convRepo repository.ConversationRepository,
	msgRepo repository.MessageRepository,
	undoRepo repository.UndoRepository,
	membership MembershipPolicy,
	audit AuditService,
	delivery DeliveryService,
	cfg config.MessagingConfig,
	clock Clock,
	log logger.Logger,
) BulkService {
	return &bulkService{
		tx:       tx,
		convRepo: convRepo,
		msgRepo:  msgRepo,
		undoRepo: undoRepo,
		threads:  newThreadResolver(convRepo, membership, log),
		audit:    audit,
		delivery: delivery,
		cfg:      cfg,
		clock:    clock,
		log:      log,
	}
}

func (s *bulkService) checkBatch(n int) error {
	if n == 0 {
		return apperrors.InvalidArgument("at least one item is required")
	}
	if n > s.cfg.BulkMaxItems {
		return apperrors.InvalidArgument("at most %d items per bulk operation, got %d", s.cfg.BulkMaxItems, n).
			WithMeta("max_items", s.cfg.BulkMaxItems)
	}
	return nil
}

// withTimeout выполняет операцию с ограничением по времени. При таймауте вызывающий
// получает operation_id, по которому можно проверить итог через GetOperation.
func (s *bulkService) withTimeout(ctx context.Context, opType string, operationID uuid.UUID, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BulkTimeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil:
		metrics.BulkOperations.WithLabelValues(opType, "ok").Inc()
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.BulkOperations.WithLabelValues(opType, "timeout").Inc()
		s.log.Error("Bulk operation timed out", "operation_id", operationID, "type", opType, "timeout", s.cfg.BulkTimeout)
		return apperrors.Wrap(apperrors.CodeTimeout, "bulk operation timed out", err).
			WithMeta("operation_id", operationID.String())
	default:
		metrics.BulkOperations.WithLabelValues(opType, "error").Inc()
		return err
	}
}

func (s *bulkService) BulkDelete(ctx context.Context, caller domain.Caller, messageIDs []string) (*domain.BulkResult, error) {
	if err := s.checkBatch(len(messageIDs)); err != nil {
		return nil, err
	}
	ids, err := parseUniqueIDs(messageIDs)
	if err != nil {
		return nil, err
	}

	operationID := uuid.New()
	now := s.clock.Now()
	var result *domain.BulkResult
	var snaps []domain.MessageSnapshot

	err = s.withTimeout(ctx, domain.OperationBulkDelete, operationID, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			messages, err := s.msgRepo.LockForUpdate(ctx, ids)
			if err != nil {
				return err
			}
			if missing := missingIDs(ids, messages); len(missing) > 0 {
				return apperrors.NotFound("%d message(s) not found", len(missing)).WithMeta("missing_ids", missing)
			}

			targets := make([]uuid.UUID, 0, len(messages))
			for _, m := range messages {
				if m.SenderID != caller.UserID {
					return apperrors.AccessDenied("message %s belongs to another user", m.ID)
				}
				if m.IsDeleted() {
					continue
				}
				snaps = append(snaps, domain.SnapshotOf(m))
				targets = append(targets, m.ID)
			}

			if len(targets) > 0 {
				n, err := s.msgRepo.SoftDelete(ctx, targets, now)
				if err != nil {
					return err
				}
				if n != len(targets) {
					return apperrors.Internal("bulk delete touched an unexpected number of messages", fmt.Errorf("want %d, got %d", len(targets), n))
				}
			}

			result, err = s.record(ctx, caller, operationID, domain.OperationBulkDelete, uuidsToStrings(targets),
				domain.BulkDeleteState{Messages: snaps}, now)
			if err != nil {
				return err
			}
			return s.audit.LogEvent(ctx, caller.UserID, domain.ActorRoleUser, nil, domain.EventTypeBulkDelete, map[string]interface{}{
				"operation_id": operationID.String(),
				"count":        len(targets),
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.emitDeleted(ctx, caller, snaps)
	s.log.Info("Bulk delete applied", "operation_id", operationID, "user_id", caller.UserID, "count", result.Affected)
	return result, nil
}

func (s *bulkService) BulkMarkRead(ctx context.Context, caller domain.Caller, threadIDs []string) (*domain.BulkResult, error) {
	if err := s.checkBatch(len(threadIDs)); err != nil {
		return nil, err
	}
	refs := make([]domain.ThreadRef, 0, len(threadIDs))
	for _, raw := range threadIDs {
		ref, err := domain.ParseThreadRef(raw)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	operationID := uuid.New()
	now := s.clock.Now()
	var result *domain.BulkResult
	var threads []domain.ReadStateSnapshot
	var convs []*domain.Conversation

	err := s.withTimeout(ctx, domain.OperationBulkMarkRead, operationID, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			seen := make(map[uuid.UUID]struct{}, len(refs))
			for _, ref := range refs {
				conv, err := s.threads.resolve(ctx, ref, caller.UserID)
				if err != nil {
					return err
				}
				if _, dup := seen[conv.ID]; dup {
					continue
				}
				seen[conv.ID] = struct{}{}

				prev, err := s.convRepo.ResetUnread(ctx, conv.ID, caller.UserID, now)
				if err != nil {
					return err
				}
				marked, err := s.msgRepo.MarkRead(ctx, conv.ID, caller.UserID)
				if err != nil {
					return err
				}
				threads = append(threads, domain.ReadStateSnapshot{
					ConversationID: conv.ID,
					UnreadCount:    prev.UnreadCount,
					LastReadAt:     prev.LastReadAt,
					Messages:       marked,
				})
				convs = append(convs, conv)
			}

			affected := make([]string, len(threads))
			for i, t := range threads {
				affected[i] = t.ConversationID.String()
			}
			var err error
			result, err = s.record(ctx, caller, operationID, domain.OperationBulkMarkRead, affected,
				domain.BulkMarkReadState{Threads: threads}, now)
			if err != nil {
				return err
			}
			return s.audit.LogEvent(ctx, caller.UserID, domain.ActorRoleUser, nil, domain.EventTypeBulkMarkRead, map[string]interface{}{
				"operation_id": operationID.String(),
				"threads":      len(threads),
			})
		})
	})
	if err != nil {
		return nil, err
	}

	for i, conv := range convs {
		if len(threads[i].Messages) == 0 {
			continue
		}
		if members, err := s.threads.membership.Members(ctx, conv); err == nil {
			s.delivery.ReadReceipt(domain.ReadReceipt{
				ConversationID: conv.ID,
				UserID:         caller.UserID,
				Count:          len(threads[i].Messages),
				ReadAt:         now,
			}, members)
		}
	}
	return result, nil
}

// record пишет запись журнала отката в текущей транзакции и возвращает токен
func (s *bulkService) record(ctx context.Context, caller domain.Caller, operationID uuid.UUID, opType string, affected []string, state interface{}, now time.Time) (*domain.BulkResult, error) {
	prev, err := json.Marshal(state)
	if err != nil {
		return nil, apperrors.Internal("failed to encode undo snapshot", err)
	}
	token, hash, err := newUndoToken()
	if err != nil {
		return nil, apperrors.Internal("failed to generate undo token", err)
	}

	rec := &domain.UndoRecord{
		OperationID:   operationID,
		TokenHash:     hash,
		ActorID:       caller.UserID,
		OperationType: opType,
		AffectedIDs:   affected,
		PreviousState: prev,
		Status:        domain.UndoStatusCreated,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.UndoWindow),
	}
	if err := s.undoRepo.Create(ctx, rec); err != nil {
		return nil, err
	}

	return &domain.BulkResult{
		OperationID: operationID,
		UndoToken:   token,
		Affected:    len(affected),
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

func (s *bulkService) Undo(ctx context.Context, caller domain.Caller, operationID uuid.UUID, token string) (int, error) {
	if token == "" {
		return 0, apperrors.InvalidArgument("undo token is required")
	}

	now := s.clock.Now()
	restored := 0
	var rec *domain.UndoRecord
	var touched []uuid.UUID

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.undoRepo.GetForUpdate(ctx, operationID)
		if err != nil {
			return err
		}
		if rec.ActorID != caller.UserID {
			return apperrors.AccessDenied("operation belongs to another user")
		}
		if !tokenMatches(token, rec.TokenHash) {
			return apperrors.ErrInvalidUndoToken
		}
		switch rec.EffectiveStatus(now) {
		case domain.UndoStatusConsumed:
			return apperrors.ErrUndoConsumed
		case domain.UndoStatusExpired:
			return apperrors.ErrUndoExpired.WithMeta("expired_at", rec.ExpiresAt)
		}

		switch rec.OperationType {
		case domain.OperationBulkDelete:
			restored, touched, err = s.restoreDeleted(ctx, rec)
		case domain.OperationBulkMarkRead:
			restored, touched, err = s.restoreReadState(ctx, rec, caller.UserID)
		default:
			err = apperrors.Internal("unknown operation type", fmt.Errorf("%q", rec.OperationType))
		}
		if err != nil {
			return err
		}

		if err := s.undoRepo.MarkConsumed(ctx, operationID, now); err != nil {
			return err
		}
		return s.audit.LogEvent(ctx, caller.UserID, domain.ActorRoleUser, nil, domain.EventTypeUndoApplied, map[string]interface{}{
			"operation_id":   operationID.String(),
			"operation_type": rec.OperationType,
			"restored":       restored,
		})
	})
	if err != nil {
		metrics.UndoAttempts.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		return 0, err
	}
	metrics.UndoAttempts.WithLabelValues("ok").Inc()

	for _, convID := range touched {
		conv, err := s.threads.resolve(ctx, domain.CanonicalRef(convID), caller.UserID)
		if err != nil {
			continue
		}
		if members, err := s.threads.membership.Members(ctx, conv); err == nil {
			s.delivery.ThreadUpdated(convID, members)
		}
	}

	s.log.Info("Undo applied", "operation_id", operationID, "type", rec.OperationType, "restored", restored)
	return restored, nil
}

// restoreDeleted возвращает все удаленные сообщения; если хоть одно не вернулось, транзакция откатывается
func (s *bulkService) restoreDeleted(ctx context.Context, rec *domain.UndoRecord) (int, []uuid.UUID, error) {
	var state domain.BulkDeleteState
	if err := json.Unmarshal(rec.PreviousState, &state); err != nil {
		return 0, nil, apperrors.Internal("corrupted undo snapshot", err)
	}
	n, err := s.msgRepo.RestoreDeleted(ctx, state.Messages)
	if err != nil {
		return 0, nil, err
	}
	if n != len(state.Messages) {
		return 0, nil, apperrors.Internal("partial restore refused", fmt.Errorf("restored %d of %d messages", n, len(state.Messages)))
	}
	return n, conversationsOf(state.Messages), nil
}

func (s *bulkService) restoreReadState(ctx context.Context, rec *domain.UndoRecord, userID string) (int, []uuid.UUID, error) {
	var state domain.BulkMarkReadState
	if err := json.Unmarshal(rec.PreviousState, &state); err != nil {
		return 0, nil, apperrors.Internal("corrupted undo snapshot", err)
	}

	touched := make([]uuid.UUID, 0, len(state.Threads))
	for _, t := range state.Threads {
		if err := s.convRepo.RestoreReadState(ctx, t.ConversationID, userID, t.UnreadCount, t.LastReadAt); err != nil {
			return 0, nil, err
		}
		n, err := s.msgRepo.RestoreReadState(ctx, t.Messages)
		if err != nil {
			return 0, nil, err
		}
		if n != len(t.Messages) {
			return 0, nil, apperrors.Internal("partial restore refused",
				fmt.Errorf("thread %s: restored %d of %d messages", t.ConversationID, n, len(t.Messages)))
		}
		touched = append(touched, t.ConversationID)
	}
	return len(state.Threads), touched, nil
}

func (s *bulkService) GetOperation(ctx context.Context, caller domain.Caller, operationID uuid.UUID) (*domain.UndoRecord, error) {
	rec, err := s.undoRepo.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if rec.ActorID != caller.UserID {
		return nil, apperrors.AccessDenied("operation belongs to another user")
	}
	rec.Status = rec.EffectiveStatus(s.clock.Now())
	return rec, nil
}

func (s *bulkService) ExpireStale(ctx context.Context) error {
	n, err := s.undoRepo.ExpireDue(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Debug("Expired undo records", "count", n)
	}
	return nil
}

func (s *bulkService) emitDeleted(ctx context.Context, caller domain.Caller, snaps []domain.MessageSnapshot) {
	byConv := make(map[uuid.UUID][]uuid.UUID)
	var order []uuid.UUID
	for _, snap := range snaps {
		if _, ok := byConv[snap.ConversationID]; !ok {
			order = append(order, snap.ConversationID)
		}
		byConv[snap.ConversationID] = append(byConv[snap.ConversationID], snap.ID)
	}

	for _, convID := range order {
		conv, err := s.threads.resolve(ctx, domain.CanonicalRef(convID), caller.UserID)
		if err != nil {
			s.log.Warn("Skipping delete event", "conversation_id", convID, "error", err)
			continue
		}
		members, err := s.threads.membership.Members(ctx, conv)
		if err != nil {
			continue
		}
		s.delivery.MessagesDeleted(convID, byConv[convID], members)
	}
}

// newUndoToken возвращает токен для клиента и его SHA-256 для хранения
func newUndoToken() (string, []byte, error) {
	raw := make([]byte, undoTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(token))
	return token, sum[:], nil
}

func tokenMatches(token string, hash []byte) bool {
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], hash) == 1
}

func parseUniqueIDs(raw []string) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{}, len(raw))
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil || len(r) != 36 {
			return nil, apperrors.InvalidArgument("malformed message id %q", r)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func missingIDs(want []uuid.UUID, got []*domain.Message) []string {
	found := make(map[uuid.UUID]struct{}, len(got))
	for _, m := range got {
		found[m.ID] = struct{}{}
	}
	var missing []string
	for _, id := range want {
		if _, ok := found[id]; !ok {
			missing = append(missing, id.String())
		}
	}
	return missing
}

func conversationsOf(snaps []domain.MessageSnapshot) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, s := range snaps {
		if _, ok := seen[s.ConversationID]; ok {
			continue
		}
		seen[s.ConversationID] = struct{}{}
		out = append(out, s.ConversationID)
	}
	return out
}

func uuidsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
