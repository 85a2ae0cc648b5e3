package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

// memStore - общее состояние фейковых репозиториев. fakeTx делает снимок и
// восстанавливает его при ошибке, как это сделала бы транзакция Postgres.
type memStore struct {
	mu        sync.Mutex
	convs     map[uuid.UUID]*domain.Conversation
	legacy    map[string]uuid.UUID
	msgs      map[uuid.UUID]*domain.Message
	undo      map[uuid.UUID]*domain.UndoRecord
	queue     map[uuid.UUID]*domain.QueuedMessage
	audits    []*domain.AuditLog
	contacts  map[string]*domain.UserContact
	suppliers map[string]string

	// failAppend - следующая запись сообщения вернет эту ошибку
	failAppend error
	// beforeAppend вызывается под блокировкой перед записью сообщения
	beforeAppend func(s *memStore, msg *domain.Message)
}

func newMemStore() *memStore {
	return &memStore{
		convs:     make(map[uuid.UUID]*domain.Conversation),
		legacy:    make(map[string]uuid.UUID),
		msgs:      make(map[uuid.UUID]*domain.Message),
		undo:      make(map[uuid.UUID]*domain.UndoRecord),
		queue:     make(map[uuid.UUID]*domain.QueuedMessage),
		contacts:  make(map[string]*domain.UserContact),
		suppliers: make(map[string]string),
	}
}

type memSnapshot struct {
	convs  map[uuid.UUID]*domain.Conversation
	legacy map[string]uuid.UUID
	msgs   map[uuid.UUID]*domain.Message
	undo   map[uuid.UUID]*domain.UndoRecord
	queue  map[uuid.UUID]*domain.QueuedMessage
	audits []*domain.AuditLog
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		convs:  make(map[uuid.UUID]*domain.Conversation, len(s.convs)),
		legacy: make(map[string]uuid.UUID, len(s.legacy)),
		msgs:   make(map[uuid.UUID]*domain.Message, len(s.msgs)),
		undo:   make(map[uuid.UUID]*domain.UndoRecord, len(s.undo)),
		queue:  make(map[uuid.UUID]*domain.QueuedMessage, len(s.queue)),
		audits: append([]*domain.AuditLog(nil), s.audits...),
	}
	for k, v := range s.convs {
		snap.convs[k] = cloneConversation(v)
	}
	for k, v := range s.legacy {
		snap.legacy[k] = v
	}
	for k, v := range s.msgs {
		snap.msgs[k] = cloneMessage(v)
	}
	for k, v := range s.undo {
		cp := *v
		snap.undo[k] = &cp
	}
	for k, v := range s.queue {
		cp := *v
		snap.queue[k] = &cp
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = snap.convs
	s.legacy = snap.legacy
	s.msgs = snap.msgs
	s.undo = snap.undo
	s.queue = snap.queue
	s.audits = snap.audits
}

func cloneConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.State != nil {
		cp.State = make(map[string]*domain.ParticipantState, len(c.State))
		for k, v := range c.State {
			st := *v
			cp.State[k] = &st
		}
	}
	return &cp
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.RecipientIDs = append([]string(nil), m.RecipientIDs...)
	cp.Attachments = append([]domain.AttachmentRef(nil), m.Attachments...)
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	cp.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	cp.EditHistory = append([]domain.EditRecord(nil), m.EditHistory...)
	if m.Reactions != nil {
		cp.Reactions = make(map[string][]domain.Reactor, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = append([]domain.Reactor(nil), v...)
		}
	}
	return &cp
}

type fakeTxKey struct{}

type fakeTx struct {
	store *memStore
}

func (t *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(fakeTxKey{}) != nil {
		return fn(ctx)
	}
	snap := t.store.snapshot()
	if err := fn(context.WithValue(ctx, fakeTxKey{}, true)); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}

// --- conversations ---

type fakeConversationRepo struct{ s *memStore }

func (r *fakeConversationRepo) Create(_ context.Context, conv *domain.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv.State = make(map[string]*domain.ParticipantState, len(conv.Participants))
	for i, p := range conv.Participants {
		conv.State[p] = &domain.ParticipantState{UserID: p, Position: i}
	}
	r.s.convs[conv.ID] = cloneConversation(conv)
	if conv.LegacyID != nil {
		r.s.legacy[*conv.LegacyID] = conv.ID
	}
	return nil
}

func (r *fakeConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok {
		return nil, apperrors.ErrConversationGone
	}
	return cloneConversation(c), nil
}

func (r *fakeConversationRepo) ResolveLegacyID(_ context.Context, legacyID string) (uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.legacy[legacyID]
	if !ok {
		return uuid.Nil, apperrors.ErrConversationGone
	}
	return id, nil
}

func (r *fakeConversationRepo) CountActiveByCreator(_ context.Context, creatorID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.convs {
		if c.CreatedBy == creatorID && c.Status == domain.ConversationStatusActive {
			n++
		}
	}
	return n, nil
}

func (r *fakeConversationRepo) ListForUser(_ context.Context, userID string, filter domain.ConversationFilter) ([]*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Conversation
	for _, c := range r.s.convs {
		st, ok := c.State[userID]
		if !ok && c.IsLegacy() && r.legacyMember(c, userID) {
			st, ok = &domain.ParticipantState{UserID: userID}, true
		}
		if !ok || (st.ArchivedAt != nil) != filter.Archived {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	activity := func(c *domain.Conversation) time.Time {
		if c.LastMessageAt != nil {
			return *c.LastMessageAt
		}
		return c.CreatedAt
	}
	sort.Slice(out, func(i, j int) bool { return activity(out[i]).After(activity(out[j])) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *fakeConversationRepo) legacyMember(c *domain.Conversation, userID string) bool {
	if (c.CustomerID != nil && *c.CustomerID == userID) || (c.RecipientID != nil && *c.RecipientID == userID) {
		return true
	}
	return c.SupplierID != nil && r.s.suppliers[*c.SupplierID] == userID
}

func (r *fakeConversationRepo) EnsureParticipants(_ context.Context, id uuid.UUID, userIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok {
		return apperrors.ErrConversationGone
	}
	if c.State == nil {
		c.State = make(map[string]*domain.ParticipantState)
	}
	for i, u := range userIDs {
		if _, ok := c.State[u]; !ok {
			c.State[u] = &domain.ParticipantState{UserID: u, Position: 1000 + i}
		}
	}
	return nil
}

func (r *fakeConversationRepo) state(id uuid.UUID, userID string) (*domain.ParticipantState, error) {
	c, ok := r.s.convs[id]
	if !ok {
		return nil, apperrors.ErrConversationGone
	}
	st, ok := c.State[userID]
	if !ok {
		return nil, apperrors.ErrNotParticipant
	}
	return st, nil
}

func (r *fakeConversationRepo) SetArchived(_ context.Context, id uuid.UUID, userID string, at *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, err := r.state(id, userID)
	if err != nil {
		return err
	}
	st.ArchivedAt = at
	return nil
}

func (r *fakeConversationRepo) SetPinned(_ context.Context, id uuid.UUID, userID string, at *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, err := r.state(id, userID)
	if err != nil {
		return err
	}
	st.PinnedAt = at
	return nil
}

func (r *fakeConversationRepo) SetMuted(_ context.Context, id uuid.UUID, userID string, until *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, err := r.state(id, userID)
	if err != nil {
		return err
	}
	st.MutedUntil = until
	return nil
}

func (r *fakeConversationRepo) ResetUnread(_ context.Context, id uuid.UUID, userID string, readAt time.Time) (*domain.ParticipantState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, err := r.state(id, userID)
	if err != nil {
		return nil, err
	}
	prev := *st
	st.UnreadCount = 0
	st.LastReadAt = &readAt
	return &prev, nil
}

func (r *fakeConversationRepo) RestoreReadState(_ context.Context, id uuid.UUID, userID string, unread int, lastReadAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, err := r.state(id, userID)
	if err != nil {
		return err
	}
	st.UnreadCount += unread
	st.LastReadAt = lastReadAt
	return nil
}

// --- messages ---

type fakeMessageRepo struct{ s *memStore }

func (r *fakeMessageRepo) Append(_ context.Context, msg *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.failAppend; err != nil {
		r.s.failAppend = nil
		return err
	}
	if hook := r.s.beforeAppend; hook != nil {
		r.s.beforeAppend = nil
		hook(r.s, msg)
	}
	c, ok := r.s.convs[msg.ConversationID]
	if !ok {
		return apperrors.ErrConversationGone
	}
	if msg.ClientMessageID != nil {
		for _, m := range r.s.msgs {
			if m.ConversationID == msg.ConversationID && m.SenderID == msg.SenderID &&
				m.ClientMessageID != nil && *m.ClientMessageID == *msg.ClientMessageID {
				return repository.ErrDuplicateClientMessage
			}
		}
	}

	c.MessageSeq++
	msg.Seq = c.MessageSeq
	if c.LastMessageAt != nil && c.LastMessageAt.After(msg.CreatedAt) {
		msg.CreatedAt = *c.LastMessageAt
	}
	if !msg.IsDraft {
		id := msg.ID
		at := msg.CreatedAt
		c.LastMessageID = &id
		c.LastMessageAt = &at
		for _, rcp := range msg.RecipientIDs {
			if st, ok := c.State[rcp]; ok {
				st.UnreadCount++
			}
		}
	}
	r.s.msgs[msg.ID] = cloneMessage(msg)
	return nil
}

func (r *fakeMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	return cloneMessage(m), nil
}

func (r *fakeMessageRepo) FindByClientID(_ context.Context, conversationID uuid.UUID, senderID, clientID string) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.msgs {
		if m.ConversationID == conversationID && m.SenderID == senderID &&
			m.ClientMessageID != nil && *m.ClientMessageID == clientID {
			return cloneMessage(m), nil
		}
	}
	return nil, apperrors.ErrMessageNotFound
}

func (r *fakeMessageRepo) List(_ context.Context, conversationID uuid.UUID, viewerID string, cursor domain.MessageCursor) ([]*domain.Message, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*domain.Message
	for _, m := range r.s.msgs {
		if m.ConversationID != conversationID || m.IsDeleted() || (m.IsDraft && m.SenderID != viewerID) {
			continue
		}
		if cursor.BeforeSeq > 0 && m.Seq >= cursor.BeforeSeq {
			continue
		}
		if cursor.AfterSeq > 0 && m.Seq <= cursor.AfterSeq {
			continue
		}
		all = append(all, cloneMessage(m))
	}
	ascending := cursor.AfterSeq > 0
	sort.Slice(all, func(i, j int) bool {
		if ascending {
			return all[i].Seq < all[j].Seq
		}
		return all[i].Seq > all[j].Seq
	})
	hasMore := len(all) > cursor.Limit
	if hasMore {
		all = all[:cursor.Limit]
	}
	if !ascending {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}
	return all, hasMore, nil
}

func (r *fakeMessageRepo) UpdateContent(_ context.Context, id uuid.UUID, content string, edit domain.EditRecord) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok || m.IsDeleted() {
		return nil, apperrors.ErrMessageNotFound
	}
	m.EditHistory = append(m.EditHistory, edit)
	m.Content = content
	at := edit.EditedAt
	m.EditedAt = &at
	return cloneMessage(m), nil
}

func (r *fakeMessageRepo) ToggleReaction(_ context.Context, id uuid.UUID, emoji string, reactor domain.Reactor) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok || m.IsDeleted() {
		return nil, apperrors.ErrMessageNotFound
	}
	m.ToggleReaction(emoji, reactor)
	return cloneMessage(m), nil
}

func (r *fakeMessageRepo) SetFlags(_ context.Context, id uuid.UUID, starred, archived *bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok || m.IsDeleted() {
		return apperrors.ErrMessageNotFound
	}
	if starred != nil {
		m.IsStarred = *starred
	}
	if archived != nil {
		m.IsArchived = *archived
	}
	return nil
}

func (r *fakeMessageRepo) MarkRead(_ context.Context, conversationID uuid.UUID, readerID string) ([]domain.MessageSnapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var snaps []domain.MessageSnapshot
	for _, m := range r.s.msgs {
		if m.ConversationID != conversationID || m.SenderID == readerID || m.IsDeleted() || m.IsDraft || m.HasReader(readerID) {
			continue
		}
		snaps = append(snaps, domain.SnapshotOf(m))
		m.ReadBy = append(m.ReadBy, readerID)
		m.Status = domain.MessageStatusRead
	}
	return snaps, nil
}

func (r *fakeMessageRepo) MarkDelivered(_ context.Context, conversationID uuid.UUID, userID string, upToSeq int64) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, m := range r.s.msgs {
		if m.ConversationID != conversationID || m.Seq > upToSeq || m.SenderID == userID ||
			m.IsDeleted() || m.IsDraft || m.IsDeliveredTo(userID) {
			continue
		}
		m.DeliveredTo = append(m.DeliveredTo, userID)
		m.Status = domain.AdvanceStatus(m.Status, domain.MessageStatusDelivered)
		n++
	}
	return n, nil
}

func (r *fakeMessageRepo) LockForUpdate(_ context.Context, ids []uuid.UUID) ([]*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Message
	for _, id := range ids {
		if m, ok := r.s.msgs[id]; ok {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func (r *fakeMessageRepo) SoftDelete(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if m, ok := r.s.msgs[id]; ok && !m.IsDeleted() {
			t := at
			m.DeletedAt = &t
			n++
		}
	}
	return n, nil
}

func (r *fakeMessageRepo) RestoreDeleted(_ context.Context, snaps []domain.MessageSnapshot) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, s := range snaps {
		if m, ok := r.s.msgs[s.ID]; ok {
			m.DeletedAt = s.DeletedAt
			n++
		}
	}
	return n, nil
}

func (r *fakeMessageRepo) RestoreReadState(_ context.Context, snaps []domain.MessageSnapshot) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, s := range snaps {
		if m, ok := r.s.msgs[s.ID]; ok {
			m.Status = s.Status
			m.ReadBy = append([]string(nil), s.ReadBy...)
			n++
		}
	}
	return n, nil
}

// --- undo log ---

type fakeUndoRepo struct{ s *memStore }

func (r *fakeUndoRepo) Create(_ context.Context, rec *domain.UndoRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.undo[rec.OperationID]; ok {
		return errors.New("duplicate operation id")
	}
	cp := *rec
	r.s.undo[rec.OperationID] = &cp
	return nil
}

func (r *fakeUndoRepo) Get(_ context.Context, operationID uuid.UUID) (*domain.UndoRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.undo[operationID]
	if !ok {
		return nil, apperrors.NotFound("operation %s not found", operationID)
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeUndoRepo) GetForUpdate(ctx context.Context, operationID uuid.UUID) (*domain.UndoRecord, error) {
	return r.Get(ctx, operationID)
}

func (r *fakeUndoRepo) MarkConsumed(_ context.Context, operationID uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.undo[operationID]
	if !ok || rec.Status != domain.UndoStatusCreated {
		return apperrors.ErrUndoConsumed
	}
	rec.Status = domain.UndoStatusConsumed
	rec.ConsumedAt = &at
	return nil
}

func (r *fakeUndoRepo) ExpireDue(_ context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rec := range r.s.undo {
		if rec.Status == domain.UndoStatusCreated && !rec.ExpiresAt.After(now) {
			rec.Status = domain.UndoStatusExpired
			n++
		}
	}
	return n, nil
}

// --- offline queue ---

type fakeQueueRepo struct{ s *memStore }

func (r *fakeQueueRepo) Create(_ context.Context, entry *domain.QueuedMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *entry
	r.s.queue[entry.ID] = &cp
	return nil
}

func (r *fakeQueueRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.QueuedMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.queue[id]
	if !ok {
		return nil, apperrors.NotFound("queued message %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (r *fakeQueueRepo) ListByUser(_ context.Context, userID string) ([]*domain.QueuedMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.QueuedMessage
	for _, e := range r.s.queue {
		if e.UserID == userID && e.Status != domain.QueueStatusSent {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeQueueRepo) Update(_ context.Context, entry *domain.QueuedMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.queue[entry.ID]; !ok {
		return apperrors.NotFound("queued message %s not found", entry.ID)
	}
	cp := *entry
	r.s.queue[entry.ID] = &cp
	return nil
}

func (r *fakeQueueRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.queue[id]; !ok {
		return apperrors.NotFound("queued message %s not found", id)
	}
	delete(r.s.queue, id)
	return nil
}

func (r *fakeQueueRepo) ClaimDue(_ context.Context, now, staleBefore time.Time, limit int) ([]*domain.QueuedMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.QueuedMessage
	for _, e := range r.s.queue {
		due := e.Status == domain.QueueStatusPending && !e.NextRetryAt.After(now)
		stale := e.Status == domain.QueueStatusProcessing && e.UpdatedAt.Before(staleBefore)
		if (due || stale) && len(out) < limit {
			e.Status = domain.QueueStatusProcessing
			e.UpdatedAt = now
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- directory & audit ---

type fakeDirectory struct{ s *memStore }

func (d *fakeDirectory) GetContact(_ context.Context, userID string) (*domain.UserContact, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	c, ok := d.s.contacts[userID]
	if !ok {
		return nil, apperrors.NotFound("user %s not found", userID)
	}
	cp := *c
	return &cp, nil
}

func (d *fakeDirectory) GetContacts(ctx context.Context, userIDs []string) (map[string]*domain.UserContact, error) {
	out := make(map[string]*domain.UserContact)
	for _, id := range userIDs {
		if c, err := d.GetContact(ctx, id); err == nil {
			out[id] = c
		}
	}
	return out, nil
}

func (d *fakeDirectory) SupplierOwner(_ context.Context, supplierID string) (string, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	owner, ok := d.s.suppliers[supplierID]
	if !ok {
		return "", apperrors.NotFound("supplier %s not found", supplierID)
	}
	return owner, nil
}

type fakeAuditRepo struct{ s *memStore }

func (r *fakeAuditRepo) CreateLog(_ context.Context, l *domain.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.audits = append(r.s.audits, l)
	return nil
}

// --- redis-backed repos ---

type fakePresenceRepo struct {
	mu     sync.Mutex
	online map[string]bool
	seen   map[string]time.Time
}

func newFakePresenceRepo() *fakePresenceRepo {
	return &fakePresenceRepo{online: make(map[string]bool), seen: make(map[string]time.Time)}
}

func (r *fakePresenceRepo) SetOnline(_ context.Context, userID string, _ time.Duration, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[userID] = true
	r.seen[userID] = now
	return nil
}

func (r *fakePresenceRepo) SetOffline(_ context.Context, userID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.online, userID)
	r.seen[userID] = now
	return nil
}

func (r *fakePresenceRepo) Get(_ context.Context, userIDs []string) (map[string]domain.Presence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.Presence, len(userIDs))
	for _, id := range userIDs {
		p := domain.Presence{UserID: id, Status: domain.PresenceOffline}
		if r.online[id] {
			p.Status = domain.PresenceOnline
		}
		if t, ok := r.seen[id]; ok {
			t := t
			p.LastSeen = &t
		}
		out[id] = p
	}
	return out, nil
}

type fakeRateLimitRepo struct {
	mu       sync.Mutex
	counters map[string]int64
	claims   map[string]bool
	fail     error
}

func newFakeRateLimitRepo() *fakeRateLimitRepo {
	return &fakeRateLimitRepo{counters: make(map[string]int64), claims: make(map[string]bool)}
}

func (r *fakeRateLimitRepo) CheckLimit(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key] < int64(limit), r.fail
}

func (r *fakeRateLimitRepo) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return 0, r.fail
	}
	r.counters[key]++
	return r.counters[key], nil
}

func (r *fakeRateLimitRepo) Decrement(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]--
	return nil
}

func (r *fakeRateLimitRepo) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claims[key] {
		return false, nil
	}
	r.claims[key] = true
	return true, nil
}

func (r *fakeRateLimitRepo) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claims, key)
	return nil
}

func (r *fakeRateLimitRepo) total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, v := range r.counters {
		n += v
	}
	return n
}

// --- attachments ---

type fakeBackend struct {
	mu    sync.Mutex
	name  string
	blobs map[uuid.UUID]*domain.StoredAttachment
	fail  error
	puts  int
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, blobs: make(map[uuid.UUID]*domain.StoredAttachment)}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Put(_ context.Context, att *domain.StoredAttachment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.fail != nil {
		return b.fail
	}
	cp := *att
	b.blobs[att.ID] = &cp
	return nil
}

func (b *fakeBackend) Get(_ context.Context, id uuid.UUID) (*domain.StoredAttachment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	att, ok := b.blobs[id]
	if !ok {
		return nil, missingAttachment(b)
	}
	cp := *att
	return &cp, nil
}

func (b *fakeBackend) Delete(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	if _, ok := b.blobs[id]; !ok {
		return missingAttachment(b)
	}
	delete(b.blobs, id)
	return nil
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}

// missingAttachment совпадает с ошибкой бэкендов по коду и тексту,
// поэтому IsAttachmentMissing распознает ее так же, как в проде
func missingAttachment(_ *fakeBackend) error {
	return apperrors.NotFound("attachment not found")
}

// --- transport ---

type fakeEmitter struct {
	mu        sync.Mutex
	connected map[string]bool
	events    map[string][]domain.Event
	broadcast []domain.Event
}

func newFakeEmitter(connected ...string) *fakeEmitter {
	e := &fakeEmitter{connected: make(map[string]bool), events: make(map[string][]domain.Event)}
	for _, u := range connected {
		e.connected[u] = true
	}
	return e
}

func (e *fakeEmitter) EmitToUser(userID string, event domain.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected[userID] {
		return 0
	}
	e.events[userID] = append(e.events[userID], event)
	return 1
}

func (e *fakeEmitter) IsConnected(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected[userID]
}

func (e *fakeEmitter) EmitToAll(event domain.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcast = append(e.broadcast, event)
	return len(e.connected)
}

func (e *fakeEmitter) eventsFor(userID string) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Event(nil), e.events[userID]...)
}

func (e *fakeEmitter) typesFor(userID string) []string {
	var out []string
	for _, ev := range e.eventsFor(userID) {
		out = append(out, ev.Type)
	}
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{messages: make(map[string][]*message.Message)}
}

func (p *fakePublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[topic] = append(p.messages[topic], msgs...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages[topic]...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (m *recordingMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, to+"|"+subject)
	return nil
}

// --- environment ---

func testConfig() *config.Config {
	return &config.Config{
		Messaging: config.MessagingConfig{
			EditWindow:   15 * time.Minute,
			UndoWindow:   30 * time.Second,
			BulkMaxItems: 100,
			BulkTimeout:  30 * time.Second,
			UndoSweep:    time.Minute,
			PageSize:     50,
			MaxPageSize:  200,
		},
		Attachments: config.AttachmentConfig{
			MaxFileSize:      1024,
			MaxPerMessage:    3,
			MaxTotalSize:     2048,
			BreakerTimeout:   time.Minute,
			BreakerThreshold: 100,
		},
		Limits: config.LimitsConfig{
			Tiers: map[string]config.TierLimits{
				domain.TierFree:    {MaxActiveThreads: 2, MaxDailyMessages: 5},
				domain.TierPro:     {MaxActiveThreads: 200, MaxDailyMessages: 2000},
				domain.TierProPlus: {},
			},
			DefaultTier: domain.TierFree,
		},
		Queue: config.QueueConfig{
			MaxRetries:      5,
			BaseBackoff:     2 * time.Second,
			MaxBackoff:      5 * time.Minute,
			PollInterval:    time.Second,
			BatchSize:       10,
			ProcessingLease: time.Minute,
		},
		Delivery: config.DeliveryConfig{
			Shards:       4,
			ShardBuffer:  64,
			PreviewChars: 100,
			DedupTTL:     24 * time.Hour,
		},
		Presence: config.PresenceConfig{TTL: time.Minute},
		Mail:     config.MailConfig{BaseURL: "https://app.test"},
	}
}

type testEnv struct {
	t         *testing.T
	store     *memStore
	clock     *fakeClock
	emitter   *fakeEmitter
	publisher *fakePublisher
	primary   *fakeBackend
	fallback  *fakeBackend
	rate      *fakeRateLimitRepo
	presence  *fakePresenceRepo
	mailer    *recordingMailer
	cfg       *config.Config
	repos     *repository.Repositories
	svc       *Services
}

func newTestEnv(t *testing.T, connected ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		t:         t,
		store:     newMemStore(),
		clock:     &fakeClock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)},
		emitter:   newFakeEmitter(connected...),
		publisher: newFakePublisher(),
		primary:   newFakeBackend("primary"),
		fallback:  newFakeBackend("fallback"),
		rate:      newFakeRateLimitRepo(),
		presence:  newFakePresenceRepo(),
		mailer:    &recordingMailer{},
		cfg:       testConfig(),
	}
	env.repos = &repository.Repositories{
		Tx:                 &fakeTx{store: env.store},
		Conversation:       &fakeConversationRepo{s: env.store},
		Message:            &fakeMessageRepo{s: env.store},
		Undo:               &fakeUndoRepo{s: env.store},
		Queue:              &fakeQueueRepo{s: env.store},
		Directory:          &fakeDirectory{s: env.store},
		Presence:           env.presence,
		RateLimit:          env.rate,
		Audit:              &fakeAuditRepo{s: env.store},
		PrimaryAttachments: env.primary,
	}
	env.svc = NewServices(env.repos, Dependencies{
		Emitter:             env.emitter,
		Publisher:           env.publisher,
		FallbackAttachments: env.fallback,
		Mailer:              env.mailer,
		Clock:               env.clock,
	}, env.cfg, logger.Nop())
	return env
}

func caller(id string) domain.Caller {
	return domain.Caller{UserID: id, DisplayName: id, Tier: domain.TierPro}
}

// newThread создает тред от имени creator через сервис
func (e *testEnv) newThread(creator string, others ...string) *domain.Conversation {
	e.t.Helper()
	res, err := e.svc.Conversation.Create(context.Background(), caller(creator), CreateConversationInput{
		Participants: others,
		Subject:      "Wedding catering",
	})
	if err != nil {
		e.t.Fatalf("create conversation: %v", err)
	}
	return res.Conversation
}

func (e *testEnv) send(from string, conv *domain.Conversation, content string) *domain.Message {
	e.t.Helper()
	res, err := e.svc.Message.Send(context.Background(), caller(from), SendMessageInput{
		ThreadID: conv.ID.String(),
		Content:  content,
	})
	if err != nil {
		e.t.Fatalf("send message: %v", err)
	}
	return res.Message
}

// drain синхронно отдает накопленные в шардах события, как это сделали бы воркеры
func (e *testEnv) drain() {
	d := e.svc.Delivery.(*deliveryService)
	for _, sh := range d.shards {
		for {
			select {
			case job := <-sh.jobs:
				d.deliver(job)
				continue
			default:
			}
			break
		}
	}
}

func (e *testEnv) storedMessage(id uuid.UUID) *domain.Message {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return cloneMessage(e.store.msgs[id])
}

func (e *testEnv) storedConversation(id uuid.UUID) *domain.Conversation {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return cloneConversation(e.store.convs[id])
}
