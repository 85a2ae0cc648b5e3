package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/middleware"
	"event_messenger/internal/service"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

const testSecret = "handler-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// Заглушки встраивают интерфейс: непереопределенный метод паникует, если тест его случайно вызовет
type stubConversations struct {
	service.ConversationService
	created service.CreateConversationInput
	getErr  error
}

func (s *stubConversations) Create(_ context.Context, caller domain.Caller, in service.CreateConversationInput) (*service.CreateConversationResult, error) {
	s.created = in
	return &service.CreateConversationResult{Conversation: &domain.Conversation{
		ID:           uuid.New(),
		CreatedBy:    caller.UserID,
		Participants: domain.NormalizeParticipants(caller.UserID, in.Participants),
		Subject:      in.Subject,
		Status:       domain.ConversationStatusActive,
	}}, nil
}

func (s *stubConversations) Get(context.Context, domain.Caller, string) (*domain.Conversation, error) {
	return nil, s.getErr
}

type stubMessages struct {
	service.MessageService
	sent      service.SendMessageInput
	duplicate bool
}

func (s *stubMessages) Send(_ context.Context, caller domain.Caller, in service.SendMessageInput) (*service.SendResult, error) {
	s.sent = in
	return &service.SendResult{
		Message:   &domain.Message{ID: uuid.New(), SenderID: caller.UserID, Content: in.Content},
		Duplicate: s.duplicate,
	}, nil
}

type stubAttachments struct {
	service.AttachmentService
	att *domain.StoredAttachment
}

func (s *stubAttachments) Get(_ context.Context, id uuid.UUID) (*domain.StoredAttachment, error) {
	if s.att == nil || s.att.ID != id {
		return nil, apperrors.NotFound("attachment not found")
	}
	return s.att, nil
}

type stubBulk struct {
	service.BulkService
	undoErr error
}

func (s *stubBulk) Undo(context.Context, domain.Caller, uuid.UUID, string) (int, error) {
	return 0, s.undoErr
}

type testServer struct {
	router        *gin.Engine
	readiness     *service.Readiness
	conversations *stubConversations
	messages      *stubMessages
	attachments   *stubAttachments
	bulk          *stubBulk
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
		Attachments: config.AttachmentConfig{MaxFileSize: 1024, MaxPerMessage: 3, MaxTotalSize: 4096},
	}
	log := logger.Nop()

	ts := &testServer{
		readiness:     service.NewReadiness(),
		conversations: &stubConversations{},
		messages:      &stubMessages{},
		attachments:   &stubAttachments{},
		bulk:          &stubBulk{},
	}
	handlers := &Handlers{
		Health:       NewHealthHandler(ts.readiness),
		Conversation: NewConversationHandler(ts.conversations, log),
		Message:      NewMessageHandler(ts.messages, cfg.Attachments, log),
		Attachment:   NewAttachmentHandler(ts.attachments, log),
		Bulk:         NewBulkHandler(ts.bulk, log),
		Admin:        NewAdminHandler(nil, log),
	}
	auth := middleware.NewExternalAuthMiddleware(testSecret, "", log)
	// лимит 0 выключает ограничение по IP
	rateLimit := middleware.NewRateLimitMiddleware(nil, 0, time.Minute, log)

	ts.router = SetupRouter(handlers, auth, rateLimit, cfg, log)
	return ts
}

func bearer(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.ExternalJWTClaims{
		UserID:      userID,
		DisplayName: userID,
		Plan:        domain.TierPro,
		Roles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (ts *testServer) do(t *testing.T, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRoutesRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v4/conversations/abc", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateConversation(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v4/conversations", bearer(t, "alice"), gin.H{
		"participants":    []string{"bob"},
		"subject":         "Venue for 120 guests",
		"context":         gin.H{"type": "supplier", "ref_id": "sup-9"},
		"initial_message": gin.H{"content": "Hello!", "client_message_id": "c-1"},
	})

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []string{"bob"}, ts.conversations.created.Participants)
	require.NotNil(t, ts.conversations.created.Context)
	assert.Equal(t, "supplier", ts.conversations.created.Context.Type)
	require.NotNil(t, ts.conversations.created.InitialMessage)
	assert.Equal(t, "Hello!", ts.conversations.created.InitialMessage.Content)
	assert.Equal(t, "c-1", ts.conversations.created.InitialMessage.ClientMessageID)

	conv := decode(t, w)["conversation"].(map[string]interface{})
	assert.Equal(t, "alice", conv["created_by"])

	w = ts.do(t, http.MethodPost, "/api/v4/conversations", bearer(t, "alice"), gin.H{"subject": "no one"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperrors.ErrNotParticipant, http.StatusForbidden, "ACCESS_DENIED"},
		{apperrors.ErrConversationGone, http.StatusNotFound, "NOT_FOUND"},
		{apperrors.LimitExceeded("thread limit").WithMeta("limit", 10), http.StatusTooManyRequests, "LIMIT_EXCEEDED"},
		{apperrors.Internal("query failed", context.DeadlineExceeded), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		ts.conversations.getErr = tc.err
		w := ts.do(t, http.MethodGet, "/api/v4/conversations/"+uuid.NewString(), bearer(t, "alice"), nil)
		assert.Equal(t, tc.status, w.Code)
		body := decode(t, w)
		assert.Equal(t, tc.code, body["code"])
		if tc.code == "LIMIT_EXCEEDED" {
			assert.Equal(t, float64(10), body["meta"].(map[string]interface{})["limit"])
		}
		if tc.code == "INTERNAL" {
			assert.Equal(t, "internal server error", body["error"])
		}
	}
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile("attachments", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestSendMessageMultipart(t *testing.T) {
	ts := newTestServer(t)
	convID := uuid.NewString()

	body, contentType := multipartBody(t,
		map[string]string{"content": "Floor plan attached", "client_message_id": "m-7"},
		map[string][]byte{"plan.pdf": []byte("%PDF-1.4"), "notes.txt": []byte("tables: 12")},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v4/conversations/"+convID+"/messages", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearer(t, "alice"))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sent := ts.messages.sent
	assert.Equal(t, convID, sent.ThreadID)
	assert.Equal(t, "Floor plan attached", sent.Content)
	assert.Equal(t, "m-7", sent.ClientMessageID)
	require.Len(t, sent.Attachments, 2)

	got := map[string]string{}
	for _, f := range sent.Attachments {
		got[f.Filename] = string(f.Data)
	}
	assert.Equal(t, map[string]string{"plan.pdf": "%PDF-1.4", "notes.txt": "tables: 12"}, got)
}

func TestSendMessageJSONDuplicate(t *testing.T) {
	ts := newTestServer(t)
	ts.messages.duplicate = true

	w := ts.do(t, http.MethodPost, "/api/v4/conversations/"+uuid.NewString()+"/messages", bearer(t, "alice"), gin.H{
		"content":           "retrying",
		"client_message_id": "m-1",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["duplicate"])
}

func TestSendMessageTooManyFiles(t *testing.T) {
	ts := newTestServer(t)
	body, contentType := multipartBody(t, nil, map[string][]byte{
		"a.txt": []byte("a"), "b.txt": []byte("b"), "c.txt": []byte("c"), "d.txt": []byte("d"),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v4/conversations/"+uuid.NewString()+"/messages", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearer(t, "alice"))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, ts.messages.sent.ThreadID)
}

func TestListMessagesRejectsBadCursor(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v4/conversations/"+uuid.NewString()+"/messages?before_seq=ten", bearer(t, "alice"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAttachmentDownloadHeaders(t *testing.T) {
	ts := newTestServer(t)
	ts.attachments.att = &domain.StoredAttachment{
		ID:       uuid.New(),
		Filename: `we"ird name.html`,
		MimeType: "text/html; charset=utf-8",
		Data:     []byte("<script>alert(1)</script>"),
	}

	w := ts.do(t, http.MethodGet, "/api/v4/attachments/"+ts.attachments.att.ID.String(), bearer(t, "bob"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "attachment; filename=we_ird_name.html", w.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "<script>alert(1)</script>", w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v4/attachments/"+uuid.NewString(), bearer(t, "bob"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v4/attachments/not-a-uuid", bearer(t, "bob"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUndoRoute(t *testing.T) {
	ts := newTestServer(t)
	path := "/api/v4/operations/" + uuid.NewString() + "/undo"

	ts.bulk.undoErr = apperrors.ErrUndoConsumed
	w := ts.do(t, http.MethodPost, path, bearer(t, "alice"), gin.H{"undo_token": "tok"})
	assert.Equal(t, http.StatusConflict, w.Code)

	ts.bulk.undoErr = apperrors.ErrUndoExpired
	w = ts.do(t, http.MethodPost, path, bearer(t, "alice"), gin.H{"undo_token": "tok"})
	assert.Equal(t, http.StatusGone, w.Code)

	w = ts.do(t, http.MethodPost, path, bearer(t, "alice"), gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v4/operations/nope/undo", bearer(t, "alice"), gin.H{"undo_token": "tok"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v4/admin/broadcast", bearer(t, "alice", domain.GlobalRoleUser), gin.H{"payload": gin.H{"text": "hi"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ts.readiness.MarkReady()
	w = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"startup":"ok"`))
}
