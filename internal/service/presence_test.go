package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event_messenger/internal/domain"
	"event_messenger/internal/websocket"
	apperrors "event_messenger/pkg/errors"
)

func TestPresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.Presence.Touch(ctx, "bob"))
	p, err := env.svc.Presence.Get(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, p.Online())

	require.NoError(t, env.svc.Presence.Disconnect(ctx, "bob"))
	p, err = env.svc.Presence.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, p.Status)
	require.NotNil(t, p.LastSeen)
	assert.Equal(t, env.clock.Now(), *p.LastSeen)

	_, err = env.svc.Presence.Get(ctx, "")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
}

func TestPresenceBulk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.svc.Presence.Touch(ctx, "alice"))

	states, err := env.svc.Presence.GetBulk(ctx, []string{"alice", "bob", "alice", ""})
	require.NoError(t, err)
	assert.Len(t, states, 2)
	assert.True(t, states["alice"].Online())
	assert.False(t, states["bob"].Online())

	ids := make([]string, 201)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%d", i)
	}
	_, err = env.svc.Presence.GetBulk(ctx, ids)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
}

func signal(t *testing.T, typ string, sig threadSignal) websocket.InboundMessage {
	t.Helper()
	data, err := json.Marshal(sig)
	require.NoError(t, err)
	return websocket.InboundMessage{Type: typ, Data: data}
}

func TestRealtimeListener(t *testing.T) {
	env := newTestEnv(t, "alice")
	conv := env.newThread("alice", "bob")
	msg := env.send("alice", conv, "hello")
	env.drain()
	l := env.svc.Realtime

	l.OnConnect("bob")
	states, _ := env.presence.Get(context.Background(), []string{"bob"})
	assert.True(t, states["bob"].Online())

	l.OnClientMessage(domain.Caller{UserID: "bob", DisplayName: "Bob Marsh"}, signal(t, websocket.MessageTypeTyping, threadSignal{ThreadID: conv.ID.String(), IsTyping: true}))
	assert.Contains(t, env.emitter.typesFor("alice"), domain.EventTyping)
	var typing domain.TypingEvent
	for _, ev := range env.emitter.eventsFor("alice") {
		if ev.Type == domain.EventTyping {
			typing = ev.Data.(domain.TypingEvent)
		}
	}
	assert.Equal(t, "bob", typing.UserID)
	assert.Equal(t, "Bob Marsh", typing.DisplayName)

	l.OnClientMessage(caller("bob"), signal(t, websocket.MessageTypeAck, threadSignal{ThreadID: conv.ID.String(), UpToSeq: msg.Seq}))
	assert.Equal(t, domain.MessageStatusDelivered, env.storedMessage(msg.ID).Status)

	l.OnClientMessage(caller("bob"), signal(t, websocket.MessageTypeRead, threadSignal{ThreadID: conv.ID.String()}))
	assert.Equal(t, domain.MessageStatusRead, env.storedMessage(msg.ID).Status)

	// чужой тред и мусор просто игнорируются
	l.OnClientMessage(caller("mallory"), signal(t, websocket.MessageTypeRead, threadSignal{ThreadID: conv.ID.String()}))
	l.OnClientMessage(caller("bob"), websocket.InboundMessage{Type: websocket.MessageTypeRead, Data: json.RawMessage(`{`)})
	l.OnClientMessage(caller("bob"), websocket.InboundMessage{Type: "unknown"})

	l.OnDisconnect("bob")
	states, _ = env.presence.Get(context.Background(), []string{"bob"})
	assert.False(t, states["bob"].Online())
}

func TestReadiness(t *testing.T) {
	failing := errors.New("connection refused")
	r := NewReadiness(
		HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "redis", Check: func(context.Context) error { return failing }},
	)

	status, ok := r.Check(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "pending", status["startup"])
	assert.Equal(t, "ok", status["postgres"])
	assert.Equal(t, "error: connection refused", status["redis"])

	r.MarkReady()
	assert.True(t, r.IsReady())
	healthy := NewReadiness(HealthCheck{Name: "postgres", Check: func(context.Context) error { return nil }})
	healthy.MarkReady()
	_, ok = healthy.Check(context.Background())
	assert.True(t, ok)

	healthy.MarkNotReady()
	_, ok = healthy.Check(context.Background())
	assert.False(t, ok)
}
