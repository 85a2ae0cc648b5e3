package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "event_messenger/pkg/errors"
)

func TestParseThreadRef(t *testing.T) {
	id := uuid.New()

	ref, err := ParseThreadRef(id.String())
	require.NoError(t, err)
	assert.Equal(t, ThreadRefCanonical, ref.Kind)
	assert.Equal(t, id, ref.ID)

	ref, err = ParseThreadRef("thread_1712345678901_ab12cd")
	require.NoError(t, err)
	assert.Equal(t, ThreadRefLegacy, ref.Kind)
	assert.Equal(t, "thread_1712345678901_ab12cd", ref.String())

	for _, raw := range []string{"", "  ", "not-an-id", "thread_abc_def", "{" + id.String() + "}", "12345"} {
		_, err := ParseThreadRef(raw)
		require.Error(t, err, raw)
		assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err), raw)
	}
}

func TestNormalizeParticipants(t *testing.T) {
	got := NormalizeParticipants("alice", []string{"bob", "alice", " ", "carol", "bob"})
	assert.Equal(t, []string{"alice", "bob", "carol"}, got)
}

func TestToggleReaction(t *testing.T) {
	msg := &Message{}
	alice := Reactor{UserID: "alice", DisplayName: "Alice"}
	bob := Reactor{UserID: "bob", DisplayName: "Bob"}

	assert.True(t, msg.ToggleReaction("👍", alice))
	assert.True(t, msg.ToggleReaction("👍", bob))
	assert.Len(t, msg.Reactions["👍"], 2)

	assert.False(t, msg.ToggleReaction("👍", alice))
	assert.Equal(t, []Reactor{bob}, msg.Reactions["👍"])

	assert.False(t, msg.ToggleReaction("👍", bob))
	_, ok := msg.Reactions["👍"]
	assert.False(t, ok)
}

func TestAdvanceStatusIsMonotonic(t *testing.T) {
	assert.Equal(t, MessageStatusDelivered, AdvanceStatus(MessageStatusSent, MessageStatusDelivered))
	assert.Equal(t, MessageStatusRead, AdvanceStatus(MessageStatusDelivered, MessageStatusRead))
	assert.Equal(t, MessageStatusRead, AdvanceStatus(MessageStatusRead, MessageStatusDelivered))
	assert.Equal(t, MessageStatusRead, AdvanceStatus(MessageStatusRead, MessageStatusSent))
}

func TestUndoRecordEffectiveStatus(t *testing.T) {
	now := time.Now()
	rec := &UndoRecord{Status: UndoStatusCreated, ExpiresAt: now.Add(time.Second)}

	assert.Equal(t, UndoStatusCreated, rec.EffectiveStatus(now))
	assert.Equal(t, UndoStatusExpired, rec.EffectiveStatus(now.Add(time.Second)))

	rec.Status = UndoStatusConsumed
	assert.Equal(t, UndoStatusConsumed, rec.EffectiveStatus(now.Add(time.Hour)))
}

func TestConversationLegacyDetection(t *testing.T) {
	customer := "c1"
	legacy := &Conversation{CustomerID: &customer}
	assert.True(t, legacy.IsLegacy())

	current := &Conversation{Participants: []string{"a", "b"}}
	assert.False(t, current.IsLegacy())
	assert.Equal(t, []string{"b"}, current.OtherParticipants("a"))
}
