package chatcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/config"
	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/message"
	"github.com/opd-ai/chatcore/storage"
)

func TestNewRequiresGateway(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected an error for nil options")
	}
	if _, err := New(NewOptions()); err == nil {
		t.Fatal("expected an error for a missing gateway")
	}
}

func TestEnsurePrivateConversation(t *testing.T) {
	m, _, _ := newTestMessenger(t)

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)
	assert.Equal(t, testPeerA, conv.ID)
	assert.Equal(t, conversation.KindPrivate, conv.Kind)
	assert.True(t, conv.IsMember(testPeerA))

	again, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)
	assert.Same(t, conv, again, "repeat contact returns the existing conversation")

	_, err = m.EnsurePrivateConversation("")
	assert.Error(t, err)
}

func TestNewGroupConversation(t *testing.T) {
	m, _, _ := newTestMessenger(t)

	conv, err := m.NewGroupConversation("group-1", conversation.KindClosedGroup,
		[]string{testPeerA, testPeerB})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testPeerA, testPeerB}, conv.MemberList())

	_, err = m.NewGroupConversation("group-1", conversation.KindClosedGroup, nil)
	assert.Error(t, err, "duplicate group id must fail")

	_, err = m.NewGroupConversation("group-2", conversation.KindPrivate, nil)
	assert.Error(t, err, "group creation rejects the private kind")
}

func TestReceiveMessage(t *testing.T) {
	m, _, _ := newTestMessenger(t)

	var added []*message.Message
	m.OnMessageAdded(func(msg *message.Message) { added = append(added, msg) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)

	msg, err := m.ReceiveMessage(conv.ID, testPeerA, "hi there", 100, true)
	require.NoError(t, err)

	assert.True(t, msg.IsUnread())
	assert.Equal(t, message.DirectionIncoming, msg.Direction)
	assert.Equal(t, 1, conv.UnreadCount())
	assert.True(t, conv.MentionedLocalUser())
	assert.Equal(t, "hi there", conv.LastMessageSummary())
	require.Len(t, added, 1)
	assert.Same(t, msg, added[0])

	_, err = m.ReceiveMessage("no-such-conversation", testPeerA, "hi", 100, false)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestDeleteMessage(t *testing.T) {
	m, _, _ := newTestMessenger(t)

	var deleted []string
	m.OnMessageDeleted(func(_, messageID string) { deleted = append(deleted, messageID) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)
	msg, err := m.ReceiveMessage(conv.ID, testPeerA, "ephemeral", 100, false)
	require.NoError(t, err)

	require.NoError(t, m.DeleteMessage(msg.ID))
	assert.Equal(t, []string{msg.ID}, deleted)
	_, err = m.Message(msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	assert.ErrorIs(t, m.DeleteMessage(msg.ID), ErrMessageNotFound)
}

func TestResetConversation(t *testing.T) {
	m, _, _ := newTestMessenger(t)

	var resets []string
	m.OnConversationReset(func(conversationID string) { resets = append(resets, conversationID) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)
	msg1, err := m.ReceiveMessage(conv.ID, testPeerA, "one", 100, true)
	require.NoError(t, err)
	msg2, err := m.ReceiveMessage(conv.ID, testPeerA, "two", 200, false)
	require.NoError(t, err)
	require.Equal(t, 2, conv.UnreadCount())

	require.NoError(t, m.ResetConversation(conv.ID))

	assert.Equal(t, []string{conv.ID}, resets)
	assert.Equal(t, 0, conv.UnreadCount())
	assert.False(t, conv.MentionedLocalUser())
	assert.Empty(t, conv.LastMessageSummary())
	for _, id := range []string{msg1.ID, msg2.ID} {
		_, err := m.Message(id)
		assert.ErrorIs(t, err, ErrMessageNotFound)
	}

	// The conversation record itself survives the reset.
	_, err = m.Conversation(conv.ID)
	assert.NoError(t, err)
}

func TestKill(t *testing.T) {
	m, _, _ := newTestMessenger(t)

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)

	m.Kill()
	assert.False(t, m.IsRunning())

	_, err = m.SendMessage(conv.ID, Draft{Body: "too late"})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, m.MarkRead(conv.ID, time.Now(), false), ErrNotRunning)
	assert.ErrorIs(t, m.RetrySend("any"), ErrMessageNotFound)

	// Kill is idempotent.
	m.Kill()
}

func TestLoadStateRehydratesFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	gw := newMockGateway()
	clk := newFakeClock()
	settings := &config.Settings{LocalUserID: testLocalUser, ReadReceipts: true}

	options := NewOptions()
	options.Gateway = gw
	options.Store = store
	options.Scheduler = clk
	options.TimeProvider = clk
	options.Settings = settings

	first, err := New(options)
	require.NoError(t, err)

	conv, err := first.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)
	require.NoError(t, first.UpdateExpirationTimer(conv.ID, 300, TimerChange{
		Source: testPeerA, ReceivedAt: clk.Now(),
	}))
	msg, err := first.ReceiveMessage(conv.ID, testPeerA, "remembered", 100, false)
	require.NoError(t, err)
	first.Kill()

	second, err := New(options)
	require.NoError(t, err)
	t.Cleanup(second.Kill)

	rconv, err := second.Conversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), rconv.ExpireTimerSeconds())
	assert.Equal(t, 1, rconv.UnreadCount())

	rmsg, err := second.Message(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "remembered", rmsg.Body)
	assert.True(t, rmsg.IsUnread())
}

func TestRemoteTypingPresence(t *testing.T) {
	m, _, clk := newTestMessenger(t)

	var edges []bool
	m.OnTypingChanged(func(_, peerID string, isTyping bool) {
		if peerID == testPeerA {
			edges = append(edges, isTyping)
		}
	})

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)

	m.NotifyTyping(conv.ID, testPeerA, true)
	assert.Equal(t, []string{testPeerA}, m.typing.RemoteTypers(conv.ID))

	clk.Advance(15 * time.Second)
	assert.Empty(t, m.typing.RemoteTypers(conv.ID), "presence decays without a refresh")
	assert.Equal(t, []bool{true, false}, edges)
}

func TestSummarize(t *testing.T) {
	msg := message.NewIncoming("conv", testPeerA, "short", time.Now())
	assert.Equal(t, "short", summarize(msg))

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	msg.Body = string(long)
	assert.Len(t, summarize(msg), 80)

	timerMsg := message.NewTimerUpdate("conv", testPeerA, 30)
	assert.Equal(t, "disappearing message timer updated", summarize(timerMsg))
}
