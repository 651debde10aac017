package chatcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/message"
)

func TestUpdateExpirationTimer(t *testing.T) {
	m, gw, _ := newTestMessenger(t)

	var added []*message.Message
	m.OnMessageAdded(func(msg *message.Message) { added = append(added, msg) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)

	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 30, TimerChange{}))

	assert.Equal(t, uint32(30), conv.ExpireTimerSeconds())
	require.Len(t, added, 1)
	assert.True(t, added[0].TimerUpdate)
	assert.Equal(t, testLocalUser, added[0].Source, "empty source attributes to the local user")

	// Locally-originated change propagates with the timer-update flag.
	sends := gw.sendsTo(testPeerA)
	require.Len(t, sends, 1)
	assert.True(t, sends[0].payload.TimerUpdate)
	assert.Equal(t, uint32(30), sends[0].payload.TimerSeconds)

	// Same value again: no system message, no propagation.
	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 30, TimerChange{}))
	assert.Len(t, added, 1)
	assert.Len(t, gw.sendsTo(testPeerA), 1)
}

func TestUpdateExpirationTimerZeroOverZero(t *testing.T) {
	m, gw, _ := newTestMessenger(t)

	var added []*message.Message
	m.OnMessageAdded(func(msg *message.Message) { added = append(added, msg) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)

	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 0, TimerChange{}))
	assert.Empty(t, added, "disabling an already-disabled timer is a no-op")
	assert.Empty(t, gw.allPeerSends())
}

func TestUpdateExpirationTimerReceivedChange(t *testing.T) {
	m, gw, clk := newTestMessenger(t)

	var added []*message.Message
	m.OnMessageAdded(func(msg *message.Message) { added = append(added, msg) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)

	receivedAt := clk.Now()
	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 60, TimerChange{
		Source:     testPeerA,
		ReceivedAt: receivedAt,
	}))

	assert.Equal(t, uint32(60), conv.ExpireTimerSeconds())
	require.Len(t, added, 1)
	assert.Equal(t, testPeerA, added[0].Source)
	assert.Equal(t, receivedAt, added[0].ReceivedAt)
	assert.Empty(t, gw.allPeerSends(), "a change received from a peer is never re-announced")
}

func TestUpdateExpirationTimerSelfConversation(t *testing.T) {
	m, gw, _ := newTestMessenger(t)

	conv, err := m.EnsurePrivateConversation(testLocalUser)
	require.NoError(t, err)

	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 30, TimerChange{}))

	sends := gw.sendsTo(testLocalUser)
	require.Len(t, sends, 1)
	assert.True(t, sends[0].payload.SyncOnly, "self-conversation changes only sync to other devices")
}

func TestUpdateExpirationTimerSoleLocalMemberGroup(t *testing.T) {
	m, gw, _ := newTestMessenger(t)

	conv, err := m.NewGroupConversation("group-1", conversation.KindClosedGroup,
		[]string{testLocalUser})
	require.NoError(t, err)

	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 30, TimerChange{}))

	sends := gw.sendsTo(testLocalUser)
	require.Len(t, sends, 1)
	assert.True(t, sends[0].payload.SyncOnly)
}

func TestUpdateExpirationTimerPublicGroup(t *testing.T) {
	m, gw, _ := newTestMessenger(t)

	conv, err := m.NewGroupConversation("open-group", conversation.KindPublicGroup, nil)
	require.NoError(t, err)

	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 120, TimerChange{}))

	require.Len(t, gw.allGroupSends(), 1)
	assert.True(t, gw.allGroupSends()[0].payload.TimerUpdate)
	assert.Empty(t, gw.allPeerSends())
}

func TestIncomingMessageExpiresAfterRead(t *testing.T) {
	m, _, clk := newTestMessenger(t)

	var expired []string
	m.OnMessageExpired(func(_, messageID string) { expired = append(expired, messageID) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)
	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 30, TimerChange{
		Source: testPeerA, ReceivedAt: clk.Now(),
	}))

	msg, err := m.ReceiveMessage(conv.ID, testPeerA, "vanishing", 100, false)
	require.NoError(t, err)

	// Receipt alone never starts the countdown.
	clk.Advance(time.Hour)
	assert.Empty(t, expired)

	require.NoError(t, m.MarkRead(conv.ID, clk.Now(), false))

	clk.Advance(29 * time.Second)
	assert.Empty(t, expired, "not yet due")

	clk.Advance(time.Second)
	require.Equal(t, []string{msg.ID}, expired)
	_, err = m.Message(msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestOutgoingMessageExpiresAfterSend(t *testing.T) {
	m, _, clk := newTestMessenger(t)

	var expired []string
	m.OnMessageExpired(func(_, messageID string) { expired = append(expired, messageID) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)
	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 30, TimerChange{
		Source: testPeerA, ReceivedAt: clk.Now(),
	}))

	msg, err := m.SendMessage(conv.ID, Draft{Body: "vanishing"})
	require.NoError(t, err)
	waitIdle(m, conv.ID)
	require.Equal(t, message.StatusSent, msg.Status())

	clk.Advance(30 * time.Second)
	assert.Equal(t, []string{msg.ID}, expired)
}

func TestDeleteMessageDisarmsExpiry(t *testing.T) {
	m, _, clk := newTestMessenger(t)

	var expired []string
	m.OnMessageExpired(func(_, messageID string) { expired = append(expired, messageID) })

	conv, err := m.EnsurePrivateConversation(testPeerA)
	require.NoError(t, err)
	require.NoError(t, m.UpdateExpirationTimer(conv.ID, 30, TimerChange{
		Source: testPeerA, ReceivedAt: clk.Now(),
	}))

	msg, err := m.SendMessage(conv.ID, Draft{Body: "short-lived"})
	require.NoError(t, err)
	waitIdle(m, conv.ID)

	require.NoError(t, m.DeleteMessage(msg.ID))
	clk.Advance(time.Minute)
	assert.Empty(t, expired, "explicit deletion must cancel the countdown")
}
