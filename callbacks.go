package chatcore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/message"
)

// OnMessageAdded sets the callback fired when a message joins a
// conversation's message set, outgoing or incoming.
func (m *Messenger) OnMessageAdded(cb func(msg *message.Message)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onMessageAdded = cb
}

// OnMessageDeleted sets the callback fired on explicit deletion.
func (m *Messenger) OnMessageDeleted(cb func(conversationID, messageID string)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onMessageDeleted = cb
}

// OnMessageExpired sets the callback fired when a disappearing message
// reaches its deadline and is removed.
func (m *Messenger) OnMessageExpired(cb func(conversationID, messageID string)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onMessageExpired = cb
}

// OnTypingChanged sets the callback fired on typing edges. peerID is
// empty for the local user.
func (m *Messenger) OnTypingChanged(cb func(conversationID, peerID string, isTyping bool)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onTypingChanged = cb
}

// OnConversationReset sets the callback fired when a conversation's
// message set is cleared.
func (m *Messenger) OnConversationReset(cb func(conversationID string)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onConversationReset = cb
}

// OnBlockingNotice sets the callback fired for conversation-level
// failures that must be surfaced to the user rather than silently
// recorded, such as sending to an unsupported legacy group.
func (m *Messenger) OnBlockingNotice(cb func(conversationID string, err error)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onBlockingNotice = cb
}

// OnIdentityKeyChanged sets the callback fired when a send fails
// because the peer's identity key rotated; consumers typically refresh
// the peer's profile and ask the user to acknowledge.
func (m *Messenger) OnIdentityKeyChanged(cb func(peerID string)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onIdentityKeyChanged = cb
}

// OnNotificationsCleared sets the callback fired when mark-read clears
// the local notifications for a batch of messages.
func (m *Messenger) OnNotificationsCleared(cb func(conversationID string, messageIDs []string)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onNotificationsCleared = cb
}

func (m *Messenger) notifyMessageAdded(msg *message.Message) {
	m.callbackMu.RLock()
	cb := m.onMessageAdded
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(msg)
	}
}

func (m *Messenger) notifyMessageDeleted(conversationID, messageID string) {
	m.callbackMu.RLock()
	cb := m.onMessageDeleted
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(conversationID, messageID)
	}
}

func (m *Messenger) notifyMessageExpired(conversationID, messageID string) {
	m.callbackMu.RLock()
	cb := m.onMessageExpired
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(conversationID, messageID)
	}
}

func (m *Messenger) notifyConversationReset(conversationID string) {
	m.callbackMu.RLock()
	cb := m.onConversationReset
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(conversationID)
	}
}

func (m *Messenger) notifyBlockingNotice(conversationID string, err error) {
	m.callbackMu.RLock()
	cb := m.onBlockingNotice
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(conversationID, err)
	}
}

func (m *Messenger) notifyIdentityKeyChanged(peerID string) {
	m.callbackMu.RLock()
	cb := m.onIdentityKeyChanged
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(peerID)
	}
}

func (m *Messenger) notifyNotificationsCleared(conversationID string, messageIDs []string) {
	m.callbackMu.RLock()
	cb := m.onNotificationsCleared
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(conversationID, messageIDs)
	}
}

func (m *Messenger) typingChanged(conversationID, peerID string, isTyping bool) {
	m.callbackMu.RLock()
	cb := m.onTypingChanged
	m.callbackMu.RUnlock()
	if cb != nil {
		cb(conversationID, peerID, isTyping)
	}
}

// BumpLocalTyping records local keystroke activity in a conversation.
func (m *Messenger) BumpLocalTyping(conversationID string) {
	m.typing.BumpLocal(conversationID)
}

// NotifyTyping processes a remote peer's typing signal.
func (m *Messenger) NotifyTyping(conversationID, senderID string, isTyping bool) {
	m.typing.NotifyRemote(conversationID, senderID, isTyping)
}

// typingAllowed is the suppression policy for local typing signals:
// private conversations only, peer not blocked, not the
// self-conversation, and the setting enabled.
func (m *Messenger) typingAllowed(conversationID string) bool {
	if !m.settings.TypingIndicators {
		return false
	}
	conv, err := m.Conversation(conversationID)
	if err != nil {
		return false
	}
	if conv.Kind != conversation.KindPrivate {
		return false
	}
	if conv.Blocked() {
		return false
	}
	if conversationID == m.settings.LocalUserID {
		return false
	}
	return true
}

func (m *Messenger) sendTypingSignal(conversationID string, isTyping bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.gateway.SendTyping(ctx, conversationID, isTyping)
}

// OnDeliverySuccess records a delivery receipt for one recipient of an
// outgoing message. A receipt also advances the sent watermark and,
// for the first confirmation, starts the expiry countdown.
func (m *Messenger) OnDeliverySuccess(messageID, recipient string) error {
	msg, err := m.Message(messageID)
	if err != nil {
		return err
	}

	if !msg.RecordDelivered(recipient) {
		return nil
	}
	msg.StartExpiration(m.timeSource.Now())
	m.expiry.Schedule(msg, false)
	return m.store.CommitMessage(msg.Snapshot())
}

// OnDeliveryFailure records a typed send failure for one recipient.
func (m *Messenger) OnDeliveryFailure(messageID, recipient string, kind message.ErrorKind, detail string) error {
	msg, err := m.Message(messageID)
	if err != nil {
		return err
	}

	msg.RecordDeliveryFailure(recipient, kind, detail)
	if kind == message.ErrorKindIdentityKeyChanged {
		m.notifyIdentityKeyChanged(recipient)
	}
	return m.store.CommitMessage(msg.Snapshot())
}

// OnReadReceipt records a read receipt from one recipient. The first
// receipt bumps the whole message to read.
func (m *Messenger) OnReadReceipt(messageID, recipient string, at time.Time) error {
	msg, err := m.Message(messageID)
	if err != nil {
		return err
	}

	if !msg.RecordRead(recipient, at) {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function":   "OnReadReceipt",
		"message_id": messageID,
		"recipient":  recipient,
	}).Debug("Read receipt recorded")
	return m.store.CommitMessage(msg.Snapshot())
}
