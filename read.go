package chatcore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/message"
	"github.com/opd-ai/chatcore/storage"
)

// MarkRead marks every locally-unread message received no later than
// newestRead as read, starts their expiry countdowns, clears their
// notifications, and recomputes the unread counter from the
// authoritative query. The whole operation runs as one job on the
// conversation's queue and is idempotent for a given threshold.
//
// Read receipts are sent only when the conversation is not a public
// group, the receipts setting is enabled, sendReceipts was requested,
// and at least one read message carries no delivery error.
func (m *Messenger) MarkRead(conversationID string, newestRead time.Time, sendReceipts bool) error {
	conv, err := m.Conversation(conversationID)
	if err != nil {
		return err
	}

	job, err := m.enqueue(conversationID, "mark-read", func() error {
		return m.markReadJob(conv, newestRead, sendReceipts)
	})
	if err != nil {
		return err
	}
	return job.Wait()
}

func (m *Messenger) markReadJob(conv *conversation.Conversation, newestRead time.Time, sendReceipts bool) error {
	records, err := m.store.Messages(conv.ID, storage.MessageFilter{
		UnreadOnly:          true,
		ReceivedNoLaterThan: newestRead,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		// Nothing newly read; counter and mention flag are already
		// consistent.
		return nil
	}

	now := m.timeSource.Now()
	var clearedIDs []string
	var readMessages []*message.Message

	for _, rec := range records {
		msg := m.liveOrHydrated(rec)
		if !msg.MarkReadLocally() {
			continue
		}
		if msg.StartExpiration(now) {
			m.expiry.Schedule(msg, false)
		}
		if err := m.store.CommitMessage(msg.Snapshot()); err != nil {
			return err
		}
		clearedIDs = append(clearedIDs, msg.ID)
		readMessages = append(readMessages, msg)
	}

	if len(clearedIDs) > 0 {
		m.notifyNotificationsCleared(conv.ID, clearedIDs)
	}

	if err := m.refreshUnreadCount(conv); err != nil {
		return err
	}
	if err := m.resolveMentionFlag(conv); err != nil {
		return err
	}

	if sendReceipts && m.receiptsAllowed(conv) && anyWithoutError(readMessages) {
		m.sendReadReceipts(conv, readMessages)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "markReadJob",
		"conversation_id": conv.ID,
		"marked":          len(clearedIDs),
		"unread":          conv.UnreadCount(),
	}).Debug("Marked messages read")
	return nil
}

// liveOrHydrated returns the live entity for a stored record, adding a
// hydrated copy to the directory when the message is not resident.
func (m *Messenger) liveOrHydrated(rec message.Record) *message.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[rec.ID]; ok {
		return msg
	}
	msg := message.FromRecord(rec)
	m.messages[rec.ID] = msg
	return msg
}

// resolveMentionFlag clears the conversation's unresolved-mention flag
// once no remaining unread message still mentions the local user.
func (m *Messenger) resolveMentionFlag(conv *conversation.Conversation) error {
	if !conv.MentionedLocalUser() {
		return nil
	}
	remaining, err := m.store.Messages(conv.ID, storage.MessageFilter{UnreadOnly: true})
	if err != nil {
		return err
	}
	for _, rec := range remaining {
		if rec.MentionsLocalUser {
			return nil
		}
	}
	conv.SetMentionedLocalUser(false)
	return m.store.CommitConversation(conv.Snapshot())
}

func (m *Messenger) receiptsAllowed(conv *conversation.Conversation) bool {
	return conv.Kind != conversation.KindPublicGroup && m.settings.ReadReceipts
}

func anyWithoutError(msgs []*message.Message) bool {
	for _, msg := range msgs {
		if len(msg.Errors()) == 0 {
			return true
		}
	}
	return false
}

// sendReadReceipts groups the read messages' sent timestamps per
// author and reports them through the gateway. Failures are logged and
// dropped; receipts are best-effort.
func (m *Messenger) sendReadReceipts(conv *conversation.Conversation, msgs []*message.Message) {
	bySender := make(map[string][]int64)
	for _, msg := range msgs {
		if msg.Direction != message.DirectionIncoming || msg.SenderID == "" {
			continue
		}
		bySender[msg.SenderID] = append(bySender[msg.SenderID], msg.SentAt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for sender, timestamps := range bySender {
		if err := m.gateway.SendReadReceipt(ctx, sender, timestamps); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":        "sendReadReceipts",
				"conversation_id": conv.ID,
				"sender":          sender,
				"error":           err,
			}).Warn("Failed to send read receipt")
		}
	}
}
