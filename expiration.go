package chatcore

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/gateway"
	"github.com/opd-ai/chatcore/message"
)

// TimerChange describes where an expiration-timer update came from.
type TimerChange struct {
	// Source attributes the change; empty means the local user.
	Source string

	// ReceivedAt is set when the change arrived from a peer. A zero
	// value means the change originated locally and must be
	// propagated.
	ReceivedAt time.Time

	// FromSync marks a change replayed from the local user's other
	// device.
	FromSync bool

	// FromGroupUpdate marks a change carried by a group control
	// message.
	FromGroupUpdate bool
}

// UpdateExpirationTimer sets the conversation's disappearing-message
// timer. Setting the current value again (including zero over zero) is
// a no-op with no synthesized system message. Otherwise the new value
// is persisted, a system message records the change, and — only for
// locally-originated changes — the update is propagated to the peers.
func (m *Messenger) UpdateExpirationTimer(conversationID string, timerSeconds uint32, change TimerChange) error {
	conv, err := m.Conversation(conversationID)
	if err != nil {
		return err
	}

	job, err := m.enqueue(conversationID, "update-expiration-timer", func() error {
		return m.updateTimerJob(conv, timerSeconds, change)
	})
	if err != nil {
		return err
	}
	return job.Wait()
}

func (m *Messenger) updateTimerJob(conv *conversation.Conversation, timerSeconds uint32, change TimerChange) error {
	if !conv.SetExpireTimerSeconds(timerSeconds) {
		logrus.WithFields(logrus.Fields{
			"function":        "updateTimerJob",
			"conversation_id": conv.ID,
			"timer_s":         timerSeconds,
		}).Debug("Timer unchanged, nothing to do")
		return nil
	}
	if err := m.store.CommitConversation(conv.Snapshot()); err != nil {
		return err
	}

	source := change.Source
	if source == "" {
		source = m.settings.LocalUserID
	}
	sysMsg := message.NewTimerUpdate(conv.ID, source, timerSeconds)
	if !change.ReceivedAt.IsZero() {
		sysMsg.ReceivedAt = change.ReceivedAt
	}

	m.mu.Lock()
	m.messages[sysMsg.ID] = sysMsg
	m.mu.Unlock()

	if err := m.store.CommitMessage(sysMsg.Snapshot()); err != nil {
		return err
	}
	conv.SetLastMessageSummary(summarize(sysMsg))
	if err := m.store.CommitConversation(conv.Snapshot()); err != nil {
		return err
	}
	m.notifyMessageAdded(sysMsg)

	// Only locally-originated changes propagate; changes received from
	// a peer, a sync, or a group update already happened remotely.
	if change.ReceivedAt.IsZero() {
		m.propagateTimerChange(conv, sysMsg, timerSeconds)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "updateTimerJob",
		"conversation_id": conv.ID,
		"timer_s":         timerSeconds,
		"source":          source,
		"local_origin":    change.ReceivedAt.IsZero(),
	}).Info("Expiration timer updated")
	return nil
}

// propagateTimerChange announces a locally-made timer change: to self
// only for the self-conversation, to the single peer for a private
// chat, to the group otherwise — collapsing to a self-sync-only send
// when the local user is the sole member. Failures are recorded on the
// system message, never returned.
func (m *Messenger) propagateTimerChange(conv *conversation.Conversation, sysMsg *message.Message, timerSeconds uint32) {
	payload := &gateway.Payload{
		MessageID:    sysMsg.ID,
		TimerSeconds: timerSeconds,
		TimerUpdate:  true,
		SentAt:       m.timeSource.Now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	localUser := m.settings.LocalUserID

	switch {
	case conv.ID == localUser:
		payload.SyncOnly = true
		m.sendOne(ctx, sysMsg, localUser, func() error {
			return m.gateway.SendToPeer(ctx, localUser, payload)
		})
	case conv.Kind == conversation.KindPrivate:
		for _, peer := range conv.MemberList() {
			p := peer
			m.sendOne(ctx, sysMsg, p, func() error {
				return m.gateway.SendToPeer(ctx, p, payload)
			})
		}
	case conv.Kind == conversation.KindPublicGroup:
		m.sendOne(ctx, sysMsg, conv.ID, func() error {
			return m.gateway.SendToGroup(ctx, conv.ID, payload)
		})
	default:
		members := conv.MemberList()
		if len(members) == 1 && members[0] == localUser {
			payload.SyncOnly = true
		}
		for _, member := range members {
			peer := member
			m.sendOne(ctx, sysMsg, peer, func() error {
				return m.gateway.SendToPeer(ctx, peer, payload)
			})
		}
	}

	if err := m.store.CommitMessage(sysMsg.Snapshot()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "propagateTimerChange",
			"message_id": sysMsg.ID,
			"error":      err,
		}).Error("Failed to persist timer-change message")
	}
}
