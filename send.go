package chatcore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/gateway"
	"github.com/opd-ai/chatcore/message"
)

// dispatchAttempts bounds the in-job retries of a transient network
// failure before the error is recorded on the message. Standing retry
// policy stays with the user via RetrySend.
const dispatchAttempts = 3

// Draft is the user-composed content of an outgoing message.
type Draft struct {
	Body        string
	Attachments []string
	QuoteAuthor string
	QuoteText   string
	PreviewURL  string
}

// SendMessage builds an outgoing message for the conversation, assigns
// it, persists it, raises the added notification, and enqueues the
// dispatch as a job. The returned message is live immediately; dispatch
// failures never propagate here — they are recorded on the message and
// surface through its derived status.
func (m *Messenger) SendMessage(conversationID string, draft Draft) (*message.Message, error) {
	conv, err := m.Conversation(conversationID)
	if err != nil {
		return nil, err
	}

	msg := message.NewOutgoing(conversationID, draft.Body, m.recipientsFor(conv))
	msg.Attachments = append([]string(nil), draft.Attachments...)
	msg.QuoteAuthor = draft.QuoteAuthor
	msg.QuoteText = draft.QuoteText
	msg.PreviewURL = draft.PreviewURL
	msg.SentAt = m.timeSource.Now().UnixMilli()
	msg.ExpireTimerSeconds = conv.ExpireTimerSeconds()
	msg.MarkCalculatingPoW()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	m.messages[msg.ID] = msg
	m.mu.Unlock()

	if err := m.store.CommitMessage(msg.Snapshot()); err != nil {
		return nil, err
	}
	conv.SetLastMessageSummary(summarize(msg))
	if err := m.store.CommitConversation(conv.Snapshot()); err != nil {
		return nil, err
	}
	m.notifyMessageAdded(msg)

	// Composing a message ends the local typing burst.
	m.typing.StopLocal(conversationID)

	if _, err := m.enqueue(conversationID, "send", func() error {
		m.dispatch(conv, msg, msg.IntendedRecipients(), false)
		return nil
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

// RetrySend re-dispatches a failed or partial send to the recipients
// still outstanding: intended recipients that remain members and have
// no recorded delivery. An empty outstanding set only refreshes the
// persisted state. A sole outstanding recipient that is the local user
// collapses to a self-sync-only send.
func (m *Messenger) RetrySend(messageID string) error {
	msg, err := m.Message(messageID)
	if err != nil {
		return err
	}
	conv, err := m.Conversation(msg.ConversationID)
	if err != nil {
		return err
	}

	job, err := m.enqueue(conv.ID, "retry-send", func() error {
		outstanding := msg.OutstandingRecipients(conv.Members())
		if conv.Kind == conversation.KindPublicGroup {
			// Group-addressed sends track the group id, not members.
			outstanding = nil
			if len(msg.SuccessfulRecipients()) == 0 {
				outstanding = []string{conv.ID}
			}
		}
		if len(outstanding) == 0 {
			logrus.WithFields(logrus.Fields{
				"function":   "RetrySend",
				"message_id": messageID,
			}).Debug("No outstanding recipients, refreshing persisted state only")
			return m.store.CommitMessage(msg.Snapshot())
		}

		syncOnly := len(outstanding) == 1 && outstanding[0] == m.settings.LocalUserID
		m.dispatch(conv, msg, outstanding, syncOnly)
		return nil
	})
	if err != nil {
		return err
	}
	return job.Wait()
}

// Resend re-dispatches to exactly one recipient, first removing that
// recipient's recorded error. A recipient without a recorded error is
// a no-op.
func (m *Messenger) Resend(messageID, recipientID string) error {
	msg, err := m.Message(messageID)
	if err != nil {
		return err
	}
	conv, err := m.Conversation(msg.ConversationID)
	if err != nil {
		return err
	}

	job, err := m.enqueue(conv.ID, "resend", func() error {
		if !msg.ClearError(recipientID) {
			logrus.WithFields(logrus.Fields{
				"function":   "Resend",
				"message_id": messageID,
				"recipient":  recipientID,
			}).Debug("No recorded error for recipient, nothing to resend")
			return nil
		}
		m.dispatch(conv, msg, []string{recipientID}, false)
		return nil
	})
	if err != nil {
		return err
	}
	return job.Wait()
}

// recipientsFor resolves the addressed recipient set at compose time.
// Public groups are addressed as a single destination carrying the
// group id.
func (m *Messenger) recipientsFor(conv *conversation.Conversation) []string {
	switch conv.Kind {
	case conversation.KindPrivate, conversation.KindClosedGroup, conversation.KindLegacyGroup:
		return conv.MemberList()
	case conversation.KindPublicGroup:
		return []string{conv.ID}
	}
	return nil
}

// dispatch uploads the message's data, builds one payload per
// destination, and hands it to the gateway. Every failure is caught
// and recorded on the message; dispatch never returns an error to the
// job chain.
func (m *Messenger) dispatch(conv *conversation.Conversation, msg *message.Message, recipients []string, syncOnly bool) {
	msg.MarkSending()
	if err := m.store.CommitMessage(msg.Snapshot()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "dispatch",
			"message_id": msg.ID,
			"error":      err,
		}).Error("Failed to persist sending state")
	}

	if conv.Kind == conversation.KindLegacyGroup {
		msg.RecordDeliveryFailure("", message.ErrorKindUnsupportedConversation,
			gateway.ErrUnsupportedConversation.Error())
		m.persistAfterDispatch(conv, msg)
		m.notifyBlockingNotice(conv.ID, gateway.ErrUnsupportedConversation)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	payload, err := m.buildPayload(ctx, msg, conv, syncOnly)
	if err != nil {
		msg.RecordDeliveryFailure("", classifyError(err), err.Error())
		m.persistAfterDispatch(conv, msg)
		return
	}

	switch conv.Kind {
	case conversation.KindPublicGroup:
		m.sendOne(ctx, msg, conv.ID, func() error {
			return m.gateway.SendToGroup(ctx, conv.ID, payload)
		})
	default:
		for _, recipient := range recipients {
			r := recipient
			m.sendOne(ctx, msg, r, func() error {
				return m.gateway.SendToPeer(ctx, r, payload)
			})
		}
	}

	m.persistAfterDispatch(conv, msg)
}

// sendOne performs one destination send with a short exponential
// backoff over transient network failures, then records the outcome.
func (m *Messenger) sendOne(ctx context.Context, msg *message.Message, recipient string, send func() error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dispatchAttempts-1), ctx)

	err := backoff.Retry(func() error {
		sendErr := send()
		if sendErr == nil {
			return nil
		}
		if errors.Is(sendErr, gateway.ErrNetworkUnavailable) {
			return sendErr
		}
		// Only network outages are transient; everything else fails
		// the attempt immediately.
		return backoff.Permanent(sendErr)
	}, policy)

	if err == nil {
		msg.RecordSendSuccess(recipient)
		for msg.ClearError(recipient) {
		}
		if msg.StartExpiration(m.timeSource.Now()) {
			m.expiry.Schedule(msg, false)
		}
		return
	}

	kind := classifyError(err)
	msg.RecordDeliveryFailure(recipient, kind, err.Error())
	if kind == message.ErrorKindIdentityKeyChanged {
		m.notifyIdentityKeyChanged(recipient)
	}
}

// buildPayload uploads attachment data and assembles the outbound
// payload shared by every destination of this dispatch.
func (m *Messenger) buildPayload(ctx context.Context, msg *message.Message, conv *conversation.Conversation, syncOnly bool) (*gateway.Payload, error) {
	payload := &gateway.Payload{
		MessageID:    msg.ID,
		Body:         msg.Body,
		TimerSeconds: conv.ExpireTimerSeconds(),
		SentAt:       msg.SentAt,
		SyncOnly:     syncOnly,
	}
	for _, local := range msg.Attachments {
		uploaded, err := m.uploader.UploadAttachment(ctx, local, "")
		if err != nil {
			return nil, err
		}
		payload.Attachments = append(payload.Attachments, uploaded)
	}
	if msg.QuoteAuthor != "" || msg.QuoteText != "" {
		payload.Quote = &gateway.Quote{AuthorID: msg.QuoteAuthor, Text: msg.QuoteText}
	}
	if msg.PreviewURL != "" {
		payload.Previews = append(payload.Previews, gateway.Preview{URL: msg.PreviewURL})
	}
	return payload, nil
}

func (m *Messenger) persistAfterDispatch(conv *conversation.Conversation, msg *message.Message) {
	if err := m.store.CommitMessage(msg.Snapshot()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "persistAfterDispatch",
			"message_id": msg.ID,
			"error":      err,
		}).Error("Failed to persist message after dispatch")
	}
	conv.SetLastMessageSummary(summarize(msg))
	if err := m.store.CommitConversation(conv.Snapshot()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "persistAfterDispatch",
			"conversation_id": conv.ID,
			"error":           err,
		}).Error("Failed to persist conversation after dispatch")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "persistAfterDispatch",
		"message_id": msg.ID,
		"status":     msg.Status().String(),
	}).Info("Dispatch finished")
}

// classifyError maps a gateway failure onto the message error kinds.
func classifyError(err error) message.ErrorKind {
	var identity *gateway.IdentityKeyChangedError
	var validation *gateway.ValidationError
	switch {
	case errors.As(err, &identity):
		return message.ErrorKindIdentityKeyChanged
	case errors.As(err, &validation):
		return message.ErrorKindValidation
	case errors.Is(err, gateway.ErrUnsupportedConversation):
		return message.ErrorKindUnsupportedConversation
	default:
		return message.ErrorKindNetwork
	}
}
