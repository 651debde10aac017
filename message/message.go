// Package message implements the message entity and its status state
// machine.
//
// Outgoing messages move through a watermark of delivery states that
// only advances: sending, sent, delivered, read. For multi-recipient
// sends the visible status is derived from per-recipient bookkeeping
// rather than stored directly, so recording the same recipient's
// delivery twice is a no-op and a partially failed group send still
// reports the furthest progress reached.
//
// Example:
//
//	msg := message.NewOutgoing("conv-1", "hello", []string{"peer-a", "peer-b"})
//	msg.MarkSending()
//	msg.RecordSendSuccess("peer-a")
//	msg.Status() // StatusSent
package message

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Direction tells whether a message was composed locally or received.
type Direction uint8

const (
	// DirectionOutgoing is a message composed by the local user.
	DirectionOutgoing Direction = iota
	// DirectionIncoming is a message received from a peer or group.
	DirectionIncoming
)

// Status is the visible lifecycle state of an outgoing message.
// Incoming messages have no Status; they carry only an unread flag.
type Status uint8

const (
	// StatusComposing means the message exists but dispatch has not
	// been requested.
	StatusComposing Status = iota
	// StatusCalculatingPoW is a transient pre-sending state shown
	// while proof-of-work is computed for the payload.
	StatusCalculatingPoW
	// StatusSending means dispatch is queued or in flight.
	StatusSending
	// StatusSent means at least one recipient accepted the send.
	StatusSent
	// StatusPartiallyDelivered means some but not all intended
	// recipients have confirmed delivery.
	StatusPartiallyDelivered
	// StatusDelivered means every intended recipient confirmed
	// delivery.
	StatusDelivered
	// StatusRead means at least one recipient sent a read receipt.
	StatusRead
	// StatusError means the send failed for at least one recipient
	// and nobody has read it.
	StatusError
)

// String returns the lowercase name used in logs and persistence.
func (s Status) String() string {
	switch s {
	case StatusComposing:
		return "composing"
	case StatusCalculatingPoW:
		return "calculatingPoW"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusPartiallyDelivered:
		return "partially-delivered"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// ErrorKind classifies a recorded send failure.
type ErrorKind uint8

const (
	// ErrorKindNetwork means no transport path was available.
	ErrorKindNetwork ErrorKind = iota
	// ErrorKindIdentityKeyChanged means the recipient's key rotated.
	ErrorKindIdentityKeyChanged
	// ErrorKindUnsupportedConversation means the destination kind
	// cannot be addressed. Terminal.
	ErrorKindUnsupportedConversation
	// ErrorKindValidation means the payload or an identifier was
	// rejected before dispatch.
	ErrorKindValidation
)

// SendError is one entry in a message's error audit trail. Recipient is
// empty for conversation-level failures.
type SendError struct {
	Recipient string    `json:"recipient,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Message is a single message owned by one conversation's message set.
// It back-references its conversation by id only; the conversation is
// always looked up through the directory, never held as a pointer.
type Message struct {
	ID             string
	ConversationID string
	Direction      Direction
	Body           string
	Attachments    []string
	QuoteAuthor    string
	QuoteText      string
	PreviewURL     string

	// SenderID is the authoring peer for incoming messages.
	SenderID string

	// ReceivedAt is the local receive time for incoming messages and
	// the compose time for outgoing ones.
	ReceivedAt time.Time

	// SentAt is the protocol-level sent timestamp, distinct from ID.
	SentAt int64

	// TimerUpdate marks a synthesized system message recording an
	// expiration-timer change; Source attributes it.
	TimerUpdate bool
	Source      string

	// MentionsLocalUser is set at intake when the body mentions the
	// local user; the conversation mention flag derives from it.
	MentionsLocalUser bool

	ExpireTimerSeconds uint32

	mu                   sync.Mutex
	unread               bool
	baseStatus           Status
	intendedRecipients   []string
	successfulRecipients map[string]struct{}
	deliveredTo          map[string]struct{}
	readBy               map[string]time.Time
	sendErrors           []SendError
	expirationStart      time.Time
}

// NewOutgoing creates an outgoing message in the composing state,
// addressed to the given intended recipients.
func NewOutgoing(conversationID, body string, recipients []string) *Message {
	msg := &Message{
		ID:                   uuid.NewString(),
		ConversationID:       conversationID,
		Direction:            DirectionOutgoing,
		Body:                 body,
		ReceivedAt:           time.Now(),
		baseStatus:           StatusComposing,
		intendedRecipients:   append([]string(nil), recipients...),
		successfulRecipients: make(map[string]struct{}),
		deliveredTo:          make(map[string]struct{}),
		readBy:               make(map[string]time.Time),
	}

	logrus.WithFields(logrus.Fields{
		"function":        "NewOutgoing",
		"message_id":      msg.ID,
		"conversation_id": conversationID,
		"recipients":      len(recipients),
	}).Debug("Created outgoing message")

	return msg
}

// NewIncoming creates an incoming, unread message.
func NewIncoming(conversationID, senderID, body string, receivedAt time.Time) *Message {
	return &Message{
		ID:                   uuid.NewString(),
		ConversationID:       conversationID,
		Direction:            DirectionIncoming,
		SenderID:             senderID,
		Body:                 body,
		ReceivedAt:           receivedAt,
		unread:               true,
		successfulRecipients: make(map[string]struct{}),
		deliveredTo:          make(map[string]struct{}),
		readBy:               make(map[string]time.Time),
	}
}

// NewTimerUpdate creates the system message synthesized when a
// conversation's disappearing-message timer changes. Source attributes
// the change to the peer (or local user) that made it.
func NewTimerUpdate(conversationID, source string, timerSeconds uint32) *Message {
	msg := NewOutgoing(conversationID, "", nil)
	msg.TimerUpdate = true
	msg.Source = source
	msg.ExpireTimerSeconds = timerSeconds
	return msg
}

// MarkCalculatingPoW enters the transient proof-of-work state. It is
// superseded by MarkSending once dispatch begins and ignored after.
func (m *Message) MarkCalculatingPoW() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseStatus == StatusComposing {
		m.baseStatus = StatusCalculatingPoW
	}
}

// MarkSending moves the message into the sending state. Later watermark
// states are derived, so this is the last explicit base transition.
func (m *Message) MarkSending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseStatus < StatusSending {
		m.baseStatus = StatusSending
	}
}

// RecordSendSuccess records that the gateway accepted the send for one
// recipient, advancing the watermark to sent. Recording the same
// recipient twice is a no-op; the return value reports whether the
// bookkeeping actually changed.
func (m *Message) RecordSendSuccess(recipient string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.successfulRecipients[recipient]; ok {
		return false
	}
	m.successfulRecipients[recipient] = struct{}{}

	logrus.WithFields(logrus.Fields{
		"function":   "RecordSendSuccess",
		"message_id": m.ID,
		"recipient":  recipient,
		"sent_to":    len(m.successfulRecipients),
		"intended":   len(m.intendedRecipients),
	}).Debug("Recorded send success")
	return true
}

// RecordDelivered records a delivery receipt from one recipient,
// advancing the watermark toward delivered. Idempotent per recipient.
func (m *Message) RecordDelivered(recipient string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveredTo[recipient]; ok {
		return false
	}
	m.deliveredTo[recipient] = struct{}{}
	// A delivery receipt implies the send reached the recipient even
	// if the send-side acknowledgement was lost.
	m.successfulRecipients[recipient] = struct{}{}
	return true
}

// RecordDeliveryFailure appends a typed failure to the error trail.
// Recipient may be empty for conversation-level failures.
func (m *Message) RecordDeliveryFailure(recipient string, kind ErrorKind, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrors = append(m.sendErrors, SendError{
		Recipient: recipient,
		Kind:      kind,
		Message:   detail,
		At:        time.Now(),
	})

	logrus.WithFields(logrus.Fields{
		"function":   "RecordDeliveryFailure",
		"message_id": m.ID,
		"recipient":  recipient,
		"kind":       kind,
		"detail":     detail,
	}).Warn("Recorded delivery failure")
}

// RecordRead records a read receipt from one recipient. Idempotent per
// recipient; the earliest timestamp wins.
func (m *Message) RecordRead(recipient string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.readBy[recipient]; ok {
		return false
	}
	m.readBy[recipient] = at
	return true
}

// ClearError removes the first recorded error matching the recipient,
// reporting whether one existed. Used by per-recipient resend.
func (m *Message) ClearError(recipient string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, se := range m.sendErrors {
		if se.Recipient == recipient {
			m.sendErrors = append(m.sendErrors[:i], m.sendErrors[i+1:]...)
			return true
		}
	}
	return false
}

// Status derives the visible status from recipient bookkeeping.
//
// Read wins over error: once any recipient has read the message, later
// failures for other recipients do not regress it to the error state.
// That one-recipient-read bumps the whole message is deliberate
// optimism for group sends, not an oversight.
func (m *Message) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Message) statusLocked() Status {
	switch {
	case len(m.readBy) > 0:
		return StatusRead
	case len(m.sendErrors) > 0:
		return StatusError
	case len(m.intendedRecipients) > 0 && m.deliveredToAllLocked():
		return StatusDelivered
	case len(m.deliveredTo) > 0:
		return StatusPartiallyDelivered
	case len(m.successfulRecipients) > 0:
		return StatusSent
	default:
		return m.baseStatus
	}
}

func (m *Message) deliveredToAllLocked() bool {
	for _, r := range m.intendedRecipients {
		if _, ok := m.deliveredTo[r]; !ok {
			return false
		}
	}
	return true
}

// IsUnread reports the unread flag of an incoming message.
func (m *Message) IsUnread() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread
}

// MarkReadLocally clears the unread flag of an incoming message and
// reports whether it was set.
func (m *Message) MarkReadLocally() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unread {
		return false
	}
	m.unread = false
	return true
}

// IntendedRecipients returns a copy of the addressed recipient set.
func (m *Message) IntendedRecipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.intendedRecipients...)
}

// SetIntendedRecipients replaces the addressed recipient set. Used when
// dispatch resolves the conversation membership at send time.
func (m *Message) SetIntendedRecipients(recipients []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intendedRecipients = append([]string(nil), recipients...)
}

// SuccessfulRecipients returns a copy of the delivered-to set.
func (m *Message) SuccessfulRecipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.successfulRecipients))
	for r := range m.successfulRecipients {
		out = append(out, r)
	}
	return out
}

// Errors returns a copy of the error audit trail, in record order.
func (m *Message) Errors() []SendError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SendError(nil), m.sendErrors...)
}

// HasErrorFor reports whether the trail holds an error for recipient.
func (m *Message) HasErrorFor(recipient string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, se := range m.sendErrors {
		if se.Recipient == recipient {
			return true
		}
	}
	return false
}

// OutstandingRecipients computes the recipients a retry must still
// reach: intended recipients that are current members and have no
// recorded delivery.
func (m *Message) OutstandingRecipients(currentMembers map[string]struct{}) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.intendedRecipients {
		if currentMembers != nil {
			if _, member := currentMembers[r]; !member {
				continue
			}
		}
		if _, ok := m.successfulRecipients[r]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}

// StartExpiration records the moment the disappearing-message countdown
// begins. The start is set at most once and never rewound; later calls
// are no-ops. It reports whether the start was set by this call.
func (m *Message) StartExpiration(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExpireTimerSeconds == 0 || !m.expirationStart.IsZero() {
		return false
	}
	m.expirationStart = now

	logrus.WithFields(logrus.Fields{
		"function":   "StartExpiration",
		"message_id": m.ID,
		"timer_s":    m.ExpireTimerSeconds,
		"expires_at": now.Add(time.Duration(m.ExpireTimerSeconds) * time.Second),
	}).Debug("Expiration countdown started")
	return true
}

// ExpiresAt returns the expiry deadline, or the zero time when no
// countdown is running.
func (m *Message) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExpireTimerSeconds == 0 || m.expirationStart.IsZero() {
		return time.Time{}
	}
	return m.expirationStart.Add(time.Duration(m.ExpireTimerSeconds) * time.Second)
}

// ExpirationStart returns the recorded countdown start, zero if unset.
func (m *Message) ExpirationStart() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expirationStart
}
