package message

import "time"

// Record is the persisted snapshot of a Message. Storage
// implementations serialize Records; the live entity keeps its
// bookkeeping private.
type Record struct {
	ID                 string               `json:"id"`
	ConversationID     string               `json:"conversationId"`
	Direction          Direction            `json:"direction"`
	Body               string               `json:"body,omitempty"`
	Attachments        []string             `json:"attachments,omitempty"`
	QuoteAuthor        string               `json:"quoteAuthor,omitempty"`
	QuoteText          string               `json:"quoteText,omitempty"`
	PreviewURL         string               `json:"previewUrl,omitempty"`
	SenderID           string               `json:"senderId,omitempty"`
	ReceivedAt         time.Time            `json:"receivedAt"`
	SentAt             int64                `json:"sentAt,omitempty"`
	TimerUpdate        bool                 `json:"timerUpdate,omitempty"`
	Source             string               `json:"source,omitempty"`
	Unread             bool                 `json:"unread,omitempty"`
	MentionsLocalUser  bool                 `json:"mentionsLocalUser,omitempty"`
	ExpireTimerSeconds uint32               `json:"expireTimerSeconds,omitempty"`
	ExpirationStart    time.Time            `json:"expirationStart,omitempty"`
	BaseStatus         Status               `json:"baseStatus"`
	IntendedRecipients []string             `json:"intendedRecipients,omitempty"`
	SentTo             []string             `json:"sentTo,omitempty"`
	DeliveredTo        []string             `json:"deliveredTo,omitempty"`
	ReadBy             map[string]time.Time `json:"readBy,omitempty"`
	Errors             []SendError          `json:"errors,omitempty"`
}

// Snapshot captures the message's current state for persistence.
func (m *Message) Snapshot() Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := Record{
		ID:                 m.ID,
		ConversationID:     m.ConversationID,
		Direction:          m.Direction,
		Body:               m.Body,
		Attachments:        append([]string(nil), m.Attachments...),
		QuoteAuthor:        m.QuoteAuthor,
		QuoteText:          m.QuoteText,
		PreviewURL:         m.PreviewURL,
		SenderID:           m.SenderID,
		ReceivedAt:         m.ReceivedAt,
		SentAt:             m.SentAt,
		TimerUpdate:        m.TimerUpdate,
		Source:             m.Source,
		Unread:             m.unread,
		MentionsLocalUser:  m.MentionsLocalUser,
		ExpireTimerSeconds: m.ExpireTimerSeconds,
		ExpirationStart:    m.expirationStart,
		BaseStatus:         m.baseStatus,
		IntendedRecipients: append([]string(nil), m.intendedRecipients...),
		Errors:             append([]SendError(nil), m.sendErrors...),
	}
	for r := range m.successfulRecipients {
		rec.SentTo = append(rec.SentTo, r)
	}
	for r := range m.deliveredTo {
		rec.DeliveredTo = append(rec.DeliveredTo, r)
	}
	if len(m.readBy) > 0 {
		rec.ReadBy = make(map[string]time.Time, len(m.readBy))
		for r, at := range m.readBy {
			rec.ReadBy[r] = at
		}
	}
	return rec
}

// FromRecord rebuilds a live Message from a persisted Record.
func FromRecord(rec Record) *Message {
	m := &Message{
		ID:                   rec.ID,
		ConversationID:       rec.ConversationID,
		Direction:            rec.Direction,
		Body:                 rec.Body,
		Attachments:          append([]string(nil), rec.Attachments...),
		QuoteAuthor:          rec.QuoteAuthor,
		QuoteText:            rec.QuoteText,
		PreviewURL:           rec.PreviewURL,
		SenderID:             rec.SenderID,
		ReceivedAt:           rec.ReceivedAt,
		SentAt:               rec.SentAt,
		TimerUpdate:          rec.TimerUpdate,
		Source:               rec.Source,
		MentionsLocalUser:    rec.MentionsLocalUser,
		ExpireTimerSeconds:   rec.ExpireTimerSeconds,
		unread:               rec.Unread,
		baseStatus:           rec.BaseStatus,
		expirationStart:      rec.ExpirationStart,
		intendedRecipients:   append([]string(nil), rec.IntendedRecipients...),
		successfulRecipients: make(map[string]struct{}, len(rec.SentTo)),
		deliveredTo:          make(map[string]struct{}, len(rec.DeliveredTo)),
		readBy:               make(map[string]time.Time, len(rec.ReadBy)),
		sendErrors:           append([]SendError(nil), rec.Errors...),
	}
	for _, r := range rec.SentTo {
		m.successfulRecipients[r] = struct{}{}
	}
	for _, r := range rec.DeliveredTo {
		m.deliveredTo[r] = struct{}{}
	}
	for r, at := range rec.ReadBy {
		m.readBy[r] = at
	}
	return m
}
