// Package conversation implements the conversation record: the
// addressable chat context a message belongs to.
//
// A conversation is identified by a stable string id (the peer key for
// 1:1 chats, the group id otherwise). Its kind decides how outgoing
// payloads are addressed and which presence signals are allowed.
package conversation

import (
	"sync"
	"time"
)

// Kind classifies a conversation for addressing and policy decisions.
type Kind uint8

const (
	// KindPrivate is a 1:1 conversation with a single peer.
	KindPrivate Kind = iota
	// KindClosedGroup is a member-addressed group; sends fan out to
	// each member individually.
	KindClosedGroup
	// KindPublicGroup is an open/public group addressed as a single
	// destination. No read receipts, no typing indicators.
	KindPublicGroup
	// KindLegacyGroup is an unsupported legacy group type. Dispatch
	// to it fails terminally.
	KindLegacyGroup
)

// String returns the lowercase name used in logs and persistence.
func (k Kind) String() string {
	switch k {
	case KindPrivate:
		return "private"
	case KindClosedGroup:
		return "closed-group"
	case KindPublicGroup:
		return "public-group"
	case KindLegacyGroup:
		return "legacy-group"
	}
	return "unknown"
}

// Conversation is the mutable per-chat record. Every field is declared
// here with an explicit zero default; there is no dynamic attribute
// bag. Mutations happen inside the conversation's job chain except for
// counters guarded by the record's own mutex.
type Conversation struct {
	ID   string
	Kind Kind

	mu                 sync.Mutex
	expireTimerSeconds uint32
	members            map[string]struct{}
	unreadCount        int
	mentionedLocalUser bool
	lastMessageSummary string
	blocked            bool
	left               bool
	activeAt           time.Time
}

// New creates a conversation record with explicit defaults: no
// members, timer disabled, zero unread.
func New(id string, kind Kind) *Conversation {
	return &Conversation{
		ID:      id,
		Kind:    kind,
		members: make(map[string]struct{}),
	}
}

// ExpireTimerSeconds returns the disappearing-message timer, 0 when
// disabled.
func (c *Conversation) ExpireTimerSeconds() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expireTimerSeconds
}

// SetExpireTimerSeconds stores the disappearing-message timer and
// reports whether the value actually changed. Zero and "unset" are the
// same disabled state, so 0→0 is not a change.
func (c *Conversation) SetExpireTimerSeconds(seconds uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expireTimerSeconds == seconds {
		return false
	}
	c.expireTimerSeconds = seconds
	return true
}

// Members returns a copy of the membership set. For private
// conversations this is the single peer.
func (c *Conversation) Members() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.members))
	for m := range c.members {
		out[m] = struct{}{}
	}
	return out
}

// MemberList returns the membership as a slice.
func (c *Conversation) MemberList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.members))
	for m := range c.members {
		out = append(out, m)
	}
	return out
}

// AddMember adds a peer to the membership set.
func (c *Conversation) AddMember(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[id] = struct{}{}
}

// RemoveMember removes a peer from the membership set.
func (c *Conversation) RemoveMember(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, id)
}

// IsMember reports membership.
func (c *Conversation) IsMember(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.members[id]
	return ok
}

// UnreadCount returns the cached unread counter.
func (c *Conversation) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unreadCount
}

// SetUnreadCount replaces the unread counter with a value recomputed
// from the authoritative unread query. The counter is never
// decremented in place; that drifts.
func (c *Conversation) SetUnreadCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unreadCount = n
}

// MentionedLocalUser reports the unresolved-mention flag.
func (c *Conversation) MentionedLocalUser() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mentionedLocalUser
}

// SetMentionedLocalUser sets or clears the unresolved-mention flag.
func (c *Conversation) SetMentionedLocalUser(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mentionedLocalUser = v
}

// LastMessageSummary returns the cached one-line summary of the most
// recent message.
func (c *Conversation) LastMessageSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessageSummary
}

// SetLastMessageSummary updates the cached summary. Recomputed
// deterministically from the canonical record on every mutation, never
// via change listeners.
func (c *Conversation) SetLastMessageSummary(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastMessageSummary = s
	c.activeAt = time.Now()
}

// Blocked reports whether the peer is blocked. Applies to private
// conversations.
func (c *Conversation) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// SetBlocked sets the blocked flag.
func (c *Conversation) SetBlocked(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = v
}

// Left reports whether the local user has left the group. The record
// survives while messages still reference it.
func (c *Conversation) Left() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// SetLeft sets the left-group flag.
func (c *Conversation) SetLeft(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = v
}

// Record is the persisted snapshot of a Conversation.
type Record struct {
	ID                 string    `json:"id"`
	Kind               Kind      `json:"kind"`
	ExpireTimerSeconds uint32    `json:"expireTimerSeconds,omitempty"`
	Members            []string  `json:"members,omitempty"`
	UnreadCount        int       `json:"unreadCount,omitempty"`
	MentionedLocalUser bool      `json:"mentionedLocalUser,omitempty"`
	LastMessageSummary string    `json:"lastMessageSummary,omitempty"`
	Blocked            bool      `json:"blocked,omitempty"`
	Left               bool      `json:"left,omitempty"`
	ActiveAt           time.Time `json:"activeAt,omitempty"`
}

// Snapshot captures the conversation's current state for persistence.
// The job-chain handle is runtime state and is not part of the record.
func (c *Conversation) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := Record{
		ID:                 c.ID,
		Kind:               c.Kind,
		ExpireTimerSeconds: c.expireTimerSeconds,
		UnreadCount:        c.unreadCount,
		MentionedLocalUser: c.mentionedLocalUser,
		LastMessageSummary: c.lastMessageSummary,
		Blocked:            c.blocked,
		Left:               c.left,
		ActiveAt:           c.activeAt,
	}
	for m := range c.members {
		rec.Members = append(rec.Members, m)
	}
	return rec
}

// FromRecord rebuilds a live Conversation from a persisted Record.
func FromRecord(rec Record) *Conversation {
	c := New(rec.ID, rec.Kind)
	c.expireTimerSeconds = rec.ExpireTimerSeconds
	c.unreadCount = rec.UnreadCount
	c.mentionedLocalUser = rec.MentionedLocalUser
	c.lastMessageSummary = rec.LastMessageSummary
	c.blocked = rec.Blocked
	c.left = rec.Left
	c.activeAt = rec.ActiveAt
	for _, m := range rec.Members {
		c.members[m] = struct{}{}
	}
	return c
}
