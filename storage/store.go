// Package storage defines the persistence boundary of the chatcore
// engine and ships two reference implementations: an in-memory store
// for tests and embedding, and a SQLite store for durable deployments.
//
// The engine assumes commits are durable and atomic per entity; no
// cross-entity transactions are required.
package storage

import (
	"errors"
	"time"

	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/message"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// MessageFilter narrows a message query. Zero values mean "no
// constraint".
type MessageFilter struct {
	// UnreadOnly selects incoming messages still flagged unread.
	UnreadOnly bool

	// ReceivedNoLaterThan bounds the local receive time, inclusive.
	ReceivedNoLaterThan time.Time
}

// Store is the persistence collaborator contract.
type Store interface {
	// CommitConversation durably persists a conversation snapshot.
	CommitConversation(rec conversation.Record) error

	// Conversation loads one conversation, ErrNotFound if absent.
	Conversation(id string) (conversation.Record, error)

	// Conversations loads every persisted conversation.
	Conversations() ([]conversation.Record, error)

	// CommitMessage durably persists a message snapshot.
	CommitMessage(rec message.Record) error

	// Message loads one message, ErrNotFound if absent.
	Message(id string) (message.Record, error)

	// Messages queries a conversation's messages, oldest first.
	Messages(conversationID string, filter MessageFilter) ([]message.Record, error)

	// UnreadCount counts the conversation's unread messages. This is
	// the authoritative value the cached counter is recomputed from.
	UnreadCount(conversationID string) (int, error)

	// RemoveMessage deletes one message. Missing ids are a no-op.
	RemoveMessage(id string) error

	// RemoveAllMessages deletes every message in a conversation.
	RemoveAllMessages(conversationID string) error

	// Close releases the store's resources.
	Close() error
}
