// Package chatcore implements the per-conversation message lifecycle
// and dispatch engine.
//
// The package turns user intents — send this text, mark these read,
// change the disappearing-message timer — into ordered, idempotent
// operations against an external delivery gateway while keeping the
// local conversation state consistent: message statuses, expiry
// deadlines, unread counters, and typing presence.
//
// Example:
//
//	options := chatcore.NewOptions()
//	options.Gateway = myGateway
//
//	messenger, err := chatcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer messenger.Kill()
//
//	messenger.OnMessageAdded(func(msg *message.Message) {
//	    fmt.Printf("new message in %s\n", msg.ConversationID)
//	})
//
//	conv, _ := messenger.EnsurePrivateConversation("peer-a")
//	msg, _ := messenger.SendMessage(conv.ID, chatcore.Draft{Body: "hello"})
//	fmt.Println(msg.Status())
package chatcore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/clock"
	"github.com/opd-ai/chatcore/config"
	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/expiry"
	"github.com/opd-ai/chatcore/gateway"
	"github.com/opd-ai/chatcore/message"
	"github.com/opd-ai/chatcore/queue"
	"github.com/opd-ai/chatcore/storage"
	"github.com/opd-ai/chatcore/typing"
)

// ErrConversationNotFound is returned for operations addressing an
// unknown conversation id.
var ErrConversationNotFound = errors.New("chatcore: conversation not found")

// ErrMessageNotFound is returned for operations addressing an unknown
// message id.
var ErrMessageNotFound = errors.New("chatcore: message not found")

// ErrNotRunning is returned for operations on a killed messenger.
var ErrNotRunning = errors.New("chatcore: messenger is not running")

// Options configures a Messenger. Gateway is required; every other
// field has a working default.
type Options struct {
	// Gateway delivers built payloads. Required.
	Gateway gateway.Gateway

	// Store persists conversations and messages. Defaults to an
	// in-memory store.
	Store storage.Store

	// Uploader pushes attachment data before dispatch. Defaults to
	// gateway.NopUploader.
	Uploader gateway.Uploader

	// Settings are the user-level policy flags. Defaults to
	// config.Default().
	Settings *config.Settings

	// Scheduler drives typing and expiry timers. Defaults to the
	// system scheduler.
	Scheduler clock.Scheduler

	// TimeProvider supplies the current time. Defaults to the system
	// clock.
	TimeProvider clock.TimeProvider

	// JobTimeout bounds each job on a conversation's queue.
	// Non-positive selects queue.DefaultJobTimeout.
	JobTimeout time.Duration
}

// NewOptions creates an Options with all defaults unset; callers fill
// in the gateway and any overrides.
func NewOptions() *Options {
	return &Options{}
}

// Messenger is the engine facade. All mutating operations on one
// conversation run on that conversation's job queue, strictly in
// submission order.
type Messenger struct {
	settings   *config.Settings
	store      storage.Store
	gateway    gateway.Gateway
	uploader   gateway.Uploader
	timeSource clock.TimeProvider
	sched      clock.Scheduler
	jobTimeout time.Duration

	typing *typing.Tracker
	expiry *expiry.Manager

	mu            sync.Mutex
	running       bool
	conversations map[string]*conversation.Conversation
	messages      map[string]*message.Message
	queues        map[string]*queue.Queue

	callbackMu             sync.RWMutex
	onMessageAdded         func(msg *message.Message)
	onMessageDeleted       func(conversationID, messageID string)
	onMessageExpired       func(conversationID, messageID string)
	onTypingChanged        func(conversationID, peerID string, isTyping bool)
	onConversationReset    func(conversationID string)
	onBlockingNotice       func(conversationID string, err error)
	onIdentityKeyChanged   func(peerID string)
	onNotificationsCleared func(conversationID string, messageIDs []string)
}

// New creates a Messenger from options, loading any state already in
// the store and re-arming expiry timers for messages mid-countdown.
func New(options *Options) (*Messenger, error) {
	if options == nil || options.Gateway == nil {
		return nil, errors.New("chatcore: options must provide a gateway")
	}

	m := &Messenger{
		settings:      options.Settings,
		store:         options.Store,
		gateway:       options.Gateway,
		uploader:      options.Uploader,
		timeSource:    options.TimeProvider,
		sched:         options.Scheduler,
		jobTimeout:    options.JobTimeout,
		running:       true,
		conversations: make(map[string]*conversation.Conversation),
		messages:      make(map[string]*message.Message),
		queues:        make(map[string]*queue.Queue),
	}
	if m.settings == nil {
		m.settings = config.Default()
	}
	if m.store == nil {
		m.store = storage.NewMemoryStore()
	}
	if m.uploader == nil {
		m.uploader = gateway.NopUploader{}
	}
	if m.timeSource == nil {
		m.timeSource = clock.System()
	}
	if m.sched == nil {
		m.sched = clock.NewScheduler()
	}

	m.expiry = expiry.NewManager(m.sched, m.timeSource, m.expireMessage)
	m.typing = typing.NewTracker(m.sched, m.sendTypingSignal, m.typingChanged, m.typingAllowed)

	if err := m.loadState(); err != nil {
		return nil, fmt.Errorf("failed to load persisted state: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "New",
		"conversations": len(m.conversations),
		"messages":      len(m.messages),
	}).Info("Messenger created")
	return m, nil
}

// loadState hydrates the directories from the store and re-arms expiry
// timers for messages whose countdown already started.
func (m *Messenger) loadState() error {
	convs, err := m.store.Conversations()
	if err != nil {
		return err
	}
	for _, rec := range convs {
		conv := conversation.FromRecord(rec)
		m.conversations[conv.ID] = conv

		msgs, err := m.store.Messages(conv.ID, storage.MessageFilter{})
		if err != nil {
			return err
		}
		for _, mrec := range msgs {
			msg := message.FromRecord(mrec)
			m.messages[msg.ID] = msg
			m.expiry.Schedule(msg, false)
		}
	}
	return nil
}

// Kill stops the messenger: queues stop after their current job,
// timers are disarmed, and the store is closed. Operations after Kill
// return ErrNotRunning.
func (m *Messenger) Kill() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	queues := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
	m.typing.Shutdown()
	m.expiry.Shutdown()
	if err := m.store.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err,
		}).Warn("Failed to close store")
	}

	logrus.WithField("function", "Kill").Info("Messenger stopped")
}

// IsRunning reports whether the messenger accepts operations.
func (m *Messenger) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// EnsurePrivateConversation returns the 1:1 conversation with the
// peer, creating and persisting it on first contact. The conversation
// id is the peer id.
func (m *Messenger) EnsurePrivateConversation(peerID string) (*conversation.Conversation, error) {
	if peerID == "" {
		return nil, &gateway.ValidationError{Field: "peerID", Reason: "empty"}
	}

	m.mu.Lock()
	if conv, ok := m.conversations[peerID]; ok {
		m.mu.Unlock()
		return conv, nil
	}
	conv := conversation.New(peerID, conversation.KindPrivate)
	conv.AddMember(peerID)
	m.conversations[peerID] = conv
	m.mu.Unlock()

	if err := m.store.CommitConversation(conv.Snapshot()); err != nil {
		return nil, err
	}
	return conv, nil
}

// NewGroupConversation creates and persists a group conversation with
// the given kind and members.
func (m *Messenger) NewGroupConversation(id string, kind conversation.Kind, members []string) (*conversation.Conversation, error) {
	if id == "" {
		return nil, &gateway.ValidationError{Field: "groupID", Reason: "empty"}
	}
	if kind == conversation.KindPrivate {
		return nil, &gateway.ValidationError{Field: "kind", Reason: "group kind required"}
	}

	m.mu.Lock()
	if _, ok := m.conversations[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("chatcore: conversation %s already exists", id)
	}
	conv := conversation.New(id, kind)
	for _, member := range members {
		conv.AddMember(member)
	}
	m.conversations[id] = conv
	m.mu.Unlock()

	return conv, m.store.CommitConversation(conv.Snapshot())
}

// Conversation looks up a conversation by id.
func (m *Messenger) Conversation(id string) (*conversation.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// Message looks up a live message by id.
func (m *Messenger) Message(id string) (*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// enqueue appends a job to the conversation's queue, creating the
// queue on first use.
func (m *Messenger) enqueue(conversationID, name string, fn func() error) (*queue.Job, error) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	q, ok := m.queues[conversationID]
	if !ok {
		q = queue.New(conversationID, m.jobTimeout)
		m.queues[conversationID] = q
	}
	m.mu.Unlock()
	return q.Enqueue(name, fn), nil
}

// ReceiveMessage records an incoming message: it joins the
// conversation's message set unread, inherits the current expire timer
// (countdown starts at read, not receipt), bumps the unread counter
// from the authoritative query, and raises the added notification.
func (m *Messenger) ReceiveMessage(conversationID, senderID, body string, sentAt int64, mentionsLocalUser bool) (*message.Message, error) {
	conv, err := m.Conversation(conversationID)
	if err != nil {
		return nil, err
	}

	msg := message.NewIncoming(conversationID, senderID, body, m.timeSource.Now())
	msg.SentAt = sentAt
	msg.MentionsLocalUser = mentionsLocalUser
	msg.ExpireTimerSeconds = conv.ExpireTimerSeconds()

	m.mu.Lock()
	m.messages[msg.ID] = msg
	m.mu.Unlock()

	job, err := m.enqueue(conversationID, "receive", func() error {
		if err := m.store.CommitMessage(msg.Snapshot()); err != nil {
			return err
		}
		if mentionsLocalUser {
			conv.SetMentionedLocalUser(true)
		}
		conv.SetLastMessageSummary(summarize(msg))
		if err := m.refreshUnreadCount(conv); err != nil {
			return err
		}
		m.notifyMessageAdded(msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := job.Wait(); err != nil {
		return nil, err
	}
	return msg, nil
}

// refreshUnreadCount recomputes the cached unread counter from the
// store and persists the conversation. Never decremented in place.
func (m *Messenger) refreshUnreadCount(conv *conversation.Conversation) error {
	n, err := m.store.UnreadCount(conv.ID)
	if err != nil {
		return err
	}
	conv.SetUnreadCount(n)
	return m.store.CommitConversation(conv.Snapshot())
}

// DeleteMessage removes a message explicitly, disarming its expiry
// timer and raising the deleted notification.
func (m *Messenger) DeleteMessage(messageID string) error {
	m.mu.Lock()
	msg, ok := m.messages[messageID]
	if ok {
		delete(m.messages, messageID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrMessageNotFound
	}

	m.expiry.Cancel(messageID)
	if err := m.store.RemoveMessage(messageID); err != nil {
		return err
	}
	m.notifyMessageDeleted(msg.ConversationID, messageID)
	return nil
}

// ResetConversation removes every message in the conversation and
// raises the reset notification. The conversation record survives.
func (m *Messenger) ResetConversation(conversationID string) error {
	conv, err := m.Conversation(conversationID)
	if err != nil {
		return err
	}

	job, err := m.enqueue(conversationID, "reset", func() error {
		m.mu.Lock()
		for id, msg := range m.messages {
			if msg.ConversationID == conversationID {
				delete(m.messages, id)
				m.expiry.Cancel(id)
			}
		}
		m.mu.Unlock()

		if err := m.store.RemoveAllMessages(conversationID); err != nil {
			return err
		}
		conv.SetLastMessageSummary("")
		conv.SetMentionedLocalUser(false)
		if err := m.refreshUnreadCount(conv); err != nil {
			return err
		}
		m.typing.Clear(conversationID)
		m.notifyConversationReset(conversationID)
		return nil
	})
	if err != nil {
		return err
	}
	return job.Wait()
}

// expireMessage is the expiry manager's callback. A late fire against
// a message that was already deleted is a no-op.
func (m *Messenger) expireMessage(conversationID, messageID string) {
	m.mu.Lock()
	_, ok := m.messages[messageID]
	if ok {
		delete(m.messages, messageID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.store.RemoveMessage(messageID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "expireMessage",
			"message_id": messageID,
			"error":      err,
		}).Warn("Failed to remove expired message")
	}
	m.notifyMessageExpired(conversationID, messageID)
}

func summarize(msg *message.Message) string {
	const max = 80
	body := msg.Body
	if msg.TimerUpdate {
		body = "disappearing message timer updated"
	}
	if len(body) > max {
		return body[:max]
	}
	return body
}
