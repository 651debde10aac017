// Package expiry implements the disappearing-message expiration
// manager.
//
// A message with a nonzero expire timer starts its countdown once it is
// effectively seen: when marked sent for outgoing messages, when marked
// read for incoming ones. The manager schedules one cancellable timer
// per message and fires the expiry callback exactly once at or after
// the deadline. Late fires against entities that no longer exist must
// be tolerated by the callback.
package expiry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/clock"
	"github.com/opd-ai/chatcore/message"
)

// ExpireFunc is invoked when a message's deadline passes. It runs on
// the timer goroutine and must no-op if the message is already gone.
type ExpireFunc func(conversationID, messageID string)

// Manager schedules and enforces message expiry deadlines.
type Manager struct {
	mu        sync.Mutex
	sched     clock.Scheduler
	time      clock.TimeProvider
	onExpire  ExpireFunc
	timers    map[string]clock.Timer
	deadlines map[string]time.Time
}

// NewManager creates a Manager driving expiry through the given
// scheduler and time source.
func NewManager(sched clock.Scheduler, tp clock.TimeProvider, onExpire ExpireFunc) *Manager {
	return &Manager{
		sched:     sched,
		time:      tp,
		onExpire:  onExpire,
		timers:    make(map[string]clock.Timer),
		deadlines: make(map[string]time.Time),
	}
}

// Schedule arms (or re-arms) the expiry timer for the message.
// Recomputation is idempotent: if a timer is already armed for the same
// deadline, the call is a no-op unless force is set. Messages without a
// started countdown are ignored.
func (em *Manager) Schedule(msg *message.Message, force bool) {
	deadline := msg.ExpiresAt()
	if deadline.IsZero() {
		return
	}

	em.mu.Lock()
	if prev, ok := em.deadlines[msg.ID]; ok && prev.Equal(deadline) && !force {
		em.mu.Unlock()
		return
	}
	if timer, ok := em.timers[msg.ID]; ok {
		timer.Stop()
	}

	delay := deadline.Sub(em.time.Now())
	if delay < 0 {
		delay = 0
	}
	conversationID, messageID := msg.ConversationID, msg.ID
	em.deadlines[messageID] = deadline
	em.timers[messageID] = em.sched.Schedule(delay, func() {
		em.fire(conversationID, messageID)
	})
	em.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Schedule",
		"message_id": messageID,
		"expires_at": deadline,
		"delay":      delay,
	}).Debug("Armed expiry timer")
}

func (em *Manager) fire(conversationID, messageID string) {
	em.mu.Lock()
	if _, ok := em.deadlines[messageID]; !ok {
		// Cancelled between fire and lock acquisition.
		em.mu.Unlock()
		return
	}
	delete(em.deadlines, messageID)
	delete(em.timers, messageID)
	em.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "fire",
		"conversation_id": conversationID,
		"message_id":      messageID,
	}).Debug("Message expired")

	if em.onExpire != nil {
		em.onExpire(conversationID, messageID)
	}
}

// Cancel disarms the timer for one message. Unknown ids are a no-op.
func (em *Manager) Cancel(messageID string) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if timer, ok := em.timers[messageID]; ok {
		timer.Stop()
	}
	delete(em.timers, messageID)
	delete(em.deadlines, messageID)
}

// Pending reports whether a timer is armed for the message.
func (em *Manager) Pending(messageID string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	_, ok := em.deadlines[messageID]
	return ok
}

// Shutdown disarms every timer the manager owns.
func (em *Manager) Shutdown() {
	em.mu.Lock()
	defer em.mu.Unlock()
	for id, timer := range em.timers {
		timer.Stop()
		delete(em.timers, id)
		delete(em.deadlines, id)
	}
}
