// Package typing implements the typing presence tracker.
//
// The local side turns keystroke activity into at most one
// isTyping=true signal per burst, refreshed on an interval while the
// user keeps typing, and exactly one isTyping=false signal once a
// pause elapses. The remote side holds a per-sender presence flag that
// decays on a timeout when the sender stops refreshing it.
//
// State-change notifications fire only on edges (typing started,
// typing stopped), never on refresh repeats.
package typing

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/clock"
)

const (
	// RefreshInterval is the suppression window after a true signal;
	// typing that continues past the window triggers a fresh true
	// signal on the next keystroke.
	RefreshInterval = 10 * time.Second

	// PauseTimeout is the keystroke silence after which the final
	// false signal is sent.
	PauseTimeout = 10 * time.Second

	// RemoteTimeout is how long a remote peer's typing flag survives
	// without a refreshing true signal.
	RemoteTimeout = 15 * time.Second
)

// SendFunc delivers a typing signal for a conversation. Failures are
// logged and dropped; typing presence is best-effort.
type SendFunc func(conversationID string, isTyping bool) error

// ChangeFunc is notified on typing edges. peerID is empty for the
// local user.
type ChangeFunc func(conversationID, peerID string, isTyping bool)

// AllowFunc decides whether typing signals may be sent for a
// conversation. The controller supplies the suppression policy (open
// groups, blocked peers, disabled setting, self-conversation).
type AllowFunc func(conversationID string) bool

type localState struct {
	refresh       clock.Timer
	pause         clock.Timer
	refreshActive bool
}

type remoteState struct {
	timeout clock.Timer
}

// Tracker maintains local and remote typing presence per conversation.
type Tracker struct {
	mu       sync.Mutex
	sched    clock.Scheduler
	send     SendFunc
	onChange ChangeFunc
	allowed  AllowFunc

	local  map[string]*localState
	remote map[string]map[string]*remoteState
}

// NewTracker creates a Tracker. onChange and allowed may be nil; a nil
// allowed permits every conversation.
func NewTracker(sched clock.Scheduler, send SendFunc, onChange ChangeFunc, allowed AllowFunc) *Tracker {
	return &Tracker{
		sched:    sched,
		send:     send,
		onChange: onChange,
		allowed:  allowed,
		local:    make(map[string]*localState),
		remote:   make(map[string]map[string]*remoteState),
	}
}

// BumpLocal records local typing activity in the conversation. The
// first bump of a burst sends isTyping=true and opens the refresh
// suppression window; later bumps push the pause timer back, and a
// bump landing after the window re-sends true without raising a new
// edge. Exactly one false follows once the pause elapses.
func (t *Tracker) BumpLocal(conversationID string) {
	if t.allowed != nil && !t.allowed(conversationID) {
		return
	}

	t.mu.Lock()
	st, active := t.local[conversationID]
	if active {
		st.pause.Stop()
		st.pause = t.sched.Schedule(PauseTimeout, func() { t.pauseElapsed(conversationID) })
		if st.refreshActive {
			t.mu.Unlock()
			return
		}
		st.refreshActive = true
		st.refresh = t.sched.Schedule(RefreshInterval, func() { t.refreshElapsed(conversationID) })
		t.mu.Unlock()

		// Refresh repeat, not an edge: no change notification.
		t.sendSignal(conversationID, true)
		return
	}

	st = &localState{refreshActive: true}
	st.refresh = t.sched.Schedule(RefreshInterval, func() { t.refreshElapsed(conversationID) })
	st.pause = t.sched.Schedule(PauseTimeout, func() { t.pauseElapsed(conversationID) })
	t.local[conversationID] = st
	t.mu.Unlock()

	t.sendSignal(conversationID, true)
	t.notify(conversationID, "", true)
}

// StopLocal ends the local typing burst immediately, sending the final
// false signal if a burst was active. Called when a message is sent.
func (t *Tracker) StopLocal(conversationID string) {
	t.mu.Lock()
	st, active := t.local[conversationID]
	if !active {
		t.mu.Unlock()
		return
	}
	st.refresh.Stop()
	st.pause.Stop()
	delete(t.local, conversationID)
	t.mu.Unlock()

	t.sendSignal(conversationID, false)
	t.notify(conversationID, "", false)
}

// IsTypingLocally reports whether a local burst is active.
func (t *Tracker) IsTypingLocally(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, active := t.local[conversationID]
	return active
}

// refreshElapsed closes the suppression window. The next keystroke of
// a still-active burst re-sends the true signal.
func (t *Tracker) refreshElapsed(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, active := t.local[conversationID]; active {
		st.refreshActive = false
	}
}

func (t *Tracker) pauseElapsed(conversationID string) {
	t.mu.Lock()
	st, active := t.local[conversationID]
	if !active {
		t.mu.Unlock()
		return
	}
	st.refresh.Stop()
	delete(t.local, conversationID)
	t.mu.Unlock()

	t.sendSignal(conversationID, false)
	t.notify(conversationID, "", false)
}

// NotifyRemote processes a peer's typing signal. A true signal
// (re)arms the decay timeout; a false signal clears presence
// immediately. Edges raise the change notification.
func (t *Tracker) NotifyRemote(conversationID, senderID string, isTyping bool) {
	t.mu.Lock()
	senders := t.remote[conversationID]

	if !isTyping {
		st, ok := senders[senderID]
		if !ok {
			t.mu.Unlock()
			return
		}
		st.timeout.Stop()
		delete(senders, senderID)
		if len(senders) == 0 {
			delete(t.remote, conversationID)
		}
		t.mu.Unlock()
		t.notify(conversationID, senderID, false)
		return
	}

	if senders == nil {
		senders = make(map[string]*remoteState)
		t.remote[conversationID] = senders
	}
	st, known := senders[senderID]
	if known {
		st.timeout.Stop()
		st.timeout = t.sched.Schedule(RemoteTimeout, func() { t.remoteElapsed(conversationID, senderID) })
		t.mu.Unlock()
		return
	}
	senders[senderID] = &remoteState{
		timeout: t.sched.Schedule(RemoteTimeout, func() { t.remoteElapsed(conversationID, senderID) }),
	}
	t.mu.Unlock()
	t.notify(conversationID, senderID, true)
}

func (t *Tracker) remoteElapsed(conversationID, senderID string) {
	t.mu.Lock()
	senders := t.remote[conversationID]
	if _, ok := senders[senderID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(senders, senderID)
	if len(senders) == 0 {
		delete(t.remote, conversationID)
	}
	t.mu.Unlock()
	t.notify(conversationID, senderID, false)
}

// RemoteTypers returns the peers currently typing in the conversation.
func (t *Tracker) RemoteTypers(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for sender := range t.remote[conversationID] {
		out = append(out, sender)
	}
	return out
}

// Clear drops all local and remote typing state for the conversation.
func (t *Tracker) Clear(conversationID string) {
	t.mu.Lock()
	if st, ok := t.local[conversationID]; ok {
		st.refresh.Stop()
		st.pause.Stop()
		delete(t.local, conversationID)
	}
	for _, st := range t.remote[conversationID] {
		st.timeout.Stop()
	}
	delete(t.remote, conversationID)
	t.mu.Unlock()
}

// Shutdown stops every timer the tracker owns.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	for id, st := range t.local {
		st.refresh.Stop()
		st.pause.Stop()
		delete(t.local, id)
	}
	for id, senders := range t.remote {
		for _, st := range senders {
			st.timeout.Stop()
		}
		delete(t.remote, id)
	}
	t.mu.Unlock()
}

func (t *Tracker) sendSignal(conversationID string, isTyping bool) {
	if t.send == nil {
		return
	}
	if err := t.send(conversationID, isTyping); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "sendSignal",
			"conversation_id": conversationID,
			"is_typing":       isTyping,
			"error":           err,
		}).Warn("Failed to send typing signal")
	}
}

func (t *Tracker) notify(conversationID, peerID string, isTyping bool) {
	if t.onChange != nil {
		t.onChange(conversationID, peerID, isTyping)
	}
}
