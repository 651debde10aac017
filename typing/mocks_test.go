package typing

import (
	"sync"
	"time"

	"github.com/opd-ai/chatcore/clock"
)

// fakeScheduler drives timers manually so typing timeouts can be
// tested without sleeping.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	sched    *fakeScheduler
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Unix(1700000000, 0)}
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) clock.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{sched: s, deadline: s.now.Add(d), fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the fake clock forward, firing due timers in deadline
// order. Callbacks run outside the scheduler lock so they may schedule
// new timers.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next *fakeTimer
		for _, t := range s.timers {
			if t.fired || t.stopped || t.deadline.After(s.now) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			s.mu.Unlock()
			return
		}
		next.fired = true
		fn := next.fn
		s.mu.Unlock()
		fn()
	}
}

// signalRecorder collects sent typing signals.
type signalRecorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *signalRecorder) send(conversationID string, isTyping bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, isTyping)
	return nil
}

func (r *signalRecorder) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.signals...)
}

func countSignals(signals []bool, value bool) int {
	n := 0
	for _, s := range signals {
		if s == value {
			n++
		}
	}
	return n
}

// edgeRecorder collects typing-change notifications.
type edgeRecorder struct {
	mu    sync.Mutex
	edges []bool
}

func (r *edgeRecorder) change(conversationID, peerID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, isTyping)
}

func (r *edgeRecorder) all() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.edges...)
}
