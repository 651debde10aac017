package chatcore

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/chatcore/clock"
	"github.com/opd-ai/chatcore/gateway"
)

// fakeClock is both a TimeProvider and a Scheduler, driven manually.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk      *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Schedule(d time.Duration, fn func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the fake clock forward, firing due timers in deadline
// order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.deadline.After(c.now) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			c.mu.Unlock()
			return
		}
		next.fired = true
		fn := next.fn
		c.mu.Unlock()
		fn()
	}
}

// peerSend records one SendToPeer call.
type peerSend struct {
	peerID  string
	payload gateway.Payload
}

// groupSend records one SendToGroup call.
type groupSend struct {
	groupID string
	payload gateway.Payload
}

// mockGateway records every delivery call and injects per-destination
// failures.
type mockGateway struct {
	mu         sync.Mutex
	peerSends  []peerSend
	groupSends []groupSend
	typing     []bool
	receipts   map[string][]int64
	failWith   map[string]error
	attempts   map[string]int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		receipts: make(map[string][]int64),
		failWith: make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (g *mockGateway) SendToPeer(_ context.Context, peerID string, p *gateway.Payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts[peerID]++
	if err := g.failWith[peerID]; err != nil {
		return err
	}
	g.peerSends = append(g.peerSends, peerSend{peerID: peerID, payload: *p})
	return nil
}

func (g *mockGateway) SendToGroup(_ context.Context, groupID string, p *gateway.Payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempts[groupID]++
	if err := g.failWith[groupID]; err != nil {
		return err
	}
	g.groupSends = append(g.groupSends, groupSend{groupID: groupID, payload: *p})
	return nil
}

func (g *mockGateway) SendReadReceipt(_ context.Context, peerID string, timestamps []int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.receipts[peerID] = append(g.receipts[peerID], timestamps...)
	return nil
}

func (g *mockGateway) SendTyping(_ context.Context, _ string, isTyping bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.typing = append(g.typing, isTyping)
	return nil
}

func (g *mockGateway) setFailure(destination string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failWith, destination)
		return
	}
	g.failWith[destination] = err
}

func (g *mockGateway) sendsTo(peerID string) []peerSend {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []peerSend
	for _, s := range g.peerSends {
		if s.peerID == peerID {
			out = append(out, s)
		}
	}
	return out
}

func (g *mockGateway) allPeerSends() []peerSend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]peerSend(nil), g.peerSends...)
}

func (g *mockGateway) allGroupSends() []groupSend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]groupSend(nil), g.groupSends...)
}

func (g *mockGateway) receiptsFor(peerID string) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.receipts[peerID]...)
}

func (g *mockGateway) attemptCount(destination string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[destination]
}

// waitIdle enqueues a barrier job and waits for it, ensuring every
// previously enqueued job on the conversation has finished.
func waitIdle(m *Messenger, conversationID string) {
	job, err := m.enqueue(conversationID, "barrier", func() error { return nil })
	if err != nil {
		return
	}
	job.Wait()
}
