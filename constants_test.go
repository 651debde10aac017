package chatcore

import (
	"testing"

	"github.com/opd-ai/chatcore/config"
)

const (
	// testLocalUser is the local user's id in controller tests.
	testLocalUser = "local-user"

	// testPeerA and testPeerB are peers used across controller tests.
	testPeerA = "peer-a"
	testPeerB = "peer-b"
)

// newTestMessenger wires a messenger to the mock gateway and a
// manually driven clock.
func newTestMessenger(t *testing.T) (*Messenger, *mockGateway, *fakeClock) {
	t.Helper()

	gw := newMockGateway()
	clk := newFakeClock()

	options := NewOptions()
	options.Gateway = gw
	options.Scheduler = clk
	options.TimeProvider = clk
	options.Settings = &config.Settings{
		LocalUserID:      testLocalUser,
		ReadReceipts:     true,
		TypingIndicators: true,
	}

	m, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(m.Kill)
	return m, gw, clk
}
