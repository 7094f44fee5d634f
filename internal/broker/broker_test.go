package broker

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/converso-chat/converso/pkg/protocol"
)

// fakeTransport records delivered events for assertions.
type fakeTransport struct {
	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func (t *fakeTransport) Send(ev protocol.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) snapshot() []protocol.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Event, len(t.events))
	copy(out, t.events)
	return out
}

// waitEvents polls until the transport has received at least n events.
func (t *fakeTransport) waitEvents(tb testing.TB, n int) []protocol.Event {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := t.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	evs := t.snapshot()
	tb.Fatalf("expected at least %d events, got %d: %+v", n, len(evs), evs)
	return nil
}

// assertNoEvents verifies no event arrives within a settle period.
func (t *fakeTransport) assertNoEvents(tb testing.TB) {
	tb.Helper()
	time.Sleep(50 * time.Millisecond)
	if evs := t.snapshot(); len(evs) != 0 {
		tb.Fatalf("expected no events, got %+v", evs)
	}
}

func waitFor(tb testing.TB, cond func() bool, msg string) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatal(msg)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(slog.Default(), RegistryOptions{})
}

// join registers a handle and attaches a fresh fake transport.
func join(t *testing.T, r *Registry, sessionKey, connID string, role protocol.Role, name string) (*Handle, *fakeTransport) {
	t.Helper()
	h, err := r.Register(sessionKey, connID, role, name)
	if err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	tr := &fakeTransport{}
	h.Attach(tr)
	return h, tr
}
