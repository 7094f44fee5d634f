package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/converso-chat/converso/pkg/protocol"
)

// Presence tracks connection liveness and reconnection continuity. A handle
// whose transport drops keeps its session membership for a grace window; a
// resume inside the window re-attaches the new transport with no
// leave/rejoin visible to other participants. Connectivity events go only
// to the owning connection.
type Presence struct {
	registry    *Registry
	graceWindow time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // conn_id -> eviction timer
}

// NewPresence creates a presence manager. graceWindow bounds how long a
// dropped connection's membership is retained pending reconnection.
func NewPresence(registry *Registry, graceWindow time.Duration, logger *slog.Logger) *Presence {
	if graceWindow <= 0 {
		graceWindow = 30 * time.Second
	}
	return &Presence{
		registry:    registry,
		graceWindow: graceWindow,
		logger:      logger.With("component", "presence"),
		timers:      make(map[string]*time.Timer),
	}
}

// GraceWindow returns the configured reconnection window.
func (p *Presence) GraceWindow() time.Duration { return p.graceWindow }

// MarkDisconnected handles an unexpected transport loss: the handle moves
// to Reconnecting and membership is retained until the grace window
// elapses. Queued deliveries during the gap are discarded, not replayed.
func (p *Presence) MarkDisconnected(connID string) {
	h, ok := p.registry.Lookup(connID)
	if !ok {
		return
	}
	h.detach()

	p.mu.Lock()
	if t, ok := p.timers[connID]; ok {
		t.Stop()
	}
	p.timers[connID] = time.AfterFunc(p.graceWindow, func() { p.evict(connID) })
	p.mu.Unlock()

	p.logger.Debug("transport lost, grace window started",
		"conn_id", connID, "session", h.SessionKey(), "window", p.graceWindow)
}

// Resume re-attaches a new transport to a handle that is inside its grace
// window. Other members observe no leave/rejoin; only future events are
// delivered. Past-message recovery is the transcript store's job.
func (p *Presence) Resume(connID string, tr Transport) (*Handle, error) {
	h, ok := p.registry.Lookup(connID)
	if !ok {
		return nil, ErrUnknownConnection
	}

	p.mu.Lock()
	if t, ok := p.timers[connID]; ok {
		t.Stop()
		delete(p.timers, connID)
	}
	p.mu.Unlock()

	h.Attach(tr)
	h.sendLocal(protocol.Event{Type: protocol.EventReconnected})
	p.logger.Debug("resumed", "conn_id", connID, "session", h.SessionKey())
	return h, nil
}

// Close terminates a connection explicitly: the handle is unregistered at
// once and its state is terminal. A later registration creates a brand-new
// handle.
func (p *Presence) Close(connID string) {
	p.mu.Lock()
	if t, ok := p.timers[connID]; ok {
		t.Stop()
		delete(p.timers, connID)
	}
	p.mu.Unlock()

	h, ok := p.registry.Lookup(connID)
	if !ok {
		return
	}
	// Delivered synchronously: the queue is about to be torn down.
	h.deliver(protocol.Event{Type: protocol.EventClosed})
	p.registry.Unregister(connID)
	h.close()
	p.logger.Debug("closed", "conn_id", connID, "session", h.SessionKey())
}

// evict runs when the grace window elapses without a resume.
func (p *Presence) evict(connID string) {
	p.mu.Lock()
	delete(p.timers, connID)
	p.mu.Unlock()

	h, ok := p.registry.Lookup(connID)
	if !ok {
		return
	}
	if h.State() != StateReconnecting {
		// Resumed concurrently with the timer firing; nothing to do.
		return
	}
	p.registry.Unregister(connID)
	h.close()
	p.logger.Info("grace window elapsed, connection evicted",
		"conn_id", connID, "session", h.SessionKey())
}
