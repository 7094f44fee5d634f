package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/converso-chat/converso/pkg/protocol"
)

// Transport is one live client connection the broker can push events to.
// Implementations must be safe for calls from a single writer goroutine.
type Transport interface {
	Send(ev protocol.Event) error
	Close() error
}

// ConnState is the lifecycle state of a Handle.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateReconnecting
	StateDisconnected // terminal
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Handle is the broker's record of one live connection: its session, role,
// display name and agent-mode flag. A handle belongs to exactly one session
// for its whole lifetime.
type Handle struct {
	id         string
	sessionKey string
	role       protocol.Role
	createdAt  time.Time
	logger     *slog.Logger

	mu          sync.Mutex
	displayName string
	agentMode   bool
	state       ConnState
	transport   Transport

	// Durable events are queued here in publish order and drained by a
	// single writer goroutine, which gives per-sender FIFO delivery. The
	// typing queue is a separate lossy path so typing bursts never delay
	// chat messages.
	out     chan protocol.Event
	typing  chan protocol.Event
	done    chan struct{}
	startWr sync.Once
	stopWr  sync.Once
}

func newHandle(id, sessionKey string, role protocol.Role, displayName string, outBuf, typingBuf int, logger *slog.Logger) *Handle {
	return &Handle{
		id:          id,
		sessionKey:  sessionKey,
		role:        role,
		displayName: displayName,
		createdAt:   time.Now(),
		state:       StateConnecting,
		out:         make(chan protocol.Event, outBuf),
		typing:      make(chan protocol.Event, typingBuf),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// ID returns the opaque connection identifier.
func (h *Handle) ID() string { return h.id }

// SessionKey returns the key of the owning session.
func (h *Handle) SessionKey() string { return h.sessionKey }

// Role returns the participant role.
func (h *Handle) Role() protocol.Role { return h.role }

// DisplayName returns the participant's display name.
func (h *Handle) DisplayName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.displayName
}

// AgentMode reports whether this connection receives file-upload
// notifications.
func (h *Handle) AgentMode() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agentMode
}

func (h *Handle) setAgentMode(enabled bool) {
	h.mu.Lock()
	h.agentMode = enabled
	h.mu.Unlock()
}

// State returns the current connection state.
func (h *Handle) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attach binds a transport to the handle and starts the writer goroutine.
// Attaching to a Reconnecting handle resumes delivery of future events.
func (h *Handle) Attach(tr Transport) {
	h.mu.Lock()
	h.transport = tr
	h.state = StateConnected
	h.mu.Unlock()
	h.startWr.Do(func() { go h.writeLoop() })
}

// detach drops the transport without stopping the writer; queued events
// delivered while detached are discarded, matching the no-replay rule.
func (h *Handle) detach() {
	h.mu.Lock()
	h.transport = nil
	if h.state == StateConnected {
		h.state = StateReconnecting
	}
	h.mu.Unlock()
}

// close moves the handle to its terminal state and stops the writer.
func (h *Handle) close() {
	h.mu.Lock()
	tr := h.transport
	h.transport = nil
	h.state = StateDisconnected
	h.mu.Unlock()
	h.stopWr.Do(func() { close(h.done) })
	if tr != nil {
		_ = tr.Close()
	}
}

// enqueue adds a durable event to the outbound queue without blocking.
// A full queue means the consumer is too slow; the delivery is dropped,
// never retried.
func (h *Handle) enqueue(ev protocol.Event) bool {
	select {
	case h.out <- ev:
		return true
	case <-h.done:
		return false
	default:
		h.logger.Debug("outbound queue full, dropping event", "conn_id", h.id, "event", ev.Type)
		return false
	}
}

// enqueueTyping adds a typing pulse to the lossy side-channel.
func (h *Handle) enqueueTyping(ev protocol.Event) bool {
	select {
	case h.typing <- ev:
		return true
	default:
		return false
	}
}

// sendLocal pushes a connection-local event (connectivity, errors) onto the
// durable queue so it interleaves with regular delivery.
func (h *Handle) sendLocal(ev protocol.Event) {
	h.enqueue(ev)
}

func (h *Handle) writeLoop() {
	for {
		select {
		case ev := <-h.out:
			h.deliver(ev)
		case ev := <-h.typing:
			h.deliver(ev)
		case <-h.done:
			return
		}
	}
}

func (h *Handle) deliver(ev protocol.Event) {
	h.mu.Lock()
	tr := h.transport
	h.mu.Unlock()
	if tr == nil {
		// Transport gone (reconnecting or closed): drop silently.
		return
	}
	if err := tr.Send(ev); err != nil {
		h.logger.Debug("send failed", "conn_id", h.id, "event", ev.Type, "error", err)
	}
}
