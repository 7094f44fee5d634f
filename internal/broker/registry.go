// Package broker implements the real-time session message broker: a session
// registry of live connections, a message router with role-aware fan-out,
// presence tracking with reconnection grace, and a lossy typing channel.
package broker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/converso-chat/converso/pkg/protocol"
)

var (
	// ErrInvalidSession marks an empty session key, or a publish against a
	// session with no members.
	ErrInvalidSession = errors.New("invalid session")

	// ErrInvalidPayload marks a message event with an empty required text
	// field.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownConnection marks an operation against a connection ID the
	// registry does not know (expired or never registered).
	ErrUnknownConnection = errors.New("unknown connection")
)

// session is one registry entry: the set of live handles for a session key.
// Membership mutations and snapshots are serialized on the entry's own
// mutex so unrelated sessions never contend.
type session struct {
	key       string
	createdAt time.Time

	mu      sync.Mutex
	members map[string]*Handle // conn_id -> handle
}

// RegistryOptions configures handle queue sizes.
type RegistryOptions struct {
	OutboundBuffer int // durable queue per handle; default 256
	TypingBuffer   int // typing side-channel per handle; default 4
}

// Registry maps session keys to their live connection handles. It owns no
// chat content, only membership.
type Registry struct {
	logger    *slog.Logger
	outBuf    int
	typingBuf int

	mu       sync.RWMutex
	sessions map[string]*session
	handles  map[string]*Handle // conn_id -> handle, across all sessions
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts RegistryOptions) *Registry {
	outBuf := opts.OutboundBuffer
	if outBuf == 0 {
		outBuf = 256
	}
	typingBuf := opts.TypingBuffer
	if typingBuf == 0 {
		typingBuf = 4
	}
	return &Registry{
		logger:    logger.With("component", "registry"),
		outBuf:    outBuf,
		typingBuf: typingBuf,
		sessions:  make(map[string]*session),
		handles:   make(map[string]*Handle),
	}
}

// Register adds a new connection handle to a session, creating the session
// entry if absent. The returned handle is in Connecting state until a
// transport is attached.
func (r *Registry) Register(sessionKey, connID string, role protocol.Role, displayName string) (*Handle, error) {
	if sessionKey == "" {
		return nil, ErrInvalidSession
	}

	h := newHandle(connID, sessionKey, role, displayName, r.outBuf, r.typingBuf, r.logger)

	r.mu.Lock()
	if existing, ok := r.handles[connID]; ok {
		// Re-registration of a live connection is idempotent.
		r.mu.Unlock()
		return existing, nil
	}
	sess, ok := r.sessions[sessionKey]
	if !ok {
		sess = &session{
			key:       sessionKey,
			createdAt: time.Now(),
			members:   make(map[string]*Handle),
		}
		r.sessions[sessionKey] = sess
	}
	r.handles[connID] = h
	r.mu.Unlock()

	sess.mu.Lock()
	sess.members[connID] = h
	sess.mu.Unlock()

	r.logger.Debug("registered", "session", sessionKey, "conn_id", connID, "role", role, "name", displayName)
	return h, nil
}

// Unregister removes a handle from whichever session it belongs to and
// prunes the session entry if it became empty. Unregistering an absent
// connection is a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	h, ok := r.handles[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.handles, connID)
	sess := r.sessions[h.sessionKey]
	r.mu.Unlock()

	if sess == nil {
		return
	}

	sess.mu.Lock()
	delete(sess.members, connID)
	empty := len(sess.members) == 0
	sess.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check under the registry lock: a concurrent Register may have
		// repopulated the entry since the snapshot above.
		if cur, ok := r.sessions[h.sessionKey]; ok && cur == sess {
			sess.mu.Lock()
			if len(sess.members) == 0 {
				delete(r.sessions, h.sessionKey)
			}
			sess.mu.Unlock()
		}
		r.mu.Unlock()
	}

	r.logger.Debug("unregistered", "session", h.sessionKey, "conn_id", connID)
}

// MembersOf returns a point-in-time snapshot of the session's handles.
// Members may be added or removed concurrently after the snapshot; callers
// get at-least-once semantics against it.
func (r *Registry) MembersOf(sessionKey string) []*Handle {
	r.mu.RLock()
	sess, ok := r.sessions[sessionKey]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	out := make([]*Handle, 0, len(sess.members))
	for _, h := range sess.members {
		out = append(out, h)
	}
	sess.mu.Unlock()
	return out
}

// Lookup returns the handle for a connection ID, if any.
func (r *Registry) Lookup(connID string) (*Handle, bool) {
	r.mu.RLock()
	h, ok := r.handles[connID]
	r.mu.RUnlock()
	return h, ok
}

// SetAgentMode toggles the file-notification flag on one handle. Other
// participants' flags are unaffected; toggling is idempotent.
func (r *Registry) SetAgentMode(connID string, enabled bool) error {
	h, ok := r.Lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	h.setAgentMode(enabled)
	return nil
}

// SessionCount reports the number of live session entries.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
