package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/converso-chat/converso/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsTransport adapts a gorilla WebSocket connection to the Transport
// interface. The mutex serializes all writes, keepalive pings included.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) sendRaw(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// GatewayOptions configures the WebSocket gateway.
type GatewayOptions struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // max inbound frame size; default 64KB

	// OnActivity, when set, is invoked after each successful registration or
	// publish with the session key, letting the surrounding app refresh
	// session-metadata last-activity without coupling the broker to storage.
	OnActivity func(sessionKey string)
}

// Gateway terminates chat WebSocket connections and drives the registry,
// router and presence manager from each connection's inbound stream.
type Gateway struct {
	registry   *Registry
	router     *Router
	presence   *Presence
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxMsgSize int64
	onActivity func(sessionKey string)
}

// NewGateway creates a gateway over the given broker components.
func NewGateway(registry *Registry, router *Router, presence *Presence, logger *slog.Logger, opts GatewayOptions) *Gateway {
	maxMsg := opts.MaxMessageBytes
	if maxMsg == 0 {
		maxMsg = 64 * 1024
	}
	return &Gateway{
		registry:   registry,
		router:     router,
		presence:   presence,
		logger:     logger.With("component", "gateway"),
		upgrader:   makeUpgrader(opts.AllowedOrigins),
		maxMsgSize: maxMsg,
		onActivity: opts.OnActivity,
	}
}

// HandleChatWS handles GET /ws/chat. Each connection's stream is processed
// independently; the first frame must be a registration or a resume.
func (g *Gateway) HandleChatWS(w http.ResponseWriter, req *http.Request) {
	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	tr := &wsTransport{conn: conn}
	defer func() { _ = tr.Close() }()

	conn.SetReadLimit(g.maxMsgSize)
	cancelKeepalive := startWSKeepalive(conn, &tr.mu)
	defer cancelKeepalive()

	var handle *Handle
	defer func() {
		if handle == nil {
			return
		}
		// Read loop ended. A clean close is terminal; anything else starts
		// the reconnection grace window.
		if handle.State() == StateDisconnected {
			return
		}
		g.presence.MarkDisconnected(handle.ID())
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if handle != nil && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.presence.Close(handle.ID())
			}
			g.logger.Debug("read loop ended", "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var inv protocol.Invocation
		if err := json.Unmarshal(msg, &inv); err != nil {
			g.logger.Warn("invalid frame", "error", err)
			continue
		}

		if handle == nil {
			handle = g.handleAttach(tr, inv)
			continue
		}
		g.handleInvocation(tr, handle, inv)
	}
}

// handleAttach processes the first frame of a connection: a registration
// (which mints a new connection ID) or a resume of a prior one.
func (g *Gateway) handleAttach(tr *wsTransport, inv protocol.Invocation) *Handle {
	switch inv.Type {
	case protocol.InvokeRegisterAgent, protocol.InvokeRegisterUser, protocol.InvokeRegisterBot:
		role := roleForInvocation(inv.Type)
		h, err := g.registry.Register(inv.SessionID, uuid.New().String(), role, inv.Name)
		if err != nil {
			g.sendError(tr, err)
			return nil
		}
		h.Attach(tr)
		_ = tr.sendRaw(protocol.Registered{Type: "registered", ConnID: h.ID(), SessionID: h.SessionKey()})
		g.touch(h.SessionKey())
		g.logger.Info("participant joined", "session", h.SessionKey(), "role", role, "name", inv.Name, "conn_id", h.ID())
		return h

	case protocol.InvokeResume:
		h, err := g.presence.Resume(inv.ConnID, tr)
		if err != nil {
			g.sendError(tr, err)
			return nil
		}
		_ = tr.sendRaw(protocol.Registered{Type: "registered", ConnID: h.ID(), SessionID: h.SessionKey()})
		return h

	default:
		g.sendError(tr, ErrUnknownConnection)
		return nil
	}
}

func (g *Gateway) handleInvocation(tr *wsTransport, h *Handle, inv protocol.Invocation) {
	session := h.SessionKey()

	switch inv.Type {
	case protocol.InvokeRegisterAgent, protocol.InvokeRegisterUser, protocol.InvokeRegisterBot:
		// Registration is idempotent per connection.
		_ = tr.sendRaw(protocol.Registered{Type: "registered", ConnID: h.ID(), SessionID: session})

	case protocol.InvokeAgentReply:
		g.publish(tr, h, protocol.NewAgentMessage(inv.Text, inv.AgentName))

	case protocol.InvokeUserMessage:
		g.publish(tr, h, protocol.NewUserMessage(inv.Text))

	case protocol.InvokeBotMessage:
		g.publish(tr, h, protocol.NewBotMessage(inv.Text))

	case protocol.InvokeTyping:
		g.router.PublishTyping(session, h.ID())

	case protocol.InvokeFileNotice:
		g.publish(tr, h, protocol.NewFileUpload(inv.FileName, inv.FileSize, inv.FileType, inv.Text))

	case protocol.InvokeAgentModeOn:
		_ = g.registry.SetAgentMode(h.ID(), true)

	case protocol.InvokeAgentModeOff:
		_ = g.registry.SetAgentMode(h.ID(), false)

	default:
		g.logger.Warn("unknown invocation", "type", inv.Type, "conn_id", h.ID())
	}
}

func (g *Gateway) publish(tr *wsTransport, h *Handle, ev protocol.Event) {
	if _, err := g.router.Publish(h.SessionKey(), ev, h.ID()); err != nil {
		g.sendError(tr, err)
		return
	}
	g.touch(h.SessionKey())
}

func (g *Gateway) touch(sessionKey string) {
	if g.onActivity != nil {
		g.onActivity(sessionKey)
	}
}

func (g *Gateway) sendError(tr *wsTransport, err error) {
	code := "internal"
	switch {
	case errors.Is(err, ErrInvalidSession):
		code = "invalid_session"
	case errors.Is(err, ErrInvalidPayload):
		code = "invalid_payload"
	case errors.Is(err, ErrUnknownConnection):
		code = "unknown_connection"
	}
	_ = tr.sendRaw(protocol.Event{Type: protocol.EventError, Code: code, Message: err.Error()})
}

func roleForInvocation(t string) protocol.Role {
	switch t {
	case protocol.InvokeRegisterAgent:
		return protocol.RoleAgent
	case protocol.InvokeRegisterBot:
		return protocol.RoleBot
	default:
		return protocol.RoleUser
	}
}
