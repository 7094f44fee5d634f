// Package protocol defines the wire format exchanged between chat clients
// and the Converso hub over WebSocket.
//
// Clients send Invocation frames (a "type" field selecting the hub
// operation); the hub pushes Event frames on a single typed stream, also
// tagged by "type". Field names match the browser client's expectations.
package protocol

// EventType discriminates the variants of an Event.
type EventType string

const (
	EventSystemMessage EventType = "system_message"
	EventUserMessage   EventType = "user_message"
	EventBotMessage    EventType = "bot_message"
	EventAgentMessage  EventType = "agent_message"
	EventTyping        EventType = "typing"
	EventFileUpload    EventType = "file_upload"

	// Connectivity events are delivered only to the owning connection,
	// never broadcast to the session.
	EventReconnecting EventType = "reconnecting"
	EventReconnected  EventType = "reconnected"
	EventClosed       EventType = "closed"

	// EventError reports a rejected send back to the originating client.
	EventError EventType = "error"
)

// AgentInfo identifies the human agent that authored an agent_message.
type AgentInfo struct {
	Name string `json:"name"`
}

// Event is the tagged union pushed to every session member. Payload fields
// are populated according to Type; an Event is immutable once constructed.
type Event struct {
	Type    EventType  `json:"type"`
	Message string     `json:"message,omitempty"`
	Agent   *AgentInfo `json:"agent,omitempty"`

	// file_upload fields.
	FileName string `json:"fileName,omitempty"`
	FileSize string `json:"fileSize,omitempty"`
	FileType string `json:"fileType,omitempty"`

	// error fields.
	Code string `json:"code,omitempty"`
}

// NewSystemMessage builds a system_message event.
func NewSystemMessage(text string) Event {
	return Event{Type: EventSystemMessage, Message: text}
}

// NewUserMessage builds a user_message event.
func NewUserMessage(text string) Event {
	return Event{Type: EventUserMessage, Message: text}
}

// NewBotMessage builds a bot_message event.
func NewBotMessage(text string) Event {
	return Event{Type: EventBotMessage, Message: text}
}

// NewAgentMessage builds an agent_message event attributed to agentName.
func NewAgentMessage(text, agentName string) Event {
	return Event{Type: EventAgentMessage, Message: text, Agent: &AgentInfo{Name: agentName}}
}

// NewTyping builds a typing pulse.
func NewTyping() Event {
	return Event{Type: EventTyping}
}

// NewFileUpload builds a file_upload notification. Size is pre-formatted
// for display ("1.2 MB"); fileType is the extension including the dot.
func NewFileUpload(fileName, fileSize, fileType, text string) Event {
	return Event{
		Type:     EventFileUpload,
		FileName: fileName,
		FileSize: fileSize,
		FileType: fileType,
		Message:  text,
	}
}

// Role classifies a session participant.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleBot   Role = "bot"
)

// --- Client → hub invocations ---

const (
	InvokeRegisterAgent = "register_agent"
	InvokeRegisterUser  = "register_user"
	InvokeRegisterBot   = "register_bot"
	InvokeResume        = "resume"
	InvokeAgentReply    = "agent_reply"
	InvokeUserMessage   = "user_message"
	InvokeBotMessage    = "bot_message"
	InvokeTyping        = "typing"
	InvokeFileNotice    = "file_notice"
	InvokeAgentModeOn   = "agent_mode_on"
	InvokeAgentModeOff  = "agent_mode_off"
)

// Invocation is the client→hub frame.
type Invocation struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	Name      string `json:"name,omitempty"` // display name on registration

	// resume: the connection ID issued by a prior Registered frame.
	ConnID string `json:"conn_id,omitempty"`

	// file_notice fields.
	FileName string `json:"fileName,omitempty"`
	FileSize string `json:"fileSize,omitempty"`
	FileType string `json:"fileType,omitempty"`
}

// Registered is the hub's acknowledgment of a registration or resume. The
// connection ID is what a client presents in a later resume invocation.
type Registered struct {
	Type      string `json:"type"` // always "registered"
	ConnID    string `json:"conn_id"`
	SessionID string `json:"session_id"`
}
