package broker

import (
	"log/slog"

	"github.com/converso-chat/converso/pkg/protocol"
)

// DeliveryReport summarizes one fan-out: how many members the event was
// queued for, how many were excluded by a routing rule, and how many
// deliveries were dropped because the member's queue was full or closed.
type DeliveryReport struct {
	Delivered  int
	Suppressed int
	Dropped    int
}

// Router validates typed events and fans them out to every member of the
// event's session, applying the role-scoped routing rules in one place.
type Router struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger.With("component", "router"),
	}
}

// Publish delivers ev to the members of sessionKey. Delivery to each
// recipient is fire-and-forget: the call enqueues onto every member's
// outbound queue and returns without waiting for any transport write, so a
// disconnected recipient is skipped, never an error. Events published
// sequentially by one sender reach every recipient in publish order.
func (r *Router) Publish(sessionKey string, ev protocol.Event, senderConnID string) (DeliveryReport, error) {
	var report DeliveryReport

	if err := validate(ev); err != nil {
		return report, err
	}

	members := r.registry.MembersOf(sessionKey)
	if len(members) == 0 {
		return report, ErrInvalidSession
	}

	for _, m := range members {
		if excluded(ev, m) {
			report.Suppressed++
			continue
		}
		if m.enqueue(ev) {
			report.Delivered++
		} else {
			report.Dropped++
		}
	}

	r.logger.Debug("published",
		"session", sessionKey, "event", ev.Type, "sender", senderConnID,
		"delivered", report.Delivered, "suppressed", report.Suppressed, "dropped", report.Dropped)
	return report, nil
}

// PublishTyping pushes a typing pulse on the lossy side-channel: no queueing
// guarantees, no retry, no ordering relative to the durable path. An unknown
// or empty session is a silent no-op.
func (r *Router) PublishTyping(sessionKey, senderConnID string) DeliveryReport {
	var report DeliveryReport
	ev := protocol.NewTyping()
	for _, m := range r.registry.MembersOf(sessionKey) {
		if m.enqueueTyping(ev) {
			report.Delivered++
		} else {
			report.Dropped++
		}
	}
	return report
}

// validate rejects message events whose required text field is empty.
func validate(ev protocol.Event) error {
	switch ev.Type {
	case protocol.EventAgentMessage, protocol.EventBotMessage, protocol.EventUserMessage:
		if ev.Message == "" {
			return ErrInvalidPayload
		}
		if ev.Type == protocol.EventAgentMessage && (ev.Agent == nil || ev.Agent.Name == "") {
			return ErrInvalidPayload
		}
	}
	return nil
}

// excluded is the routing predicate deciding whether a member is skipped:
//
//   - an agent_message is never delivered to an agent carrying the sender's
//     display name, so an agent does not see its own broadcast again (the
//     originating client already rendered it locally);
//   - a file_upload notification only reaches members that opted in via
//     agent mode;
//   - every other event type reaches every member, sender included.
func excluded(ev protocol.Event, m *Handle) bool {
	switch ev.Type {
	case protocol.EventAgentMessage:
		return m.Role() == protocol.RoleAgent && ev.Agent != nil && m.DisplayName() == ev.Agent.Name
	case protocol.EventFileUpload:
		return !m.AgentMode()
	}
	return false
}
