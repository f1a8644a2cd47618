package realtime

// Outbound event names.
const (
	EventMessageNew    = "message.new"
	EventAgentAssigned = "agent.assigned"
	EventAgentHandoff  = "agent.handoff"
	EventUpdateQueue   = "agent.updateQueue"
	EventChatClosed    = "chat.closed"
	EventError         = "error"
)

// Event is one notification delivered to subscribers.
type Event struct {
	Name      string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// NewEvent builds an event scoped to a session.
func NewEvent(name, sessionID string, data any) Event {
	return Event{Name: name, SessionID: sessionID, Data: data}
}
