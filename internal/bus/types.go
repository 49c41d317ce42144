// Package bus is the in-process event fan-out between the agent
// directory, the coordination bus, and the transport layer.
package bus

// Event names published on the fabric bus.
const (
	EventAgentTransition = "agent.transition" // directory state machine moves
	EventInboxPosted     = "inbox.posted"     // a message landed in an inbox
	EventDelegation      = "delegation"       // delegation state change
	EventSyncRound       = "sync.round"       // a sync round completed
)

// Event is one server-side event broadcast to subscribers.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// AgentTransitionPayload describes a directory state machine move.
type AgentTransitionPayload struct {
	AgentID   string `json:"agent_id"`
	MachineID string `json:"machine_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// InboxPostedPayload signals a new message for an agent.
type InboxPostedPayload struct {
	AgentID   string `json:"agent_id"`
	MessageID string `json:"message_id"`
}

// DelegationPayload describes a delegation state change.
type DelegationPayload struct {
	DelegationID string `json:"delegation_id"`
	State        string `json:"state"`
	AssignedTo   string `json:"assigned_to,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast and subscription. Used by
// the coordination bus and the transport server to decouple from the
// concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
