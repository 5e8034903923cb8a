// Package bus is the process-local event fan-out connecting the
// AgentManager to interested components (offline-queue dispatcher, audit
// logging). It is deliberately not a general pub/sub: the event set is fixed.
package bus

// Event names.
const (
	EventAgentConnected    = "agent:connected"
	EventAgentDisconnected = "agent:disconnected"
)

// Event is a broadcast server-side event.
type Event struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// The AgentManager publishes; the queue dispatcher subscribes. Neither
// holds a handle to the other.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
