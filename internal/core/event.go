package core

// Event is an outbound frame: a named payload delivered to sessions. The name
// is the wire event type ("voice:user-joined", "call:ended", ...).
type Event struct {
	Name string
	Data any
}

// NewEvent builds an event for delivery through rooms or personal queues.
func NewEvent(name string, data any) *Event {
	return &Event{Name: name, Data: data}
}
