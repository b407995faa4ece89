package core

// Session is one live connection bound to a principal. Fields below Events are
// only touched from the connection's own handler goroutine; cross-goroutine
// state lives in State and the coordinators.
type Session struct {
	ID        string
	Principal Principal
	Events    chan *Event
	DeviceID  string

	CurrentServer       string
	CurrentChannel      string
	CurrentDM           string
	CurrentVoiceChannel string
}

// NewSession constructs a session with a buffered event queue.
func NewSession(id string, p Principal) *Session {
	return &Session{
		ID:        id,
		Principal: p,
		Events:    make(chan *Event, 64),
	}
}

// Send queues an event for the session's write loop. A vanished or slow peer
// drops the event; delivery is never an error.
func (s *Session) Send(ev *Event) {
	select {
	case s.Events <- ev:
	default:
	}
}
