package s2s

import "github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"

// EventType discriminates the events a session delivers.
type EventType int

const (
	// EventAudio carries one reply fragment in Event.Audio.
	EventAudio EventType = iota + 1

	// EventInterrupted reports that the model's current reply was cut off,
	// typically by new user speech. Consumers must drop every reply fragment
	// that has not played yet.
	EventInterrupted

	// EventClosed reports that the remote end closed the session normally.
	EventClosed

	// EventError reports a fatal transport failure in Event.Err.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single inbound event. Exactly one of the payload fields is
// meaningful, selected by Type.
type Event struct {
	Type EventType

	// Audio is set for EventAudio.
	Audio audio.EncodedChunk

	// Err is set for EventError and wraps [ErrTransport].
	Err error
}

// Terminal reports whether the event ends the session.
func (e Event) Terminal() bool {
	return e.Type == EventClosed || e.Type == EventError
}

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
