// Package s2s defines the Provider interface for speech-to-speech streaming
// backends.
//
// An S2S provider wraps a real-time voice model that accepts raw microphone
// audio and streams synthesised speech back over a single, stateful
// connection. The central abstraction is SessionHandle: outbound audio goes
// in through a non-blocking, bounded send queue; everything the remote end
// says comes back, in order, on one event channel.
//
// Session lifecycle:
//
//	Idle → Connecting → Open → Closing → Closed
//
// Closed is terminal. A closed session cannot be reopened; call
// [Provider.Connect] again for a new one. Providers never reconnect on their
// own.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
)

var (
	// ErrTransport marks network and protocol failures: failed dials, failed
	// handshakes, broken connections, and fatal errors reported by the remote
	// model. Test with errors.Is.
	ErrTransport = errors.New("s2s: transport error")

	// ErrQueueFull is returned by [SessionHandle.SendAudio] when the send
	// queue is full and the chunk was dropped. It is backpressure, not a
	// failure: callers count the drop and carry on.
	ErrQueueFull = errors.New("s2s: send queue full, chunk dropped")

	// ErrSessionClosed is returned by send methods once the session is no
	// longer open.
	ErrSessionClosed = errors.New("s2s: session closed")
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Instructions is the persona / system instruction for the model.
	Instructions string

	// Voice is the provider's identifier for the output voice. Empty selects
	// the provider default.
	Voice string
}

// Capabilities describes static properties of the S2S provider.
type Capabilities struct {
	// MaxSessionDurationMs is the provider's hard limit on session lifetime.
	// Zero means no documented limit.
	MaxSessionDurationMs int

	// InputSampleRate and OutputSampleRate are the wire rates of the PCM16
	// audio the provider consumes and produces.
	InputSampleRate  int
	OutputSampleRate int

	// Voices lists the voice identifiers accepted in SessionConfig.Voice.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live connection.
type SessionHandle interface {
	// SendAudio enqueues an encoded capture chunk for transmission and returns
	// immediately. Chunks are sent in the order they were enqueued. When the
	// queue is full the chunk is dropped and [ErrQueueFull] is returned; after
	// the session has left the Open state [ErrSessionClosed] is returned.
	SendAudio(chunk audio.EncodedChunk) error

	// SendText sends a complete user text turn to the model.
	SendText(text string) error

	// Events returns the channel on which remote events are delivered in
	// arrival order. Exactly one terminal event ([EventClosed] or
	// [EventError]) is delivered if the remote end or the transport ends the
	// session; the channel is closed afterwards. A session ended by Close
	// delivers no terminal event. Consumers must drain the channel promptly.
	Events() <-chan Event

	// State returns the current lifecycle state.
	State() State

	// Close shuts the session down gracefully, bounded by the provider's
	// close timeout even if the remote end never acknowledges. After Close
	// returns no further events are delivered and the Events channel is
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a new session and returns once the remote endpoint has
	// signalled that it is ready. On failure it returns a nil handle and an
	// error wrapping [ErrTransport] (or ctx's error); nothing is left open.
	// The caller owns the returned handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
