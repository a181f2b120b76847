// Package audio defines the sample types, the PCM16 wire codec, and the
// device interfaces of the voice session.
//
// Devices come in two halves:
//
//   - [Microphone] produces fixed-size [Frame] blocks on the host audio clock.
//   - [Speaker] opens an [Output]: an output clock onto which decoded
//     [Buffer] values are placed at absolute start times.
//
// Concrete devices live in sub-packages (portaudio); in-memory doubles live
// in the mock sub-package.
package audio

import (
	"errors"
	"time"
)

// ErrPermissionDenied is returned (wrapped) by [Microphone.Start] when the
// input device cannot be acquired. It is fatal to a session attempt.
var ErrPermissionDenied = errors.New("audio: microphone unavailable")

// Microphone acquires an input device and streams frames from it.
type Microphone interface {
	// Start opens the device and begins invoking onFrame once per captured
	// block, on the audio subsystem's own goroutine and cadence. onFrame must
	// return quickly. On failure nothing is left running and the error wraps
	// [ErrPermissionDenied].
	Start(onFrame func(Frame)) (Capture, error)
}

// Capture is a running microphone stream.
type Capture interface {
	// Stop disconnects the stream and releases the device. After Stop returns
	// onFrame is never invoked again. Calling Stop more than once is a no-op.
	Stop() error
}

// Speaker opens output streams.
type Speaker interface {
	// Open starts an output stream in the given format. The returned Output's
	// clock starts at zero.
	Open(format Format) (Output, error)
}

// Output is an output stream with a monotonic clock against which buffers are
// scheduled. Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current output-clock time: the amount of audio the
	// device has rendered so far.
	Now() time.Duration

	// Play schedules buf to start at output-clock time at. A start time in
	// the past plays as soon as possible. onEnded, when non-nil, is called
	// once after the last sample has been rendered; it is never called
	// synchronously from Play and never after [Voice.Stop].
	Play(buf Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops every voice and releases the device. Idempotent.
	Close() error
}

// Voice is a buffer scheduled on an [Output].
type Voice interface {
	// Span returns the output-clock interval the voice occupies. start is
	// later than the requested time when the clock had already passed it.
	Span() (start, end time.Duration)

	// Stop silences the voice immediately. Idempotent.
	Stop()
}
