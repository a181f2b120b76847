// Package playout provides the output clock shared by every speaker
// implementation.
//
// A [Timeline] is an [audio.Output] whose clock advances only when the device
// pulls samples through [Timeline.Render]. Voices are placed on the timeline
// at absolute sample positions, so back-to-back buffers are rendered without
// a gap or an overlap regardless of how the device sizes its callbacks.
//
// Devices call Render from their audio callback; tests call it directly to
// advance the clock deterministically.
package playout

import (
	"errors"
	"sync"
	"time"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
)

// ErrClosed is returned by [Timeline.Play] after [Timeline.Close].
var ErrClosed = errors.New("playout: timeline closed")

var _ audio.Output = (*Timeline)(nil)

// Timeline mixes scheduled voices into an interleaved output stream. It is
// safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu       sync.Mutex
	rendered int64 // frames rendered so far; the clock
	voices   map[*voice]struct{}
	closed   bool
	onClose  func() error
}

// Option configures a [Timeline].
type Option func(*Timeline)

// WithCloseHook registers fn to run once when the timeline is closed. Devices
// use it to stop their stream.
func WithCloseHook(fn func() error) Option {
	return func(t *Timeline) { t.onClose = fn }
}

// New creates a Timeline rendering in the given format. A zero channel count
// means mono.
func New(format audio.Format, opts ...Option) *Timeline {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	t := &Timeline{
		format: format,
		voices: make(map[*voice]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Format returns the device format the timeline renders in.
func (t *Timeline) Format() audio.Format { return t.format }

// Now returns the duration of audio rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.rendered)
}

// Active returns the number of voices that have not finished or been stopped.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Play places buf on the timeline starting at at, or at the current clock
// if at has already been rendered. The clamp happens under the same lock
// Render takes, so [audio.Voice.Span] always reports where the voice really
// plays. Buffers in a different format are converted to the device format
// first.
func (t *Timeline) Play(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	converted := audio.Convert(buf, t.format)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	start := t.durationToFrames(at)
	if start < t.rendered {
		start = t.rendered
	}
	v := &voice{
		t:       t,
		samples: converted.Channels,
		start:   start,
		frames:  int64(converted.Frames()),
		onEnded: onEnded,
	}
	t.voices[v] = struct{}{}
	return v, nil
}

// Render fills out (interleaved, len a multiple of the channel count) with
// the mix of every voice overlapping the next len(out)/channels frames and
// advances the clock. Completion callbacks run after the internal lock is
// released, on the calling goroutine.
func (t *Timeline) Render(out []float32) {
	clear(out)
	channels := t.format.Channels
	n := int64(len(out) / channels)

	var ended []func()

	t.mu.Lock()
	from, to := t.rendered, t.rendered+n
	for v := range t.voices {
		end := v.start + v.frames
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			src := f - v.start
			base := (f - from) * int64(channels)
			for ch := range channels {
				out[base+int64(ch)] += v.samples[ch][src]
			}
		}
		if end <= to {
			delete(t.voices, v)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	t.rendered = to
	t.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// Advance renders d worth of audio and discards it. Useful for driving the
// clock without a device.
func (t *Timeline) Advance(d time.Duration) {
	frames := t.durationToFrames(d)
	if frames <= 0 {
		return
	}
	t.Render(make([]float32, frames*int64(t.format.Channels)))
}

// Close drops every voice without invoking completion callbacks and runs the
// close hook. Idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	clear(t.voices)
	hook := t.onClose
	t.mu.Unlock()

	if hook != nil {
		return hook()
	}
	return nil
}

func (t *Timeline) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	rate := int64(t.format.SampleRate)
	return (int64(d)*rate + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) framesToDuration(frames int64) time.Duration {
	rate := int64(t.format.SampleRate)
	if rate <= 0 {
		return 0
	}
	return time.Duration((frames*int64(time.Second) + rate/2) / rate)
}

type voice struct {
	t       *Timeline
	samples [][]float32
	start   int64
	frames  int64
	onEnded func()
}

// Span converts the voice's frame positions to clock time. Both ends come
// from integer frame counts, so a buffer placed at a previous voice's end
// starts on exactly the next frame.
func (v *voice) Span() (start, end time.Duration) {
	return v.t.framesToDuration(v.start), v.t.framesToDuration(v.start + v.frames)
}

// Stop removes the voice from the timeline. Idempotent.
func (v *voice) Stop() {
	v.t.mu.Lock()
	delete(v.t.voices, v)
	v.t.mu.Unlock()
}
