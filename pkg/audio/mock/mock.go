// Package mock provides in-memory implementations of the [audio.Microphone]
// and [audio.Speaker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so that tests can
// assert on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	spk := &mock.Speaker{}
//	capture, _ := mic.Start(onFrame)
//	mic.Emit(audio.Frame{Samples: block, SampleRate: 16000})
//	out, _ := spk.Open(audio.Format{SampleRate: 24000, Channels: 1})
//	spk.Timeline().Advance(time.Second)
package mock

import (
	"sync"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio/playout"
)

var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Capture    = (*Capture)(nil)
	_ audio.Speaker    = (*Speaker)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [audio.Microphone]. Frames are injected with
// [Microphone.Emit] and delivered to the most recent Start callback unless
// its capture was stopped.
type Microphone struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// StopErr, if non-nil, is returned by every Capture.Stop.
	StopErr error

	// StartCalls is the number of times Start was called.
	StartCalls int

	current *Capture
}

// Start records the call and returns a new [Capture] bound to onFrame.
func (m *Microphone) Start(onFrame func(audio.Frame)) (audio.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls++
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	c := &Capture{onFrame: onFrame, stopErr: m.StopErr}
	m.current = c
	return c, nil
}

// Emit delivers f to the active capture's callback synchronously. It returns
// false when there is no running capture.
func (m *Microphone) Emit(f audio.Frame) bool {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return false
	}
	return c.emit(f)
}

// Capture returns the most recently started capture, or nil.
func (m *Microphone) Capture() *Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Capture is a mock [audio.Capture].
type Capture struct {
	mu        sync.Mutex
	onFrame   func(audio.Frame)
	stopped   bool
	stopErr   error
	stopCalls int
	emitted   int
}

// emit holds the capture lock across the callback so Stop cannot return while
// a frame is being delivered, mirroring a real device stream.
func (c *Capture) emit(f audio.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.emitted++
	c.onFrame(f)
	return true
}

// Stop marks the capture stopped. Only the first call returns StopErr.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	if c.stopped {
		return nil
	}
	c.stopped = true
	return c.stopErr
}

// Stopped reports whether Stop has been called.
func (c *Capture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// StopCalls returns the number of Stop calls.
func (c *Capture) StopCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCalls
}

// Emitted returns the number of frames delivered to the callback.
func (c *Capture) Emitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitted
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock [audio.Speaker] whose outputs are [playout.Timeline]
// values that only advance when the test renders them.
type Speaker struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// CloseErr, if non-nil, is returned when the opened output is closed.
	CloseErr error

	// OpenCalls records the formats passed to Open.
	OpenCalls []audio.Format

	closeCalls int
	timeline   *playout.Timeline
}

// Open records the call and returns a fresh timeline.
func (s *Speaker) Open(format audio.Format) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, format)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	closeErr := s.CloseErr
	s.timeline = playout.New(format, playout.WithCloseHook(func() error {
		s.mu.Lock()
		s.closeCalls++
		s.mu.Unlock()
		return closeErr
	}))
	return s.timeline, nil
}

// Timeline returns the most recently opened output, or nil.
func (s *Speaker) Timeline() *playout.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

// CloseCalls returns how many opened outputs have been closed.
func (s *Speaker) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
