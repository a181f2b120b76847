// Package scheduler places decoded reply audio on an output clock so that
// consecutive buffers play back-to-back and can be silenced at any moment.
//
// The [Scheduler] keeps a single cursor, the output-clock time at which the
// next buffer starts. Each buffer starts exactly where the previous one ends.
// When the queue has run dry the cursor has fallen behind the clock, and the
// next buffer starts "now" instead of in the past. The cursor always comes
// from the span the output reports for the previous buffer. [Scheduler.Flush] stops
// every buffer that has not finished playing and resets the cursor; it is
// used on interruption and on teardown.
//
// The set of in-flight sources is owned by the Scheduler. Callers only see
// value snapshots ([Source]); the live voices never leave the package.
package scheduler

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("scheduler: closed")

// Clock is the part of [audio.Output] the scheduler needs.
type Clock interface {
	Now() time.Duration
	Play(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error)
}

// Source describes one scheduled buffer.
type Source struct {
	// ID is unique per Scheduler and increases with every scheduled buffer.
	ID uint64

	// Start is the output-clock time at which playback begins.
	Start time.Duration

	// Duration is the buffer's playback length.
	Duration time.Duration
}

// End returns Start + Duration.
func (s Source) End() time.Duration { return s.Start + s.Duration }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithUnderrunHook registers fn to be told how far the cursor had fallen
// behind the clock whenever a buffer arrives after the queue ran dry. The hook
// is called with the scheduler lock held and must not call back into it.
func WithUnderrunHook(fn func(gap time.Duration)) Option {
	return func(s *Scheduler) { s.onUnderrun = fn }
}

// Scheduler is the gapless playback queue. All methods are safe for concurrent
// use; completion callbacks from the output and calls from the session's
// dispatch loop are serialised by one mutex.
type Scheduler struct {
	clock      Clock
	onUnderrun func(time.Duration)

	mu        sync.Mutex
	nextStart time.Duration
	sources   map[uint64]*tracked
	seq       uint64
	closed    bool
}

type tracked struct {
	src   Source
	voice audio.Voice
}

// New creates a Scheduler that plays through clock.
func New(clock Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clock,
		sources: make(map[uint64]*tracked),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule places buf on the output clock at the cursor, resetting the cursor
// to the current clock time first if it has fallen behind. The cursor then
// moves to the end of the span the output actually gave the buffer: the
// device may render between Now and Play, and the output converts times to
// whole frames, so neither the requested start nor buf.Duration is trusted.
func (s *Scheduler) Schedule(buf audio.Buffer) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Source{}, ErrClosed
	}

	cursor := s.nextStart
	if now := s.clock.Now(); s.nextStart < now {
		s.nextStart = now
	}

	s.seq++
	id := s.seq
	v, err := s.clock.Play(buf, s.nextStart, func() { s.ended(id) })
	if err != nil {
		return Source{}, err
	}
	start, end := v.Span()
	if cursor > 0 && start > cursor && s.onUnderrun != nil {
		s.onUnderrun(start - cursor)
	}

	src := Source{ID: id, Start: start, Duration: end - start}
	s.sources[id] = &tracked{src: src, voice: v}
	s.nextStart = end
	return src, nil
}

// ended removes a source that finished playing on its own.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.sources, id)
	s.mu.Unlock()
}

// Flush stops every tracked source, clears the set, and resets the cursor to
// zero. It returns the number of sources stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Scheduler) flushLocked() int {
	n := len(s.sources)
	for id, t := range s.sources {
		t.voice.Stop()
		delete(s.sources, id)
	}
	s.nextStart = 0
	return n
}

// Close flushes the scheduler and rejects further buffers. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.flushLocked()
	return nil
}

// NextStart returns the cursor: the start time the next buffer would get if
// the clock has not overtaken it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Pending returns the number of tracked sources that have neither finished
// nor been stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Sources returns a snapshot of the tracked sources ordered by start time.
func (s *Scheduler) Sources() []Source {
	s.mu.Lock()
	out := make([]Source, 0, len(s.sources))
	for _, t := range s.sources {
		out = append(out, t.src)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Source) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return out
}
