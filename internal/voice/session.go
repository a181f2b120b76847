// Package voice runs one real-time tutoring conversation.
//
// A [Session] wires the microphone through the PCM codec into a streaming
// speech session, and the session's reply audio back through the codec into
// the playback scheduler:
//
//	Microphone → Encode → SessionHandle.SendAudio
//	SessionHandle.Events → Decode → Scheduler → Output
//
// A Session moves Idle → Connecting → Active → Closing → Closed and is used
// once; start a new one for a new conversation. Every resource it acquires
// (output device, streaming session, microphone) is released exactly once on
// every exit path, including failures and Stop calls in the middle of
// connecting. The caller learns how the session ended through a single
// Config.OnClose notification.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/observe"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio/scheduler"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
)

var (
	// ErrAlreadyStarted is returned by Start on a session that was already
	// started or stopped.
	ErrAlreadyStarted = errors.New("voice: session already started")

	// ErrStopped is returned by Start when Stop was called while it was
	// still connecting.
	ErrStopped = errors.New("voice: session stopped")
)

const defaultCloseTimeout = 5 * time.Second

// Config holds the collaborators and settings of a [Session]. Provider,
// Microphone, and Speaker are required.
type Config struct {
	// Provider opens the streaming speech session.
	Provider s2s.Provider

	// ProviderName labels connect metrics. Default: "unknown".
	ProviderName string

	// Microphone supplies capture frames.
	Microphone audio.Microphone

	// Speaker supplies the output clock that replies are scheduled on.
	Speaker audio.Speaker

	// Session is the persona and voice sent when connecting.
	Session s2s.SessionConfig

	// ReplyFormat is the wire format of reply audio whose MIME type does not
	// name one. Default: 24 kHz mono.
	ReplyFormat audio.Format

	// OutputFormat is the format the speaker is opened with. Default:
	// ReplyFormat.
	OutputFormat audio.Format

	// Greeting, if set, is sent as a text turn once the session is active so
	// the tutor speaks first.
	Greeting string

	// CloseTimeout bounds how long Stop waits for teardown. Default: 5s.
	CloseTimeout time.Duration

	// Metrics receives session instruments. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// OnStateChange, if set, is called after every state transition, in
	// transition order. It must not call Start.
	OnStateChange func(State)

	// OnClose, if set, is called exactly once when the session reaches
	// StateClosed.
	OnClose func(CloseReason)
}

// Session is one voice conversation. All methods are safe for concurrent use.
type Session struct {
	id      string
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	// transMu serialises transitions so OnStateChange sees them in order.
	transMu sync.Mutex

	mu            sync.Mutex
	state         State
	started       bool
	closing       bool
	reason        CloseReason
	cancelConnect context.CancelFunc
	output        audio.Output
	sched         *scheduler.Scheduler
	handle        s2s.SessionHandle
	capture       audio.Capture
	dispatching   bool
	active        bool

	// capturing gates the capture callback; it is cleared before the
	// microphone is stopped.
	capturing atomic.Bool

	closeOnce    sync.Once
	quit         chan struct{}
	dispatchDone chan struct{}
	done         chan struct{}
}

// New returns an idle Session. It panics if a required collaborator is nil.
func New(cfg Config) *Session {
	if cfg.Provider == nil || cfg.Microphone == nil || cfg.Speaker == nil {
		panic("voice: Config requires Provider, Microphone, and Speaker")
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "unknown"
	}
	if cfg.ReplyFormat.SampleRate <= 0 {
		cfg.ReplyFormat.SampleRate = audio.PlaybackSampleRate
	}
	if cfg.ReplyFormat.Channels <= 0 {
		cfg.ReplyFormat.Channels = 1
	}
	if cfg.OutputFormat.SampleRate <= 0 || cfg.OutputFormat.Channels <= 0 {
		cfg.OutputFormat = cfg.ReplyFormat
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	id := uuid.NewString()
	return &Session{
		id:           id,
		cfg:          cfg,
		log:          slog.With(observe.SessionIDKey, id),
		metrics:      cfg.Metrics,
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session ended. ok is false until the session has
// begun closing.
func (s *Session) Reason() (reason CloseReason, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.closing
}

// Done returns a channel that is closed once the session is Closed and every
// resource has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Pending returns the number of reply buffers scheduled but not yet played.
func (s *Session) Pending() int {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched == nil {
		return 0
	}
	return sched.Pending()
}

// Start opens the output, connects the streaming session, starts the
// microphone, and begins dispatching reply events. It returns once the
// session is Active.
//
// On failure every resource acquired so far is released, the session is
// Closed, OnClose has fired, and the error is returned. Errors wrap the
// cause: [audio.ErrPermissionDenied] for the microphone, [s2s.ErrTransport]
// or a context error for the connection, [ErrStopped] when Stop interrupted
// the start.
func (s *Session) Start(ctx context.Context) (err error) {
	var connectCtx context.Context
	ok := s.transition(StateConnecting, func() bool {
		if s.started {
			return false
		}
		s.started = true
		connectCtx, s.cancelConnect = context.WithCancel(ctx)
		return true
	})
	if !ok {
		return ErrAlreadyStarted
	}

	ctx, span := observe.StartSpan(observe.WithSession(connectCtx, s.id), "voice.Session.Start")
	defer func() { observe.EndSpan(span, err) }()

	if reason, err := s.open(ctx); err != nil {
		s.shutdown(reason)
		_ = s.wait(context.Background())
		return err
	}

	ok = s.transition(StateActive, func() bool {
		if s.closing {
			return false
		}
		s.active = true
		s.dispatching = true
		return true
	})
	if !ok {
		_ = s.wait(context.Background())
		return fmt.Errorf("voice: start: %w", ErrStopped)
	}
	s.metrics.ActiveSessions.Add(ctx, 1)
	go s.dispatch(s.handle.Events())

	if g := s.cfg.Greeting; g != "" {
		if err := s.handle.SendText(g); err != nil {
			s.log.Warn("voice: greeting not sent", "err", err)
		}
	}

	observe.Logger(ctx).Info("voice session active",
		"provider", s.cfg.ProviderName,
		"voice", s.cfg.Session.Voice,
		"output", s.cfg.OutputFormat.String(),
	)
	return nil
}

// open acquires the output, the streaming session, and the microphone, in
// that order. Each resource is adopted into the session as soon as it is
// acquired so teardown can release it; a resource acquired after teardown has
// begun is released here instead.
func (s *Session) open(ctx context.Context) (CloseReason, error) {
	stopped := CloseReason{Cause: CauseStopped}
	errStopped := fmt.Errorf("voice: start: %w", ErrStopped)

	out, err := s.cfg.Speaker.Open(s.cfg.OutputFormat)
	if err != nil {
		return CloseReason{Cause: CauseOutputFailed, Err: err}, fmt.Errorf("voice: open output: %w", err)
	}
	sched := scheduler.New(out, scheduler.WithUnderrunHook(s.onUnderrun))
	if !s.adopt(func() { s.output, s.sched = out, sched }) {
		s.release("output", out.Close)
		return stopped, errStopped
	}

	start := time.Now()
	handle, err := s.cfg.Provider.Connect(ctx, s.cfg.Session)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordConnect(ctx, s.cfg.ProviderName, status, time.Since(start))
	if err != nil {
		if s.isClosing() {
			return stopped, errStopped
		}
		return CloseReason{Cause: CauseConnectFailed, Err: err}, fmt.Errorf("voice: connect: %w", err)
	}
	if !s.adopt(func() { s.handle = handle }) {
		s.release("streaming session", handle.Close)
		return stopped, errStopped
	}

	s.capturing.Store(true)
	capture, err := s.cfg.Microphone.Start(s.onFrame)
	if err != nil {
		s.capturing.Store(false)
		return CloseReason{Cause: CausePermissionDenied, Err: err}, fmt.Errorf("voice: start capture: %w", err)
	}
	if !s.adopt(func() { s.capture = capture }) {
		s.release("capture", capture.Stop)
		return stopped, errStopped
	}
	return CloseReason{}, nil
}

// adopt runs fn under the session lock unless teardown has begun.
func (s *Session) adopt(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	fn()
	return true
}

func (s *Session) release(what string, fn func() error) {
	if err := fn(); err != nil {
		s.log.Warn("voice: release failed", "resource", what, "err", err)
	}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Stop ends the session and releases every resource. It is safe to call from
// any state, including while Start is still connecting, and from several
// goroutines. It returns once the session is Closed, or with an error if ctx
// ends or teardown exceeds Config.CloseTimeout first. Calling Stop on a
// closed session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	if s.State() == StateClosed {
		return nil
	}
	s.shutdown(CloseReason{Cause: CauseStopped})
	return s.wait(ctx)
}

func (s *Session) wait(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("voice: stop: %w", ctx.Err())
	case <-timer.C:
		return fmt.Errorf("voice: stop: teardown still running after %s", s.cfg.CloseTimeout)
	}
}

// shutdown begins teardown once. The first reason wins.
func (s *Session) shutdown(reason CloseReason) {
	s.closeOnce.Do(func() {
		var cancel context.CancelFunc
		s.transition(StateClosing, func() bool {
			s.started = true
			s.closing = true
			s.reason = reason
			cancel = s.cancelConnect
			return true
		})
		s.capturing.Store(false)
		if cancel != nil {
			cancel()
		}
		go s.teardown()
	})
}

// teardown releases resources in order: capture, dispatch and scheduler,
// streaming session, output. Every step runs even if an earlier one fails.
func (s *Session) teardown() {
	s.mu.Lock()
	capture, sched, handle, output := s.capture, s.sched, s.handle, s.output
	dispatching, active, reason := s.dispatching, s.active, s.reason
	s.mu.Unlock()

	var errs []error

	// 1. Microphone. No frame is delivered once Stop returns.
	if capture != nil {
		if err := capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
	}

	// 2. Dispatch loop, then everything still scheduled.
	close(s.quit)
	if dispatching {
		<-s.dispatchDone
	}
	if sched != nil {
		if n := sched.Flush(); n > 0 {
			s.log.Debug("voice: stopped scheduled audio", "sources", n)
		}
		_ = sched.Close()
	}

	// 3. Streaming session.
	if handle != nil {
		if err := handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close streaming session: %w", err))
		}
	}

	// 4. Output device.
	if output != nil {
		if err := output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}

	for _, err := range errs {
		s.log.Warn("voice: teardown step failed", "err", err)
	}

	ctx := context.Background()
	if active {
		s.metrics.ActiveSessions.Add(ctx, -1)
	}
	s.metrics.RecordSessionClosed(ctx, reason.Cause.String())

	s.transition(StateClosed, nil)
	if reason.Abnormal() {
		s.log.Warn("voice session closed", "reason", reason.String())
	} else {
		s.log.Info("voice session closed", "reason", reason.String())
	}
	if s.cfg.OnClose != nil {
		s.cfg.OnClose(reason)
	}
	close(s.done)
}

// transition moves to next unless guard, run under the session lock, returns
// false. OnStateChange is called for every transition in order.
func (s *Session) transition(next State, guard func() bool) bool {
	s.transMu.Lock()
	defer s.transMu.Unlock()

	s.mu.Lock()
	if guard != nil && !guard() {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.mu.Unlock()

	s.log.Debug("voice: state", "state", next.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(next)
	}
	return true
}

// ── Capture path ──────────────────────────────────────────────────────────────

// onFrame runs on the audio device's callback goroutine and must not block.
func (s *Session) onFrame(f audio.Frame) {
	if !s.capturing.Load() {
		return
	}
	ctx := context.Background()
	s.metrics.FramesCaptured.Add(ctx, 1)

	err := s.handle.SendAudio(audio.Encode(f))
	switch {
	case err == nil:
		s.metrics.FramesSent.Add(ctx, 1)
	case errors.Is(err, s2s.ErrQueueFull):
		s.metrics.RecordFrameDropped(ctx, "queue_full")
	case errors.Is(err, s2s.ErrSessionClosed):
		s.metrics.RecordFrameDropped(ctx, "closed")
	default:
		s.metrics.RecordFrameDropped(ctx, "error")
		s.log.Debug("voice: frame not sent", "err", err)
	}
}

// ── Reply path ────────────────────────────────────────────────────────────────

// dispatch is the single consumer of session events.
func (s *Session) dispatch(events <-chan s2s.Event) {
	defer close(s.dispatchDone)
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		select {
		case <-s.quit:
			return
		case ev, ok := <-events:
			if !ok {
				s.shutdown(CloseReason{Cause: CauseRemoteClosed})
				return
			}
			if !s.handleEvent(ev) {
				return
			}
		}
	}
}

// handleEvent applies one event. It returns false when the event ends the
// session.
func (s *Session) handleEvent(ev s2s.Event) bool {
	switch ev.Type {
	case s2s.EventAudio:
		s.play(ev.Audio)
	case s2s.EventInterrupted:
		n := s.sched.Flush()
		s.metrics.Interruptions.Add(context.Background(), 1)
		s.log.Debug("voice: reply interrupted", "stopped_sources", n)
	case s2s.EventClosed:
		s.shutdown(CloseReason{Cause: CauseRemoteClosed})
		return false
	case s2s.EventError:
		s.shutdown(CloseReason{Cause: CauseTransportError, Err: ev.Err})
		return false
	default:
		s.log.Debug("voice: ignoring event", "type", ev.Type.String())
	}
	return true
}

// play decodes one reply fragment and schedules it. Malformed fragments are
// dropped; the session continues.
func (s *Session) play(chunk audio.EncodedChunk) {
	ctx := context.Background()
	s.metrics.ChunksReceived.Add(ctx, 1)

	format := s.cfg.ReplyFormat
	if rate, channels, ok := audio.ParseMIME(chunk.MIMEType); ok {
		if rate > 0 {
			format.SampleRate = rate
		}
		if channels > 0 {
			format.Channels = channels
		}
	}

	buf, err := audio.Decode(chunk, format.SampleRate, format.Channels)
	if err != nil {
		s.metrics.ChunksMalformed.Add(ctx, 1)
		s.log.Warn("voice: dropping malformed reply chunk", "mime", chunk.MIMEType, "err", err)
		return
	}
	if buf.Frames() == 0 {
		return
	}

	src, err := s.sched.Schedule(buf)
	if err != nil {
		if !errors.Is(err, scheduler.ErrClosed) {
			s.log.Warn("voice: reply chunk not scheduled", "err", err)
		}
		return
	}
	s.metrics.ScheduledAudio.Add(ctx, src.Duration.Seconds())
}

func (s *Session) onUnderrun(gap time.Duration) {
	s.metrics.Underruns.Add(context.Background(), 1)
	s.log.Debug("voice: playback underrun", "gap", gap)
}
