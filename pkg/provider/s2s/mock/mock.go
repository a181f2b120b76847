// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject remote events and inspect what the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
package mock

import (
	"context"
	"sync"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, every Connect returns a new
	// Session; see [Provider.Last].
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until Gate is closed or the
	// context is done. Use it to exercise cancellation mid-connect.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	last *Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		p.last = p.Session
		return p.Session, nil
	}
	p.last = NewSession()
	return p.last, nil
}

// Last returns the session handed out by the most recent successful
// Connect, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns the number of Connect calls so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.SessionHandle. Construct it with
// [NewSession]. It honours the event channel contract: a terminal event
// closes the channel, and Close closes it without a terminal event.
type Session struct {
	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error
	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error
	// CloseErr, if non-nil, is returned by the first Close call.
	CloseErr error

	events chan s2s.Event
	done   chan struct{}

	// sendMu serialises Emit against closing the events channel.
	sendMu       sync.Mutex
	eventsClosed bool

	mu         sync.Mutex
	state      s2s.State
	audio      []audio.EncodedChunk
	texts      []string
	closeCalls int
	closed     bool
}

// NewSession returns an open Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
		state:  s2s.StateOpen,
	}
}

// SendAudio records chunk, or returns SendAudioErr.
func (s *Session) SendAudio(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != s2s.StateOpen {
		return s2s.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, chunk)
	return nil
}

// SendText records text, or returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != s2s.StateOpen {
		return s2s.ErrSessionClosed
	}
	if s.SendTextErr != nil {
		return s.SendTextErr
	}
	s.texts = append(s.texts, text)
	return nil
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// State returns the current state.
func (s *Session) State() s2s.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Emit delivers ev to the consumer, blocking until it is received or the
// session is closed. A terminal event closes the channel afterwards. Emit
// returns false if the event was not delivered.
func (s *Session) Emit(ev s2s.Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.eventsClosed {
		return false
	}
	select {
	case s.events <- ev:
	case <-s.done:
		return false
	}
	if ev.Terminal() {
		s.mu.Lock()
		s.state = s2s.StateClosed
		s.mu.Unlock()
		s.eventsClosed = true
		close(s.events)
	}
	return true
}

// Close marks the session closed and closes the event channel. Only the
// first call returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = s2s.StateClosed
	s.mu.Unlock()

	close(s.done)
	s.sendMu.Lock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
	for range s.events {
		// Unread events are dropped, as the real transports do.
	}
	s.sendMu.Unlock()
	return s.CloseErr
}

// Audio returns a copy of every chunk accepted by SendAudio.
func (s *Session) Audio() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns a copy of every text accepted by SendText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// CloseCalls returns the number of Close calls.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
