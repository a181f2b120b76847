// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64 PCM16 at 24 kHz in both directions; capture chunks
// recorded at another rate are resampled before they are sent. Turn taking
// uses the server's voice activity detection, and the server's
// speech_started event is surfaced as an interruption.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the only PCM16 rate the Realtime API accepts and produces.
	wireRate = 24000

	defaultSendQueue    = 32
	defaultEventBuffer  = 64
	defaultSetupTimeout = 15 * time.Second
	defaultCloseTimeout = 3 * time.Second

	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSendQueue sets how many capture chunks may wait for the network before
// SendAudio starts dropping them.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// WithSetupTimeout bounds the wait for session.updated.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// WithCloseTimeout bounds the graceful close handshake.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.closeTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	sendQueue    int
	setupTimeout time.Duration
	closeTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		sendQueue:    defaultSendQueue,
		setupTimeout: defaultSetupTimeout,
		closeTimeout: defaultCloseTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDurationMs: 30 * 60 * 1000,
		InputSampleRate:      wireRate,
		OutputSampleRate:     wireRate,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, sends session.update, and waits for
// the server to confirm it with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	setupCtx, setupCancel := context.WithTimeout(ctx, p.setupTimeout)
	defer setupCancel()

	conn, _, err := websocket.Dial(setupCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", s2s.ErrTransport, err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:         conn,
		sendQ:        make(chan audio.EncodedChunk, p.sendQueue),
		events:       make(chan s2s.Event, defaultEventBuffer),
		done:         make(chan struct{}),
		recvDone:     make(chan struct{}),
		ctx:          sessCtx,
		cancel:       sessCancel,
		closeTimeout: p.closeTimeout,
		state:        s2s.StateConnecting,
	}

	if err := sess.sendSessionUpdate(setupCtx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w: %w", s2s.ErrTransport, err)
	}
	if err := sess.awaitSessionUpdated(setupCtx); err != nil {
		sessCancel()
		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("openai: session update: %w", ctx.Err())
		}
		return nil, fmt.Errorf("openai: session update: %w: %w", s2s.ErrTransport, err)
	}
	sess.setState(s2s.StateOpen)

	go sess.receiveLoop()
	go sess.writeLoop()

	slog.Debug("openai: session open", "model", p.model, "voice", cfg.Voice)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type typedMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error
	Error *serverError `json:"error,omitempty"`
}

// serverError is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn         *websocket.Conn
	sendQ        chan audio.EncodedChunk
	events       chan s2s.Event
	closeTimeout time.Duration

	mu       sync.Mutex
	state    s2s.State
	writeErr error
	closed   bool

	// done is closed by Close: nothing more is delivered on events.
	done chan struct{}
	// recvDone is closed when receiveLoop has exited and closed events.
	recvDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate configures voice, instructions, audio formats, and
// server-side turn detection.
func (s *session) sendSessionUpdate(ctx context.Context, cfg s2s.SessionConfig) error {
	return s.writeJSON(ctx, sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	})
}

// awaitSessionUpdated reads until the server confirms the session update.
// session.created arrives first and is skipped.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: skipping unparseable event during setup", "err", err)
			continue
		}
		switch evt.Type {
		case "error":
			if evt.Error == nil {
				return &serverError{}
			}
			return evt.Error
		case "session.updated":
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeLoop drains the send queue in order. A failed write ends the session;
// receiveLoop reports the error.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.sendQ:
			data, err := toWireRate(chunk)
			if err != nil {
				slog.Warn("openai: dropping capture chunk", "err", err)
				continue
			}
			if err := s.writeJSON(s.ctx, appendAudioMessage{Type: "input_audio_buffer.append", Audio: data}); err != nil {
				if s.ctx.Err() == nil {
					s.mu.Lock()
					s.writeErr = err
					s.mu.Unlock()
					s.cancel()
				}
				return
			}
		}
	}
}

// toWireRate returns the chunk's base64 payload at 24 kHz mono, resampling
// when the chunk was captured at another rate.
func toWireRate(c audio.EncodedChunk) (string, error) {
	rate, channels, ok := audio.ParseMIME(c.MIMEType)
	if !ok {
		return "", fmt.Errorf("%w: unsupported type %q", audio.ErrMalformedChunk, c.MIMEType)
	}
	if channels == 0 {
		channels = 1
	}
	if (rate == 0 || rate == wireRate) && channels == 1 {
		return c.Data, nil
	}
	if rate == 0 {
		rate = wireRate
	}
	buf, err := audio.Decode(c, rate, channels)
	if err != nil {
		return "", err
	}
	mono := audio.Convert(buf, audio.Format{SampleRate: wireRate, Channels: 1})
	return audio.Encode(audio.Frame{Samples: mono.Channels[0], SampleRate: wireRate}).Data, nil
}

// receiveLoop reads events from the WebSocket and turns them into session
// events. It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.recvDone)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: skipping unparseable event", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the session event carried by evt, if any. It
// returns false when the session is being closed locally.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{
			Type:  s2s.EventAudio,
			Audio: audio.EncodedChunk{MIMEType: audio.MIMEType(wireRate, 1), Data: evt.Delta},
		})

	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Event{Type: s2s.EventInterrupted})

	case "error":
		// Error events report a rejected client event. The server closes the
		// socket itself when the session cannot continue.
		msg := "unknown error"
		if evt.Error != nil {
			msg = evt.Error.Error()
		}
		slog.Warn("openai: server reported an error", "err", msg)
	}
	return true
}

// finish converts the read error that ended receiveLoop into the terminal
// event, unless the session is being closed locally.
func (s *session) finish(readErr error) {
	s.mu.Lock()
	closing := s.closed
	writeErr := s.writeErr
	s.mu.Unlock()
	if closing {
		return
	}

	switch {
	case writeErr != nil:
		s.terminate(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: write: %w: %w", s2s.ErrTransport, writeErr)})
	case isNormalClose(readErr):
		s.terminate(s2s.Event{Type: s2s.EventClosed})
	default:
		s.terminate(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: read: %w: %w", s2s.ErrTransport, readErr)})
	}
}

func (s *session) terminate(ev s2s.Event) {
	s.setState(s2s.StateClosed)
	s.cancel()
	s.emit(ev)
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// discardPending drops events queued before Close so none is observed
// after it returns. Once receiveLoop has exited events is closed and the
// loop ends there.
func (s *session) discardPending() {
	for {
		select {
		case _, ok := <-s.events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func (s *session) setState(st s2s.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == s2s.StateClosed {
		return
	}
	s.state = st
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio enqueues a capture chunk without blocking.
func (s *session) SendAudio(chunk audio.EncodedChunk) error {
	if s.State() != s2s.StateOpen {
		return s2s.ErrSessionClosed
	}
	select {
	case s.sendQ <- chunk:
		return nil
	default:
		return s2s.ErrQueueFull
	}
}

// SendText adds a user text message to the conversation and asks the model
// to respond to it.
func (s *session) SendText(text string) error {
	if s.State() != s2s.StateOpen {
		return s2s.ErrSessionClosed
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.closeTimeout)
	defer cancel()

	item := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(ctx, item); err != nil {
		return fmt.Errorf("openai: send text: %w: %w", s2s.ErrTransport, err)
	}
	if err := s.writeJSON(ctx, typedMessage{Type: "response.create"}); err != nil {
		return fmt.Errorf("openai: send text: %w: %w", s2s.ErrTransport, err)
	}
	return nil
}

// Events returns the channel on which session events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// State returns the current lifecycle state.
func (s *session) State() s2s.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.state != s2s.StateClosed {
		s.state = s2s.StateClosing
	}
	s.mu.Unlock()

	close(s.done)

	closed := make(chan error, 1)
	go func() { closed <- s.conn.Close(websocket.StatusNormalClosure, "session closed") }()
	select {
	case err := <-closed:
		if err != nil {
			slog.Debug("openai: close handshake", "err", err)
		}
	case <-time.After(s.closeTimeout):
		slog.Warn("openai: close handshake timed out, dropping connection", "timeout", s.closeTimeout)
		_ = s.conn.CloseNow()
	}

	s.cancel()
	select {
	case <-s.recvDone:
	case <-time.After(s.closeTimeout):
		slog.Warn("openai: receive loop did not exit in time")
	}
	s.discardPending()

	s.mu.Lock()
	s.state = s2s.StateClosed
	s.mu.Unlock()
	return nil
}
