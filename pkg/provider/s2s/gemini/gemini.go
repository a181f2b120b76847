// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Capture audio is sent as base64 PCM16 media chunks at 16 kHz; the model's
// reply audio arrives as base64 PCM16 inline data at 24 kHz and is passed
// through undecoded on the session's event channel.
package gemini

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
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultSendQueue    = 32
	defaultEventBuffer  = 64
	defaultSetupTimeout = 15 * time.Second
	defaultCloseTimeout = 3 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message. Reply turns can carry
	// several seconds of base64 audio in one frame.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// WithSetupTimeout bounds the wait for the server's setupComplete message
// when the Connect context carries no earlier deadline.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// WithCloseTimeout bounds the graceful close handshake. After it expires the
// connection is dropped without waiting for the server.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.closeTimeout = d
		}
	}
}

// WithKeepalive sets the WebSocket ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	sendQueue    int
	setupTimeout time.Duration
	closeTimeout time.Duration
	keepalive    time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		sendQueue:    defaultSendQueue,
		setupTimeout: defaultSetupTimeout,
		closeTimeout: defaultCloseTimeout,
		keepalive:    keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDurationMs: 15 * 60 * 1000,
		InputSampleRate:      audio.CaptureSampleRate,
		OutputSampleRate:     audio.PlaybackSampleRate,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the Gemini Live endpoint, sends the setup message, and waits
// for setupComplete. Only then is the session returned, in the Open state.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	setupCtx, setupCancel := context.WithTimeout(ctx, p.setupTimeout)
	defer setupCancel()

	conn, _, err := websocket.Dial(setupCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", s2s.ErrTransport, err)
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

	if err := sess.sendSetup(setupCtx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", s2s.ErrTransport, err)
	}
	if err := sess.awaitSetupComplete(setupCtx); err != nil {
		sessCancel()
		_ = conn.CloseNow()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gemini: setup: %w", ctx.Err())
		}
		return nil, fmt.Errorf("gemini: setup: %w: %w", s2s.ErrTransport, err)
	}
	sess.setState(s2s.StateOpen)

	go sess.receiveLoop()
	go sess.writeLoop()
	if p.keepalive > 0 {
		go sess.keepaliveLoop(p.keepalive)
	}

	slog.Debug("gemini: session open", "model", p.model, "voice", cfg.Voice)
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("%s (%d %s)", msg, e.Code, e.Status)
	}
	return msg
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
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

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	return s.writeJSON(ctx, msg)
}

// awaitSetupComplete reads until the server acknowledges the setup message.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping unparseable frame during setup", "err", err)
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
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
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
				},
			}
			if err := s.writeJSON(s.ctx, msg); err != nil {
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

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.recvDone)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping unparseable frame", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage emits the events carried by msg. It returns false when
// the session has ended.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.terminate(s2s.Event{
			Type: s2s.EventError,
			Err:  fmt.Errorf("gemini: %w: %w", s2s.ErrTransport, msg.Error),
		})
		_ = s.conn.CloseNow()
		return false
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || p.InlineData.Data == "" {
					continue
				}
				ev := s2s.Event{
					Type:  s2s.EventAudio,
					Audio: audio.EncodedChunk{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data},
				}
				if !s.emit(ev) {
					return false
				}
			}
		}
		if sc.Interrupted {
			if !s.emit(s2s.Event{Type: s2s.EventInterrupted}) {
				return false
			}
		}
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
		s.terminate(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("gemini: write: %w: %w", s2s.ErrTransport, writeErr)})
	case isNormalClose(readErr):
		s.terminate(s2s.Event{Type: s2s.EventClosed})
	default:
		s.terminate(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("gemini: read: %w: %w", s2s.ErrTransport, readErr)})
	}
}

// terminate delivers the terminal event and stops the writer and keepalive.
func (s *session) terminate(ev s2s.Event) {
	s.setState(s2s.StateClosed)
	s.cancel()
	s.emit(ev)
}

// emit delivers ev unless the session is being closed locally.
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
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

// SendText sends a complete user turn containing text.
func (s *session) SendText(text string) error {
	if s.State() != s2s.StateOpen {
		return s2s.ErrSessionClosed
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.closeTimeout)
	defer cancel()
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send text: %w: %w", s2s.ErrTransport, err)
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

	close(s.done) // no more events from here on

	closed := make(chan error, 1)
	go func() { closed <- s.conn.Close(websocket.StatusNormalClosure, "session closed") }()
	select {
	case err := <-closed:
		if err != nil {
			slog.Debug("gemini: close handshake", "err", err)
		}
	case <-time.After(s.closeTimeout):
		slog.Warn("gemini: close handshake timed out, dropping connection", "timeout", s.closeTimeout)
		_ = s.conn.CloseNow()
	}

	s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
	select {
	case <-s.recvDone:
	case <-time.After(s.closeTimeout):
		slog.Warn("gemini: receive loop did not exit in time")
	}
	s.discardPending()

	s.mu.Lock()
	s.state = s2s.StateClosed
	s.mu.Unlock()
	return nil
}
