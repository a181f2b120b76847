package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/config"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/observe"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/resilience"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/voice"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
)

var (
	// ErrSessionActive is returned by Start while another session is live.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by Stop when nothing is running.
	ErrNoSession = errors.New("app: no active session")
)

// SessionInfo describes the live session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Voice     string    `json:"voice,omitempty"`
	Pending   int       `json:"pending_buffers"`
}

// CloseInfo describes how the most recent session ended.
type CloseInfo struct {
	SessionID string    `json:"session_id"`
	Cause     string    `json:"cause"`
	Error     string    `json:"error,omitempty"`
	Abnormal  bool      `json:"abnormal"`
	EndedAt   time.Time `json:"ended_at"`
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
// Provider, Microphone, Speaker, and Config are required.
type SessionManagerConfig struct {
	Provider     s2s.Provider
	ProviderName string
	Microphone   audio.Microphone
	Speaker      audio.Speaker

	// Config returns the configuration snapshot a new session is built
	// from, typically config.Watcher.Current.
	Config func() *config.Config

	// Breaker guards connecting. Nil builds one from the session settings
	// of the first config snapshot.
	Breaker *resilience.CircuitBreaker

	Metrics *observe.Metrics
	Now     func() time.Time
}

// SessionManager runs at most one voice session at a time. Every exported
// method is safe for concurrent use.
type SessionManager struct {
	cfg     SessionManagerConfig
	breaker *resilience.CircuitBreaker

	mu   sync.Mutex
	cur  *voice.Session
	info SessionInfo
	last *CloseInfo
}

// NewSessionManager returns an idle manager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "unknown"
	}
	breaker := cfg.Breaker
	if breaker == nil {
		sc := cfg.Config().Session
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "connect/" + cfg.ProviderName,
			MaxFailures:  sc.BreakerFailures,
			ResetTimeout: sc.BreakerReset,
			IsFailure:    IsConnectFailure,
			OnTransition: breakerObserver(cfg.Metrics),
			Now:          cfg.Now,
		})
	}
	return &SessionManager{cfg: cfg, breaker: breaker}
}

// breakerObserver logs connect breaker changes and counts them in m.
func breakerObserver(m *observe.Metrics) func(resilience.Transition) {
	return func(t resilience.Transition) {
		m.RecordBreakerTransition(context.Background(), t.To.String())
		switch t.To {
		case resilience.StateOpen:
			slog.Warn("connect breaker opened; new sessions are rejected until it cools down",
				"breaker", t.Name, "failures", t.Failures)
		case resilience.StateClosed:
			slog.Info("connect breaker closed", "breaker", t.Name)
		default:
			slog.Debug("connect breaker probing", "breaker", t.Name)
		}
	}
}

// IsConnectFailure reports whether err from starting a session says the
// model endpoint is unhealthy. Microphone, speaker, and caller
// cancellations do not count.
func IsConnectFailure(err error) bool {
	return errors.Is(err, s2s.ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}

// Breaker returns the connect circuit breaker.
func (m *SessionManager) Breaker() *resilience.CircuitBreaker { return m.breaker }

// Start builds a session from the current config snapshot and starts it.
// It returns once the session is active. While Start is connecting, Stop
// aborts it and Start returns an error wrapping [voice.ErrStopped].
func (m *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	cfg := m.cfg.Config()

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return SessionInfo{}, ErrSessionActive
	}
	var sess *voice.Session
	sess = voice.New(m.voiceConfig(cfg, func(st voice.State) { m.onState(sess, st) },
		func(r voice.CloseReason) { m.onClose(sess, r) }))
	m.cur = sess
	m.info = SessionInfo{
		SessionID: sess.ID(),
		State:     voice.StateIdle.String(),
		StartedAt: m.cfg.Now().UTC(),
		Voice:     cfg.Voice.Voice,
	}
	m.mu.Unlock()

	config.WarnUnknownVoice(cfg.Voice.Voice, m.cfg.Provider.Capabilities().Voices)

	startCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := cfg.Session.ConnectTimeout; d > 0 {
		startCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	err := m.breaker.Execute(func() error { return sess.Start(startCtx) })
	if err != nil {
		m.mu.Lock()
		if m.cur == sess {
			// Rejected by the breaker before the session ever started.
			m.cur = nil
			m.info = SessionInfo{}
		}
		m.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("app: start session: %w", err)
	}
	return m.Info(), nil
}

// Stop ends the live session and waits for its teardown, bounded by ctx.
func (m *SessionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sess := m.cur
	m.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}
	return sess.Stop(ctx)
}

// Close stops the live session, if any.
func (m *SessionManager) Close(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

// IsActive reports whether a session is live or starting.
func (m *SessionManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil
}

// Info returns the live session's metadata, or the zero value.
func (m *SessionManager) Info() SessionInfo {
	m.mu.Lock()
	sess, info := m.cur, m.info
	m.mu.Unlock()
	if sess != nil {
		info.Pending = sess.Pending()
	}
	return info
}

// LastClose returns how the previous session ended. ok is false if no
// session has ended yet.
func (m *SessionManager) LastClose() (info CloseInfo, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return CloseInfo{}, false
	}
	return *m.last, true
}

// Done returns a channel closed when the live session has fully ended. With
// no live session the returned channel is already closed.
func (m *SessionManager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.cur.Done()
}

func (m *SessionManager) voiceConfig(cfg *config.Config, onState func(voice.State), onClose func(voice.CloseReason)) voice.Config {
	a := cfg.Audio
	return voice.Config{
		Provider:     m.cfg.Provider,
		ProviderName: m.cfg.ProviderName,
		Microphone:   m.cfg.Microphone,
		Speaker:      m.cfg.Speaker,
		Session: s2s.SessionConfig{
			Instructions: cfg.Voice.Instructions,
			Voice:        cfg.Voice.Voice,
		},
		ReplyFormat:   audio.Format{SampleRate: a.PlaybackSampleRate, Channels: 1},
		OutputFormat:  audio.Format{SampleRate: a.OutputSampleRate, Channels: a.PlaybackChannels},
		Greeting:      cfg.Voice.Greeting,
		CloseTimeout:  cfg.Session.CloseTimeout,
		Metrics:       m.cfg.Metrics,
		OnStateChange: onState,
		OnClose:       onClose,
	}
}

func (m *SessionManager) onState(sess *voice.Session, st voice.State) {
	m.mu.Lock()
	if m.cur == sess {
		m.info.State = st.String()
	}
	m.mu.Unlock()
	slog.Debug("session state", "session_id", sess.ID(), "state", st)
}

func (m *SessionManager) onClose(sess *voice.Session, r voice.CloseReason) {
	ci := &CloseInfo{
		SessionID: sess.ID(),
		Cause:     r.Cause.String(),
		Abnormal:  r.Abnormal(),
		EndedAt:   m.cfg.Now().UTC(),
	}
	if r.Err != nil {
		ci.Error = r.Err.Error()
	}

	m.mu.Lock()
	m.last = ci
	if m.cur == sess {
		m.cur = nil
		m.info = SessionInfo{}
	}
	m.mu.Unlock()

	if r.Abnormal() {
		slog.Warn("session ended", "session_id", ci.SessionID, "reason", r.String())
		return
	}
	slog.Info("session ended", "session_id", ci.SessionID, "reason", r.String())
}
