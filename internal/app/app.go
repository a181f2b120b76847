// Package app wires sensei's subsystems into a running application.
//
// The App owns the full lifecycle: New builds the session manager, health
// checks, and control server from config; Run serves until its context is
// cancelled; Shutdown tears everything down in order.
//
// For testing, inject doubles through [Deps] (pkg/audio/mock and
// pkg/provider/s2s/mock).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/config"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/health"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/observe"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
)

// shutdownGrace bounds draining the HTTP server once Run's context ends.
const shutdownGrace = 5 * time.Second

// Deps holds the collaborators built by main.go.
type Deps struct {
	Provider     s2s.Provider
	ProviderName string
	Microphone   audio.Microphone
	Speaker      audio.Speaker
}

// App owns every subsystem lifetime.
type App struct {
	cfg      *config.Config
	watcher  *config.Watcher
	manager  *SessionManager
	health   *health.Handler
	handler  http.Handler
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	level    *slog.LevelVar

	watchPath     string
	watchInterval time.Duration

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithConfigFile makes New watch path and build every session from the
// latest valid version of it. interval <= 0 uses the watcher default.
func WithConfigFile(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// WithLogLevel lets config reloads change the log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// New creates an App from cfg and deps.
func New(cfg *config.Config, deps Deps, opts ...Option) (*App, error) {
	if deps.Provider == nil || deps.Microphone == nil || deps.Speaker == nil {
		return nil, errors.New("app: Provider, Microphone, and Speaker are required")
	}
	a := &App{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	snapshot := func() *config.Config { return a.cfg }
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.onConfigChange, config.WithInterval(a.watchInterval))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { w.Stop(); return nil })
		snapshot = w.Current
	}

	a.manager = NewSessionManager(SessionManagerConfig{
		Provider:     deps.Provider,
		ProviderName: deps.ProviderName,
		Microphone:   deps.Microphone,
		Speaker:      deps.Speaker,
		Config:       snapshot,
		Metrics:      a.metrics,
	})

	a.health = health.New()
	a.health.Add(Checkers(a.manager)...)

	a.handler = observe.Middleware(a.metrics)(Handler(a.manager, a.health, a.gatherer))
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Handler returns the instrumented control surface.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the current configuration snapshot.
func (a *App) Config() *config.Config {
	if a.watcher != nil {
		return a.watcher.Current()
	}
	return a.cfg
}

// ReloadConfig re-reads the watched config file now. It reports false when
// no file is watched or its content is unchanged.
func (a *App) ReloadConfig() (bool, error) {
	if a.watcher == nil {
		return false, nil
	}
	return a.watcher.Reload()
}

// Ready is closed once Run is listening. It is never closed when the
// config has no listen address.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the address Run is listening on, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run serves the control surface until ctx is cancelled, then drains the
// server. With no listen address configured it just waits for ctx.
func (a *App) Run(ctx context.Context) error {
	addr := a.Config().Server.ListenAddr
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	close(a.ready)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("control server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown stops the live session, then runs the closers in order. It
// respects the context deadline: once ctx expires the remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.manager.Close(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.NextSessionChanged() {
		slog.Info("config: voice settings changed; applies to the next session",
			"instructions", d.InstructionsChanged,
			"voice", d.VoiceChanged,
			"greeting", d.GreetingChanged,
			"session", d.SessionChanged,
		)
	}
	if d.RestartRequired() {
		slog.Warn("config: some changes only take effect after a restart",
			"provider", d.ProviderChanged,
			"audio", d.AudioChanged,
			"listen_addr", d.ListenAddrChanged,
		)
	}
}
