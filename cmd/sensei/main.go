// Command sensei runs the JS Sensei voice tutor: it streams microphone audio
// to a live speech model and plays the spoken replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/app"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/config"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/observe"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio/portaudio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
	geminilive "github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s/gemini"
	oais2s "github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "sensei.yaml", "path to the YAML configuration file")
	talk := flag.Bool("talk", false, "start a session immediately and exit when it ends")
	watch := flag.Duration("watch", 5*time.Second, "config file poll interval")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sensei: config file %q not found, copy configs/sensei.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sensei: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("sensei starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	telemetry, err := observe.Setup(context.Background(), observe.TelemetryConfig{
		ServiceVersion:    version,
		Registerer:        promReg,
		RuntimeCollectors: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Session)

	provider, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "provider", cfg.Provider.Name, "registered", reg.Names(), "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg, *talk)

	application, err := app.New(cfg, app.Deps{
		Provider:     provider,
		ProviderName: cfg.Provider.Name,
		Microphone: &portaudio.Microphone{
			SampleRate:       cfg.Audio.CaptureSampleRate,
			BlockSize:        cfg.Audio.BlockSize,
			DeviceSampleRate: cfg.Audio.DeviceSampleRate,
		},
		Speaker: &portaudio.Speaker{
			DeviceSampleRate: cfg.Audio.OutputSampleRate,
		},
	},
		app.WithConfigFile(*configPath, *watch),
		app.WithLogLevel(level),
		app.WithMetrics(telemetry.Metrics),
		app.WithGatherer(promReg),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error {
		reloadOnHangup(gctx, application)
		return nil
	})
	if *talk {
		g.Go(func() error {
			// Ending the session ends the process.
			defer stop()
			return talkOnce(gctx, application.Sessions())
		})
	} else {
		slog.Info("server ready, press Ctrl+C to shut down")
	}

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// talkOnce starts a session and blocks until it ends or ctx is cancelled.
func talkOnce(ctx context.Context, sessions *app.SessionManager) error {
	info, err := sessions.Start(ctx)
	if err != nil {
		return err
	}
	slog.Info("listening, start talking", "session_id", info.SessionID)

	select {
	case <-sessions.Done():
		if last, ok := sessions.LastClose(); ok && last.Abnormal {
			return fmt.Errorf("session %s ended: %s", last.SessionID, last.Cause)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

func registerBuiltinProviders(reg *config.Registry, sc config.SessionConfig) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live: api_key is required (or set GEMINI_API_KEY)")
		}
		opts := []geminilive.Option{geminilive.WithSendQueue(sc.SendQueue)}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d, ok, err := durationOption(entry.Options, "setup_timeout"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, geminilive.WithSetupTimeout(d))
		}
		if d, ok, err := durationOption(entry.Options, "keepalive"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, geminilive.WithKeepalive(d))
		}
		if sc.CloseTimeout > 0 {
			opts = append(opts, geminilive.WithCloseTimeout(sc.CloseTimeout))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("openai-realtime: api_key is required (or set OPENAI_API_KEY)")
		}
		opts := []oais2s.Option{oais2s.WithSendQueue(sc.SendQueue)}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if d, ok, err := durationOption(entry.Options, "setup_timeout"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, oais2s.WithSetupTimeout(d))
		}
		if sc.CloseTimeout > 0 {
			opts = append(opts, oais2s.WithCloseTimeout(sc.CloseTimeout))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})
}

// durationOption reads a duration such as "10s" from provider options.
func durationOption(opts map[string]any, key string) (time.Duration, bool, error) {
	v, ok := opts[key]
	if !ok {
		return 0, false, nil
	}
	s, isString := v.(string)
	if !isString {
		return 0, false, fmt.Errorf("provider option %q: want a duration string, got %T", key, v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("provider option %q: %w", key, err)
	}
	return d, true, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, talk bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        JS Sensei, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Provider.Name)
	if cfg.Provider.Model != "" {
		printRow("Model", cfg.Provider.Model)
	}
	voice := cfg.Voice.Voice
	if voice == "" {
		voice = "(provider default)"
	}
	printRow("Voice", voice)
	printRow("Capture", fmt.Sprintf("%d Hz / %d", cfg.Audio.CaptureSampleRate, cfg.Audio.BlockSize))
	printRow("Playback", fmt.Sprintf("%d Hz x%d", cfg.Audio.OutputSampleRate, cfg.Audio.PlaybackChannels))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	} else {
		printRow("Listen addr", "(disabled)")
	}
	if talk {
		printRow("Mode", "talk")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := a.ReloadConfig()
			switch {
			case err != nil:
				slog.Warn("SIGHUP: config reload failed", "err", err)
			case !changed:
				slog.Info("SIGHUP: config unchanged")
			}
		}
	}
}
