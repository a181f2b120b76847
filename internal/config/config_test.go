package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/config"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
provider:
  name: gemini-live
  api_key: secret
  model: gemini-2.0-flash-live-001
  options:
    keepalive: 10s
voice:
  instructions: "You teach closures."
  voice: Aoede
  greeting: "Hello there."
audio:
  capture_sample_rate: 16000
  block_size: 2048
  device_sample_rate: 48000
session:
  connect_timeout: 5s
  send_queue: 8
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Provider.APIKey != "secret" {
		t.Errorf("api_key: got %q, want %q", cfg.Provider.APIKey, "secret")
	}
	if got := cfg.Provider.Options["keepalive"]; got != "10s" {
		t.Errorf("options.keepalive: got %v, want %q", got, "10s")
	}
	if cfg.Voice.Instructions != "You teach closures." {
		t.Errorf("instructions: got %q", cfg.Voice.Instructions)
	}
	if cfg.Voice.Greeting != "Hello there." {
		t.Errorf("greeting: got %q", cfg.Voice.Greeting)
	}
	if cfg.Audio.BlockSize != 2048 {
		t.Errorf("block_size: got %d, want 2048", cfg.Audio.BlockSize)
	}
	if cfg.Audio.DeviceSampleRate != 48000 {
		t.Errorf("device_sample_rate: got %d, want 48000", cfg.Audio.DeviceSampleRate)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second {
		t.Errorf("connect_timeout: got %s, want 5s", cfg.Session.ConnectTimeout)
	}
	if cfg.Session.SendQueue != 8 {
		t.Errorf("send_queue: got %d, want 8", cfg.Session.SendQueue)
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty config should be valid, got: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q; want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Provider.Name != "gemini-live" {
		t.Errorf("provider.name = %q; want %q", cfg.Provider.Name, "gemini-live")
	}
	if cfg.Voice.Instructions != config.DefaultInstructions {
		t.Error("voice.instructions did not default to the tutor persona")
	}

	a := cfg.Audio
	if a.CaptureSampleRate != 16000 || a.BlockSize != 4096 || a.DeviceSampleRate != 16000 {
		t.Errorf("capture defaults = %d/%d/%d; want 16000/4096/16000",
			a.CaptureSampleRate, a.BlockSize, a.DeviceSampleRate)
	}
	if a.PlaybackSampleRate != 24000 || a.PlaybackChannels != 1 || a.OutputSampleRate != 24000 {
		t.Errorf("playback defaults = %d/%d/%d; want 24000/1/24000",
			a.PlaybackSampleRate, a.PlaybackChannels, a.OutputSampleRate)
	}

	s := cfg.Session
	if s.ConnectTimeout != 15*time.Second || s.CloseTimeout != 5*time.Second {
		t.Errorf("timeouts = %s/%s; want 15s/5s", s.ConnectTimeout, s.CloseTimeout)
	}
	if s.SendQueue != 32 || s.BreakerFailures != 3 || s.BreakerReset != 30*time.Second {
		t.Errorf("session defaults = %d/%d/%s; want 32/3/30s", s.SendQueue, s.BreakerFailures, s.BreakerReset)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("npcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "decode yaml") {
		t.Errorf("error should come from the decoder, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: verbose\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative capture rate", "audio:\n  capture_sample_rate: -1\n", "capture_sample_rate"},
		{"negative block size", "audio:\n  block_size: -4\n", "block_size"},
		{"three channels", "audio:\n  playback_channels: 3\n", "playback_channels"},
		{"negative device rate", "audio:\n  device_sample_rate: -8000\n", "device_sample_rate"},
		{"negative connect timeout", "session:\n  connect_timeout: -1s\n", "connect_timeout"},
		{"negative send queue", "session:\n  send_queue: -2\n", "send_queue"},
		{"negative breaker reset", "session:\n  breaker_reset: -5s\n", "breaker_reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v; want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  playback_channels: 6
session:
  close_timeout: -1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "playback_channels", "close_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownProviderIsOnlyAWarning(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("provider:\n  name: homegrown\n"))
	if err != nil {
		t.Fatalf("unknown provider name should not fail validation: %v", err)
	}
	if cfg.Provider.Name != "homegrown" {
		t.Errorf("provider.name = %q; want %q", cfg.Provider.Name, "homegrown")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

type stubS2S struct{ entry config.ProviderEntry }

func (s *stubS2S) Connect(_ context.Context, _ s2s.SessionConfig) (s2s.SessionHandle, error) {
	return nil, nil
}
func (s *stubS2S) Capabilities() s2s.Capabilities { return s2s.Capabilities{} }

func TestRegistry_UnknownS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v; want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_RegisteredS2S(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterS2S("stub", func(e config.ProviderEntry) (s2s.Provider, error) {
		return &stubS2S{entry: e}, nil
	})

	p, err := reg.CreateS2S(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stub, ok := p.(*stubS2S)
	if !ok {
		t.Fatalf("provider type = %T; want *stubS2S", p)
	}
	if stub.entry.Model != "m1" {
		t.Errorf("factory saw model %q; want %q", stub.entry.Model, "m1")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := errors.New("bad key")
	reg.RegisterS2S("broken", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, want
	})
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "broken"}); !errors.Is(err, want) {
		t.Errorf("err = %v; want %v", err, want)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factory := func(config.ProviderEntry) (s2s.Provider, error) { return &stubS2S{}, nil }
	reg.RegisterS2S("zeta", factory)
	reg.RegisterS2S("alpha", factory)
	reg.RegisterS2S("zeta", factory)

	got := reg.Names()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("Names() = %v; want [alpha zeta]", got)
	}
}
