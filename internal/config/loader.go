package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the streaming provider names known to this build.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := parse(f, nil)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Environment overrides are not applied.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv is [LoadFromReader] with environment overrides taken from
// environ instead of the process environment.
func LoadWithEnv(r io.Reader, environ map[string]string) (*Config, error) {
	if environ == nil {
		environ = map[string]string{}
	}
	return parse(r, environ)
}

// parse runs the full pipeline: decode, environment overrides, defaults,
// validation. A nil environ reads the process environment.
func parse(r io.Reader, environ map[string]string) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Defaults are expected to have been applied.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName(cfg.Provider.Name)
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; set it in the config file or via SENSEI_API_KEY / GEMINI_API_KEY")
	}

	// Audio
	a := cfg.Audio
	if a.CaptureSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d must be positive", a.CaptureSampleRate))
	}
	if a.DeviceSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.device_sample_rate %d must not be negative", a.DeviceSampleRate))
	}
	if a.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", a.BlockSize))
	}
	if a.PlaybackSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.playback_sample_rate %d must be positive", a.PlaybackSampleRate))
	}
	if a.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must not be negative", a.OutputSampleRate))
	}
	if a.PlaybackChannels != 1 && a.PlaybackChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.playback_channels %d is invalid; valid values: 1, 2", a.PlaybackChannels))
	}

	// Session
	s := cfg.Session
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", s.ConnectTimeout))
	}
	if s.CloseTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.close_timeout %s must not be negative", s.CloseTimeout))
	}
	if s.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("session.send_queue %d must not be negative", s.SendQueue))
	}
	if s.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("session.breaker_failures %d must not be negative", s.BreakerFailures))
	}
	if s.BreakerReset < 0 {
		errs = append(errs, fmt.Errorf("session.breaker_reset %s must not be negative", s.BreakerReset))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}

// WarnUnknownVoice logs a warning if voice is set and not in known. An
// empty known list means the provider does not advertise its voices.
func WarnUnknownVoice(voice string, known []string) {
	if voice == "" || len(known) == 0 || slices.Contains(known, voice) {
		return
	}
	slog.Warn("voice.voice is not advertised by the provider; the provider may reject it",
		"voice", voice,
		"known", known,
	)
}
