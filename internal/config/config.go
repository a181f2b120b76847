// Package config provides the configuration schema, loader, hot-reload
// watcher, and provider registry for sensei.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the sensei server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultInstructions is the tutor persona sent to the model when
// voice.instructions is empty.
const DefaultInstructions = `You are JS Sensei, a friendly and patient JavaScript mentor.
You only discuss JavaScript and its ecosystem: the language itself, the browser and Node.js runtimes, tooling, and frameworks built on JavaScript.
If the learner asks about anything else, kindly steer the conversation back to JavaScript.
Keep spoken answers short and conversational. Explain one idea at a time and check that the learner follows before moving on.
When code matters, describe it out loud in plain words instead of reading symbols one by one.`

// Config is the root configuration structure for sensei.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Voice    VoiceConfig   `yaml:"voice"`
	Audio    AudioConfig   `yaml:"audio"`
	Session  SessionConfig `yaml:"session"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control server listens on (e.g., ":8080").
	// Empty disables the HTTP surface.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the streaming speech provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig holds the conversational setup sent with every new session.
// Changes take effect on the next session.
type VoiceConfig struct {
	// Instructions is the system persona. Defaults to [DefaultInstructions].
	Instructions string `yaml:"instructions"`

	// Voice is the provider voice id. Empty uses the provider default.
	Voice string `yaml:"voice"`

	// Greeting, if set, is sent as a text turn right after the session
	// opens so the model speaks first.
	Greeting string `yaml:"greeting"`
}

// AudioConfig holds capture and playback formats.
type AudioConfig struct {
	// CaptureSampleRate is the rate of audio sent to the model. Default 16000.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// BlockSize is the number of samples per capture frame. Default 4096.
	BlockSize int `yaml:"block_size"`

	// DeviceSampleRate is the rate the microphone is opened at. Zero means
	// CaptureSampleRate; other values are resampled before encoding.
	DeviceSampleRate int `yaml:"device_sample_rate"`

	// PlaybackSampleRate is the rate assumed for reply audio that carries
	// no rate in its MIME type. Default 24000.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// PlaybackChannels is the speaker channel count. Default 1.
	PlaybackChannels int `yaml:"playback_channels"`

	// OutputSampleRate is the rate the speaker is opened at. Zero means
	// PlaybackSampleRate.
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// SessionConfig holds lifecycle timing and connect protection settings.
type SessionConfig struct {
	// ConnectTimeout bounds opening the streaming session. Default 15s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CloseTimeout bounds teardown. Default 5s.
	CloseTimeout time.Duration `yaml:"close_timeout"`

	// SendQueue is the number of outbound audio frames buffered before
	// frames are dropped. Default 32.
	SendQueue int `yaml:"send_queue"`

	// BreakerFailures is the number of consecutive connect failures that
	// open the circuit breaker. Default 3.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerReset is how long the breaker stays open. Default 30s.
	BreakerReset time.Duration `yaml:"breaker_reset"`
}

// ApplyDefaults fills every zero-valued field that has a default.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "gemini-live"
	}
	if c.Voice.Instructions == "" {
		c.Voice.Instructions = DefaultInstructions
	}

	a := &c.Audio
	if a.CaptureSampleRate == 0 {
		a.CaptureSampleRate = 16000
	}
	if a.BlockSize == 0 {
		a.BlockSize = 4096
	}
	if a.DeviceSampleRate == 0 {
		a.DeviceSampleRate = a.CaptureSampleRate
	}
	if a.PlaybackSampleRate == 0 {
		a.PlaybackSampleRate = 24000
	}
	if a.PlaybackChannels == 0 {
		a.PlaybackChannels = 1
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = a.PlaybackSampleRate
	}

	s := &c.Session
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 15 * time.Second
	}
	if s.CloseTimeout == 0 {
		s.CloseTimeout = 5 * time.Second
	}
	if s.SendQueue == 0 {
		s.SendQueue = 32
	}
	if s.BreakerFailures == 0 {
		s.BreakerFailures = 3
	}
	if s.BreakerReset == 0 {
		s.BreakerReset = 30 * time.Second
	}
}
