package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the environment variables that override file values.
// Unset variables leave the file value alone.
type envOverrides struct {
	APIKey       string `env:"SENSEI_API_KEY"`
	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
	LogLevel     string `env:"SENSEI_LOG_LEVEL"`
	ListenAddr   string `env:"SENSEI_LISTEN_ADDR"`
	Voice        string `env:"SENSEI_VOICE"`
	Model        string `env:"SENSEI_MODEL"`
}

// ApplyEnv overlays environment variables onto cfg. A nil environ reads
// the process environment.
//
// SENSEI_API_KEY always wins over the file. The vendor variables
// (GEMINI_API_KEY, OPENAI_API_KEY) are only used for their own provider and
// only when no key was configured any other way.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	switch {
	case o.APIKey != "":
		cfg.Provider.APIKey = o.APIKey
	case cfg.Provider.APIKey != "":
		// file value stays
	case cfg.Provider.Name == "openai-realtime":
		cfg.Provider.APIKey = o.OpenAIAPIKey
	case cfg.Provider.Name == "" || cfg.Provider.Name == "gemini-live":
		cfg.Provider.APIKey = o.GeminiAPIKey
	}
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	if o.ListenAddr != "" {
		cfg.Server.ListenAddr = o.ListenAddr
	}
	if o.Voice != "" {
		cfg.Voice.Voice = o.Voice
	}
	if o.Model != "" {
		cfg.Provider.Model = o.Model
	}
	return nil
}
