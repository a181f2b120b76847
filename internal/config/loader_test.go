package config_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/config"
)

func TestLoadWithEnv_Overrides(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: info
  listen_addr: ":8080"
provider:
  api_key: from-file
  model: file-model
voice:
  voice: Puck
`
	cfg, err := config.LoadWithEnv(strings.NewReader(yaml), map[string]string{
		"SENSEI_API_KEY":     "from-env",
		"SENSEI_LOG_LEVEL":   "warn",
		"SENSEI_LISTEN_ADDR": "127.0.0.1:7000",
		"SENSEI_VOICE":       "Charon",
		"SENSEI_MODEL":       "env-model",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("api_key = %q; want %q", cfg.Provider.APIKey, "from-env")
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q; want %q", cfg.Server.LogLevel, config.LogWarn)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:7000" {
		t.Errorf("listen_addr = %q; want %q", cfg.Server.ListenAddr, "127.0.0.1:7000")
	}
	if cfg.Voice.Voice != "Charon" {
		t.Errorf("voice = %q; want %q", cfg.Voice.Voice, "Charon")
	}
	if cfg.Provider.Model != "env-model" {
		t.Errorf("model = %q; want %q", cfg.Provider.Model, "env-model")
	}
}

func TestLoadWithEnv_UnsetKeepsFileValues(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadWithEnv(strings.NewReader("voice:\n  voice: Puck\n"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Voice.Voice != "Puck" {
		t.Errorf("voice = %q; want %q", cfg.Voice.Voice, "Puck")
	}
}

func TestLoadWithEnv_VendorKeyFallback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		environ map[string]string
		want    string
	}{
		{
			name:    "used when nothing else is set",
			environ: map[string]string{"GEMINI_API_KEY": "gemini"},
			want:    "gemini",
		},
		{
			name:    "file wins over GEMINI_API_KEY",
			yaml:    "provider:\n  api_key: file\n",
			environ: map[string]string{"GEMINI_API_KEY": "gemini"},
			want:    "file",
		},
		{
			name:    "vendor key follows the provider",
			yaml:    "provider:\n  name: openai-realtime\n",
			environ: map[string]string{"GEMINI_API_KEY": "gemini", "OPENAI_API_KEY": "openai"},
			want:    "openai",
		},
		{
			name:    "other vendor key ignored",
			yaml:    "provider:\n  name: gemini-live\n",
			environ: map[string]string{"OPENAI_API_KEY": "openai"},
			want:    "",
		},
		{
			name:    "SENSEI_API_KEY wins over both",
			yaml:    "provider:\n  api_key: file\n",
			environ: map[string]string{"GEMINI_API_KEY": "gemini", "SENSEI_API_KEY": "sensei"},
			want:    "sensei",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.LoadWithEnv(strings.NewReader(tt.yaml), tt.environ)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Provider.APIKey != tt.want {
				t.Errorf("api_key = %q; want %q", cfg.Provider.APIKey, tt.want)
			}
		})
	}
}

func TestLoadWithEnv_InvalidLogLevelFromEnv(t *testing.T) {
	t.Parallel()
	_, err := config.LoadWithEnv(strings.NewReader(""), map[string]string{"SENSEI_LOG_LEVEL": "chatty"})
	if err == nil {
		t.Fatal("expected error for invalid SENSEI_LOG_LEVEL, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestApplyEnv_LeavesUnsetFields(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:   config.ServerConfig{ListenAddr: ":1"},
		Provider: config.ProviderEntry{Model: "m"},
	}
	if err := config.ApplyEnv(cfg, map[string]string{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":1" || cfg.Provider.Model != "m" {
		t.Errorf("ApplyEnv changed fields with an empty environment: %+v", cfg)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sensei.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.Name != "gemini-live" {
		t.Errorf("provider.name = %q; want %q", cfg.Provider.Name, "gemini-live")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error should wrap fs.ErrNotExist, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	found := false
	for _, n := range config.ValidProviderNames {
		if n == "gemini-live" {
			found = true
		}
	}
	if !found {
		t.Error("ValidProviderNames should include gemini-live")
	}
}

func TestExampleConfig(t *testing.T) {
	t.Parallel()
	f, err := os.Open(filepath.Join("..", "..", "configs", "sensei.example.yaml"))
	if err != nil {
		t.Fatalf("open example config: %v", err)
	}
	defer f.Close()

	cfg, err := config.LoadWithEnv(f, nil)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Provider.Name != "gemini-live" {
		t.Errorf("provider = %q; want gemini-live", cfg.Provider.Name)
	}
	if cfg.Session.BreakerReset.String() != "30s" {
		t.Errorf("breaker_reset = %v; want 30s", cfg.Session.BreakerReset)
	}
	if cfg.Voice.Instructions != config.DefaultInstructions {
		t.Error("empty instructions should fall back to DefaultInstructions")
	}
}
