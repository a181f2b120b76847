package config

// ConfigDiff describes what changed between two configs.
//
// Log level changes apply immediately. Voice and session changes apply to
// the next voice session. Everything flagged by [ConfigDiff.RestartRequired]
// only takes effect after a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InstructionsChanged bool
	VoiceChanged        bool
	GreetingChanged     bool

	// SessionChanged is true if any timeout, queue, or breaker setting changed.
	SessionChanged bool

	ProviderChanged   bool
	AudioChanged      bool
	ListenAddrChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr

	d.InstructionsChanged = old.Voice.Instructions != new.Voice.Instructions
	d.VoiceChanged = old.Voice.Voice != new.Voice.Voice
	d.GreetingChanged = old.Voice.Greeting != new.Voice.Greeting

	d.SessionChanged = old.Session != new.Session
	d.AudioChanged = old.Audio != new.Audio
	d.ProviderChanged = providerChanged(old.Provider, new.Provider)

	return d
}

// NextSessionChanged reports whether the next voice session will be built
// differently from the last one.
func (d ConfigDiff) NextSessionChanged() bool {
	return d.InstructionsChanged || d.VoiceChanged || d.GreetingChanged || d.SessionChanged
}

// RestartRequired reports whether any changed field is only read at startup.
func (d ConfigDiff) RestartRequired() bool {
	return d.ProviderChanged || d.AudioChanged || d.ListenAddrChanged
}

func providerChanged(old, new ProviderEntry) bool {
	if old.Name != new.Name || old.APIKey != new.APIKey ||
		old.BaseURL != new.BaseURL || old.Model != new.Model {
		return true
	}
	if len(old.Options) != len(new.Options) {
		return true
	}
	for k, v := range old.Options {
		nv, ok := new.Options[k]
		if !ok || !sameOption(v, nv) {
			return true
		}
	}
	return false
}

// sameOption compares scalar option values. Nested maps and lists are
// treated as changed.
func sameOption(a, b any) bool {
	switch a.(type) {
	case string, bool, int, int64, float64:
		return a == b
	}
	return false
}
