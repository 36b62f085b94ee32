package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a running controller are tracked;
// everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GenerationChanged bool
	NewGeneration     GenerationConfig

	PreferredVoiceChanged bool
	NewPreferredVoice     string

	// RestartRequired is set when a field outside the hot-reloadable set
	// changed (listener, providers, cache size, sample rates, language).
	RestartRequired bool
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.GenerationChanged || d.PreferredVoiceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Generation != new.Generation {
		d.GenerationChanged = true
		d.NewGeneration = new.Generation
	}
	if old.Playback.PreferredVoice != new.Playback.PreferredVoice {
		d.PreferredVoiceChanged = true
		d.NewPreferredVoice = new.Playback.PreferredVoice
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) ||
		!equalEntry(old.Providers.LLM, new.Providers.LLM) ||
		!equalEntry(old.Providers.STT, new.Providers.STT) ||
		!equalEntry(old.Providers.TTS, new.Providers.TTS) ||
		old.Playback.CacheSize != new.Playback.CacheSize ||
		old.Playback.SampleRate != new.Playback.SampleRate ||
		old.Capture != new.Capture {
		d.RestartRequired = true
	}
	return d
}

// equalEntry compares provider entries; Options are compared by key set and
// formatted value since they may hold arbitrary YAML.
func equalEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, va := range a.Options {
		vb, ok := b.Options[k]
		if !ok || !equalValue(va, vb) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k := range av {
			if !equalValue(av[k], bv[k]) {
				return false
			}
		}
		return true
	}
	return a == b
}
