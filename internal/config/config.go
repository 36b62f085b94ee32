// Package config defines the YAML configuration of the voice chat server and
// the registry that turns provider entries into live providers.
package config

import (
	"log/slog"
	"time"
)

// LogLevel represents a logging verbosity level.
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

// SlogLevel maps l to a [slog.Level]. Unknown and empty values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultLLMProvider     = "gemini"
	DefaultLLMModel        = "gemini-2.0-flash"
	DefaultTemperature     = 0.7
	DefaultTopK            = 40
	DefaultTopP            = 0.95
	DefaultMaxOutputTokens = 1024
	DefaultRequestTimeout  = 60 * time.Second
	DefaultCacheSize       = 64
	DefaultPreferredVoice  = "Google"
	DefaultSampleRate      = 16000
	DefaultLanguage        = "en-US"
)

// LLMAPIKeyEnv names the environment variable consulted when
// providers.llm.api_key is empty.
const LLMAPIKeyEnv = "ALETHEIA_LLM_API_KEY"

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Generation GenerationConfig `yaml:"generation"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Capture    CaptureConfig    `yaml:"capture"`
}

// ServerConfig holds HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the HTTP server (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls log verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists origin patterns accepted for cross-origin
	// WebSocket clients. Same-origin clients are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig selects the provider for each capability. STT and TTS are
// optional; without them dictation reports an unsupported host and replies are
// not spoken.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered factory (e.g. "gemini", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the provider credential.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the provider model.
	Model string `yaml:"model"`

	// Options carries provider-specific settings.
	Options map[string]any `yaml:"options"`
}

// GenerationConfig holds language-model request parameters. Hot-reloadable.
type GenerationConfig struct {
	Temperature     float64       `yaml:"temperature"`
	TopK            int           `yaml:"top_k"`
	TopP            float64       `yaml:"top_p"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SystemPrompt    string        `yaml:"system_prompt"`
}

// PlaybackConfig configures speech playback.
type PlaybackConfig struct {
	// CacheSize bounds the utterance cache.
	CacheSize int `yaml:"cache_size"`

	// PreferredVoice is matched as a substring against voice names.
	// Hot-reloadable.
	PreferredVoice string `yaml:"preferred_voice"`

	// SampleRate is the PCM rate sent to the client.
	SampleRate int `yaml:"sample_rate"`
}

// CaptureConfig configures speech capture.
type CaptureConfig struct {
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
}

// ApplyDefaults fills zero values in cfg with their defaults. It is called by
// [LoadFromReader] before validation.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
		if cfg.Providers.LLM.Model == "" {
			cfg.Providers.LLM.Model = DefaultLLMModel
		}
	}

	g := &cfg.Generation
	if g.Temperature == 0 {
		g.Temperature = DefaultTemperature
	}
	if g.TopK == 0 {
		g.TopK = DefaultTopK
	}
	if g.TopP == 0 {
		g.TopP = DefaultTopP
	}
	if g.MaxOutputTokens == 0 {
		g.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if g.RequestTimeout == 0 {
		g.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.Playback.CacheSize == 0 {
		cfg.Playback.CacheSize = DefaultCacheSize
	}
	if cfg.Playback.PreferredVoice == "" {
		cfg.Playback.PreferredVoice = DefaultPreferredVoice
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultSampleRate
	}
	if cfg.Capture.Language == "" {
		cfg.Capture.Language = DefaultLanguage
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultSampleRate
	}
}
