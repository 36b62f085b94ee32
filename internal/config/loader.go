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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"gemini", "openai", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment overrides, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills credentials missing from cfg from the environment.
func ApplyEnv(cfg *Config) {
	if cfg.Providers.LLM.APIKey == "" {
		cfg.Providers.LLM.APIKey = os.Getenv(LLMAPIKeyEnv)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	g := cfg.Generation
	if g.Temperature < 0 || g.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f is out of range [0, 2]", g.Temperature))
	}
	if g.TopK < 0 {
		errs = append(errs, fmt.Errorf("generation.top_k %d must not be negative", g.TopK))
	}
	if g.TopP < 0 || g.TopP > 1 {
		errs = append(errs, fmt.Errorf("generation.top_p %.2f is out of range [0, 1]", g.TopP))
	}
	if g.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("generation.max_output_tokens %d must not be negative", g.MaxOutputTokens))
	}
	if g.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("generation.request_timeout %s must not be negative", g.RequestTimeout))
	}

	if cfg.Playback.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("playback.cache_size %d must not be negative", cfg.Playback.CacheSize))
	}
	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must not be negative", cfg.Playback.SampleRate))
	}
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}

	if cfg.Providers.LLM.Name != "" && cfg.Providers.LLM.APIKey == "" && cfg.Providers.LLM.Name != "ollama" {
		slog.Warn("providers.llm.api_key is empty; set it in the config or "+LLMAPIKeyEnv, "provider", cfg.Providers.LLM.Name)
	}
	if cfg.Providers.STT.Name == "" {
		slog.Info("no STT provider configured; dictation will report an unsupported host")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Info("no TTS provider configured; replies will not be spoken")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
