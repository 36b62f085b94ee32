package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/aletheia/internal/app"
	"github.com/MrWong99/aletheia/internal/config"
	"github.com/MrWong99/aletheia/pkg/provider/llm"
	"github.com/MrWong99/aletheia/pkg/provider/llm/anyllm"
	"github.com/MrWong99/aletheia/pkg/provider/llm/gemini"
	"github.com/MrWong99/aletheia/pkg/provider/llm/openai"
	"github.com/MrWong99/aletheia/pkg/provider/stt"
	"github.com/MrWong99/aletheia/pkg/provider/stt/deepgram"
	"github.com/MrWong99/aletheia/pkg/provider/tts"
	"github.com/MrWong99/aletheia/pkg/provider/tts/elevenlabs"
)

// backendAnyLLM is the options.backend value that routes gemini and openai
// through any-llm-go instead of their native SDKs.
const backendAnyLLM = "anyllm"

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		if optString(entry.Options, "backend") == backendAnyLLM {
			return newAnyLLM("gemini", entry)
		}
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(context.Background(), entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		if optString(entry.Options, "backend") == backendAnyLLM {
			return newAnyLLM("openai", entry)
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Everything else any-llm-go supports shares one shape.
	for _, name := range anyllm.SupportedProviders {
		if name == "gemini" || name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			return newAnyLLM(name, entry)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// newAnyLLM builds an any-llm-go backed provider. ollama is a local server
// and takes no API key.
func newAnyLLM(name string, entry config.ProviderEntry) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if entry.APIKey != "" && name != "ollama" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(name, entry.Model, opts...)
}

// buildProviders instantiates the providers named in cfg. The LLM is
// required; STT and TTS are skipped when unnamed.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = p
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("unknown stt provider, dictation disabled", "name", name)
		case err != nil:
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		default:
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("unknown tts provider, playback disabled", "name", name)
		case err != nil:
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		default:
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	return ps, nil
}

// optString extracts a string value from a provider Options map.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
