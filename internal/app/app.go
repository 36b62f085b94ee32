// Package app wires the voice chat subsystems into a running server.
//
// New builds the playback and capture adapters on top of the configured
// providers, the conversation controller over them, and the HTTP server that
// exposes the controller to a browser page. Run serves until the context is
// cancelled; Shutdown tears everything down in order.
//
// Tests inject a listener, metrics or a log level variable via functional
// options; everything else comes from the config and the providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aletheia/internal/capture"
	"github.com/MrWong99/aletheia/internal/config"
	"github.com/MrWong99/aletheia/internal/conversation"
	"github.com/MrWong99/aletheia/internal/health"
	"github.com/MrWong99/aletheia/internal/observe"
	"github.com/MrWong99/aletheia/internal/playback"
	"github.com/MrWong99/aletheia/internal/web"
	"github.com/MrWong99/aletheia/pkg/provider/llm"
	"github.com/MrWong99/aletheia/pkg/provider/stt"
	"github.com/MrWong99/aletheia/pkg/provider/tts"
	"github.com/MrWong99/aletheia/pkg/types"
)

// httpShutdownTimeout bounds the graceful HTTP drain once Run's context ends.
const httpShutdownTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Nil STT or TTS means
// the capability is not configured. Populated by main.go via the config
// registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	listener       net.Listener
	watcher        *config.Watcher

	synth      *playback.TTSSynthesizer
	playback   *playback.Adapter
	recognizer *capture.STTRecognizer
	capture    *capture.Adapter
	controller *conversation.Controller
	health     *health.Handler
	web        *web.Server
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records application metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads adjust the level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithListener serves on ln instead of listening on the configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatcher polls path for hot-reloadable changes while Run is active.
func WithConfigWatcher(path string, interval time.Duration) Option {
	return func(a *App) {
		w, err := config.NewWatcher(path, a.applyConfig, config.WithInterval(interval))
		if err != nil {
			slog.Warn("config hot reload disabled", "path", path, "err", err)
			return
		}
		a.watcher = w
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. An LLM provider is
// required; STT and TTS are optional.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Playback ──────────────────────────────────────────────────────
	if err := a.initPlayback(ctx); err != nil {
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 2. Capture ───────────────────────────────────────────────────────
	if err := a.initCapture(); err != nil {
		return nil, fmt.Errorf("app: init capture: %w", err)
	}

	// ── 3. Conversation controller ───────────────────────────────────────
	if err := a.initController(); err != nil {
		return nil, fmt.Errorf("app: init controller: %w", err)
	}

	// ── 4. Presentation ──────────────────────────────────────────────────
	a.initWeb()

	return a, nil
}

func (a *App) initPlayback(ctx context.Context) error {
	if a.providers.TTS == nil {
		slog.Info("playback disabled, no tts provider")
		return nil
	}
	synthOpts := []playback.SynthOption{playback.WithSinkRate(a.cfg.Playback.SampleRate)}
	if rate := optInt(a.cfg.Providers.TTS.Options, "sample_rate"); rate > 0 {
		synthOpts = append(synthOpts, playback.WithSourceRate(rate))
	}
	if id := optString(a.cfg.Providers.TTS.Options, "voice_id"); id != "" {
		synthOpts = append(synthOpts, playback.WithDefaultVoice(types.VoiceProfile{ID: id, Provider: a.cfg.Providers.TTS.Name}))
	}
	if a.metrics != nil {
		synthOpts = append(synthOpts, playback.WithSynthMetrics(a.metrics, a.cfg.Providers.TTS.Name))
	}
	synth, err := playback.NewTTSSynthesizer(a.providers.TTS, synthOpts...)
	if err != nil {
		return err
	}

	pbOpts := []playback.Option{
		playback.WithCacheSize(a.cfg.Playback.CacheSize),
		playback.WithPreferredVoice(a.cfg.Playback.PreferredVoice),
	}
	if a.metrics != nil {
		pbOpts = append(pbOpts, playback.WithMetrics(a.metrics))
	}
	adapter, err := playback.New(synth, pbOpts...)
	if err != nil {
		return err
	}

	// Warm the voice list so the first reply does not wait for it.
	voices := synth.Voices(ctx)
	slog.Info("playback ready", "voices", len(voices), "preferred_voice", a.cfg.Playback.PreferredVoice)

	a.synth = synth
	a.playback = adapter
	a.closers = append(a.closers, func() error {
		synth.Cancel()
		synth.Wait()
		return nil
	})
	return nil
}

func (a *App) initCapture() error {
	var capOpts []capture.Option
	capOpts = append(capOpts,
		capture.WithLanguage(a.cfg.Capture.Language),
		capture.WithSampleRate(a.cfg.Capture.SampleRate),
	)
	if a.metrics != nil {
		capOpts = append(capOpts, capture.WithMetrics(a.metrics))
	}

	if a.providers.STT == nil {
		slog.Info("dictation disabled, no stt provider")
		a.capture = capture.NewAdapter(nil, capOpts...)
		return nil
	}
	rec, err := capture.NewSTTRecognizer(a.providers.STT)
	if err != nil {
		return err
	}
	a.recognizer = rec
	a.capture = capture.NewAdapter(rec, capOpts...)
	return nil
}

func (a *App) initController() error {
	g := a.cfg.Generation
	opts := []conversation.Option{
		conversation.WithGeneration(a.generation(g)),
		conversation.WithSystemPrompt(g.SystemPrompt),
		conversation.WithRequestTimeout(g.RequestTimeout),
		conversation.WithLogger(slog.Default()),
	}
	if a.metrics != nil {
		opts = append(opts, conversation.WithMetrics(a.metrics, a.cfg.Providers.LLM.Name))
	}

	// A nil *playback.Adapter must stay a nil interface.
	var pb conversation.Playback
	if a.playback != nil {
		pb = a.playback
	}
	ctrl, err := conversation.New(a.providers.LLM, pb, a.capture, opts...)
	if err != nil {
		return err
	}
	a.controller = ctrl
	return nil
}

func (a *App) initWeb() {
	checkers := []health.Checker{health.Configured("llm", a.providers.LLM)}
	if a.cfg.Providers.STT.Name != "" {
		checkers = append(checkers, health.Configured("stt", a.providers.STT))
	}
	if a.cfg.Providers.TTS.Name != "" {
		checkers = append(checkers, health.Configured("tts", a.providers.TTS))
	}
	a.health = health.New(checkers...)

	opts := []web.Option{
		web.WithHealth(a.health),
		web.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	}
	if a.recognizer != nil {
		opts = append(opts, web.WithMicrophone(a.recognizer))
	}
	if a.synth != nil {
		opts = append(opts, web.WithSpeaker(a.synth))
	}
	if a.metrics != nil {
		opts = append(opts, web.WithMetrics(a.metrics))
	}
	if a.metricsHandler != nil {
		opts = append(opts, web.WithMetricsHandler(a.metricsHandler))
	}
	a.web = web.New(a.controller, opts...)
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Controller returns the conversation controller.
func (a *App) Controller() *conversation.Controller { return a.controller }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when configured, polls the config file until ctx is
// cancelled. It returns ctx's error on a normal stop or the first serve error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if a.listener != nil {
			slog.Info("http server listening", "addr", a.listener.Addr().String())
			err = a.httpServer.Serve(a.listener)
		} else {
			slog.Info("http server listening", "addr", a.httpServer.Addr)
			err = a.httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// applyConfig applies the hot-reloadable part of a config change.
func (a *App) applyConfig(_, new *config.Config, d config.ConfigDiff) {
	if d.GenerationChanged {
		a.controller.SetGeneration(a.generation(d.NewGeneration))
		a.controller.SetSystemPrompt(d.NewGeneration.SystemPrompt)
		a.controller.SetRequestTimeout(d.NewGeneration.RequestTimeout)
		slog.Info("generation parameters changed",
			"temperature", d.NewGeneration.Temperature,
			"top_k", d.NewGeneration.TopK,
			"top_p", d.NewGeneration.TopP,
			"max_output_tokens", d.NewGeneration.MaxOutputTokens,
		)
	}
	if d.PreferredVoiceChanged && a.playback != nil {
		a.playback.SetPreferredVoice(d.NewPreferredVoice)
		slog.Info("preferred voice changed", "voice", d.NewPreferredVoice)
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	a.cfg = new
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, closes the controller (aborting
// dictation and playback), then runs the closers. If ctx expires first, the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining()

		if err := a.controller.Close(); err != nil {
			slog.Warn("controller close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// generation converts g, capping the output budget at what the model allows.
func (a *App) generation(g config.GenerationConfig) conversation.Generation {
	caps := a.providers.LLM.Capabilities()
	maxTokens := llm.ClampMaxTokens(g.MaxOutputTokens, caps)
	if maxTokens != g.MaxOutputTokens {
		slog.Warn("max_output_tokens exceeds model limit, clamping",
			"configured", g.MaxOutputTokens, "limit", caps.MaxOutputTokens)
	}
	return conversation.Generation{
		Temperature:     g.Temperature,
		TopK:            g.TopK,
		TopP:            g.TopP,
		MaxOutputTokens: maxTokens,
	}
}

// optInt reads an integer option decoded from YAML.
func optString(opts map[string]any, key string) string {
	v, _ := opts[key].(string)
	return v
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
