package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aletheia/internal/app"
	"github.com/MrWong99/aletheia/internal/capture"
	"github.com/MrWong99/aletheia/internal/config"
	"github.com/MrWong99/aletheia/internal/conversation"
	"github.com/MrWong99/aletheia/pkg/provider/llm"
	llmmock "github.com/MrWong99/aletheia/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/aletheia/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/aletheia/pkg/provider/tts/mock"
	"github.com/MrWong99/aletheia/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.TTS.Name = "mock"
	cfg.Providers.STT.Name = "mock"
	config.ApplyDefaults(cfg)
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hi there"}},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{
			ListVoicesResult: []types.VoiceProfile{{ID: "v1", Name: "Google US English"}},
			SynthesizeChunks: [][]byte{{1, 0, 2, 0}},
		},
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// runApp starts a.Run and returns a stop function that cancels it and
// reports Run's result.
func runApp(t *testing.T, a *app.App) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var stopped bool
	var result error
	stop := func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
		return result
	}
	t.Cleanup(func() {
		_ = stop()
		_ = a.Shutdown(context.Background())
	})
	return stop
}

func waitHTTP(t *testing.T, url string) *http.Response {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("GET %s: %v", url, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("New without llm succeeded")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("New with nil providers succeeded")
	}
}

func TestNew_WithoutOptionalProviders(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	providers := &app.Providers{LLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}}

	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctrl := a.Controller()
	if err := ctrl.StartDictation(context.Background()); !errors.Is(err, capture.ErrCaptureUnsupported) {
		t.Errorf("StartDictation err = %v, want ErrCaptureUnsupported", err)
	}
	if s := ctrl.State(); s.LastErrorKind != conversation.ErrorKindCapture {
		t.Errorf("state = %+v", s)
	}

	if err := ctrl.SubmitUserMessage(context.Background(), "Hello"); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}
	ctrl.Wait()
	if s := ctrl.State(); len(s.Transcript) != 2 || s.IsSpeaking {
		t.Errorf("state = %+v, want reply without playback", s)
	}
}

func TestNew_AppliesGenerationConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Generation.Temperature = 0.3
	cfg.Generation.SystemPrompt = "Be brief."
	providers := testProviders()

	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Controller().SubmitUserMessage(context.Background(), "Hello"); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}
	a.Controller().Wait()

	calls := providers.LLM.(*llmmock.Provider).CompleteCalls
	if len(calls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.Temperature != 0.3 || req.TopK != 40 || req.TopP != 0.95 || req.MaxTokens != 1024 || req.SystemPrompt != "Be brief." {
		t.Errorf("request = %+v", req)
	}
}

func TestNew_ClampsMaxTokensToModelLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Generation.MaxOutputTokens = 100_000
	providers := testProviders()
	providers.LLM.(*llmmock.Provider).Caps = llm.Capabilities{MaxOutputTokens: 2_048}

	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Controller().SubmitUserMessage(context.Background(), "Hello"); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}
	a.Controller().Wait()
	calls := providers.LLM.(*llmmock.Provider).Calls()
	if len(calls) != 1 || calls[0].Req.MaxTokens != 2_048 {
		t.Errorf("calls = %+v, want max tokens 2048", calls)
	}
}

func TestNew_DefaultVoiceFromTTSOptions(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Providers.TTS.Options = map[string]any{"voice_id": "fallback"}
	providers := testProviders()
	tp := providers.TTS.(*ttsmock.Provider)
	tp.ListVoicesResult = nil

	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Controller().SubmitUserMessage(context.Background(), "Hello"); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}
	a.Controller().Wait()

	deadline := time.Now().Add(2 * time.Second)
	for len(tp.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reply was never synthesized")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tp.Calls()[0].Voice.ID; got != "fallback" {
		t.Errorf("voice = %q, want fallback", got)
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestApp_EndToEnd(t *testing.T) {
	t.Parallel()
	ln := listen(t)
	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithListener(ln))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runApp(t, a)

	resp := waitHTTP(t, "http://"+ln.Addr().String()+"/healthz")
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"send","text":"Hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	var gotReply, gotAudio bool
	for !gotReply || !gotAudio {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read (reply=%v audio=%v): %v", gotReply, gotAudio, err)
		}
		switch typ {
		case websocket.MessageBinary:
			gotAudio = len(data) > 0
		case websocket.MessageText:
			var msg struct {
				Type       string          `json:"type"`
				Transcript []types.Message `json:"transcript"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(msg.Transcript) == 2 && msg.Transcript[1].Content == "Hi there" {
				gotReply = true
			}
		}
	}

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestApp_RunFailsOnBadAddress(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "256.0.0.1:bad"
	a, err := app.New(context.Background(), cfg, testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want a listen error", err)
	}
}

func TestApp_ShutdownDrainsReadiness(t *testing.T) {
	t.Parallel()
	ln := listen(t)
	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithListener(ln))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runApp(t, a)

	url := "http://" + ln.Addr().String() + "/readyz"
	resp := waitHTTP(t, url)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz before shutdown = %d", resp.StatusCode)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	resp = waitHTTP(t, url)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", resp.StatusCode)
	}
	if err := a.Controller().SubmitUserMessage(context.Background(), "late"); !errors.Is(err, conversation.ErrClosed) {
		t.Errorf("submit after shutdown = %v, want ErrClosed", err)
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown #%d: %v", i+1, err)
		}
	}
}

func TestApp_ShutdownExpiredContext(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
}

// ── Hot reload ───────────────────────────────────────────────────────────────

func TestApp_ConfigReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	providers := testProviders()
	level := new(slog.LevelVar)
	a, err := app.New(context.Background(), cfg, providers,
		app.WithListener(listen(t)),
		app.WithLogLevel(level),
		app.WithConfigWatcher(path, 10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runApp(t, a)

	updated := "server:\n  log_level: debug\ngeneration:\n  temperature: 0.2\n  top_k: 5\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for level.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatal("log level not reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Controller().SubmitUserMessage(context.Background(), "Hello"); err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}
	a.Controller().Wait()
	calls := providers.LLM.(*llmmock.Provider).CompleteCalls
	if len(calls) != 1 || calls[0].Req.Temperature != 0.2 || calls[0].Req.TopK != 5 {
		t.Errorf("request after reload = %+v", calls)
	}
}
