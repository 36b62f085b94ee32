package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aletheia/internal/conversation"
	"github.com/MrWong99/aletheia/internal/health"
	"github.com/MrWong99/aletheia/internal/playback"
	"github.com/MrWong99/aletheia/pkg/provider/llm"
	llmmock "github.com/MrWong99/aletheia/pkg/provider/llm/mock"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeMic struct {
	mu     sync.Mutex
	frames [][]byte
}

func (m *fakeMic) Feed(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, append([]byte(nil), pcm...))
	return nil
}

func (m *fakeMic) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

type fakeSpeaker struct {
	mu   sync.Mutex
	sink playback.Sink
	set  chan struct{}
}

func newFakeSpeaker() *fakeSpeaker {
	return &fakeSpeaker{set: make(chan struct{}, 4)}
}

func (f *fakeSpeaker) SetSink(s playback.Sink) {
	f.mu.Lock()
	f.sink = s
	f.mu.Unlock()
	f.set <- struct{}{}
}

func (f *fakeSpeaker) current() playback.Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func newController(t *testing.T, reply string) *conversation.Controller {
	t.Helper()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}
	c, err := conversation.New(p, nil, nil)
	if err != nil {
		t.Fatalf("conversation.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeIntent(t *testing.T, conn *websocket.Conn, in intent) {
	t.Helper()
	data, _ := json.Marshal(in)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write intent: %v", err)
	}
}

// readStateUntil reads snapshots until cond holds.
func readStateUntil(t *testing.T, conn *websocket.Conn, cond func(conversation.State) bool) conversation.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg stateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != "state" {
			t.Fatalf("message type = %q, want state", msg.Type)
		}
		if cond(msg.State) {
			return msg.State
		}
	}
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestWS_InitialSnapshot(t *testing.T) {
	url := startServer(t, New(newController(t, "Hi there")))
	conn := dial(t, url)

	s := readStateUntil(t, conn, func(conversation.State) bool { return true })
	if len(s.Transcript) != 0 || s.IsRequestPending {
		t.Errorf("initial snapshot = %+v", s)
	}
}

func TestWS_SendIntentRoundTrip(t *testing.T) {
	url := startServer(t, New(newController(t, "Hi there")))
	conn := dial(t, url)

	writeIntent(t, conn, intent{Type: IntentSend, Text: "Hello"})
	s := readStateUntil(t, conn, func(s conversation.State) bool {
		return len(s.Transcript) == 2 && !s.IsRequestPending
	})
	if s.Transcript[0].Content != "Hello" || s.Transcript[1].Content != "Hi there" {
		t.Errorf("transcript = %+v", s.Transcript)
	}
}

func TestWS_DraftAndDictationIntents(t *testing.T) {
	url := startServer(t, New(newController(t, "ok")))
	conn := dial(t, url)

	writeIntent(t, conn, intent{Type: IntentDraft, Text: "typing"})
	readStateUntil(t, conn, func(s conversation.State) bool { return s.Draft == "typing" })

	// No capture adapter is configured, so dictation reports an unsupported host.
	writeIntent(t, conn, intent{Type: IntentDictationStart})
	s := readStateUntil(t, conn, func(s conversation.State) bool { return s.LastError != "" })
	if s.IsListening || s.LastErrorKind != conversation.ErrorKindCapture {
		t.Errorf("state = %+v", s)
	}
}

func TestWS_UnknownAndMalformedIntentsIgnored(t *testing.T) {
	url := startServer(t, New(newController(t, "ok")))
	conn := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeIntent(t, conn, intent{Type: "dance"})
	writeIntent(t, conn, intent{Type: IntentDraft, Text: "still alive"})

	readStateUntil(t, conn, func(s conversation.State) bool { return s.Draft == "still alive" })
}

func TestWS_SecondClientRejected(t *testing.T) {
	srv := New(newController(t, "ok"))
	url := startServer(t, srv)
	conn := dial(t, url)
	readStateUntil(t, conn, func(conversation.State) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("second dial succeeded, want 409")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("response = %+v, want 409", resp)
	}
	if !srv.Attached() {
		t.Error("Attached() = false while the first client is connected")
	}
}

func TestWS_ReattachAfterDisconnect(t *testing.T) {
	srv := New(newController(t, "ok"))
	url := startServer(t, srv)

	conn := dial(t, url)
	readStateUntil(t, conn, func(conversation.State) bool { return true })
	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for srv.Attached() {
		if time.Now().After(deadline) {
			t.Fatal("server still attached after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	conn2 := dial(t, url)
	readStateUntil(t, conn2, func(conversation.State) bool { return true })
}

func TestWS_BinaryFramesFeedMicrophone(t *testing.T) {
	mic := &fakeMic{}
	url := startServer(t, New(newController(t, "ok"), WithMicrophone(mic)))
	conn := dial(t, url)
	readStateUntil(t, conn, func(conversation.State) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for range 3 {
		if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3, 4}); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for mic.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("microphone frames = %d, want 3", mic.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWS_SpeakerSinkStreamsBinary(t *testing.T) {
	sp := newFakeSpeaker()
	url := startServer(t, New(newController(t, "ok"), WithSpeaker(sp)))
	conn := dial(t, url)

	select {
	case <-sp.set:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never installed")
	}
	if err := sp.current().WriteAudio(context.Background(), []byte{9, 8, 7, 6}); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ == websocket.MessageBinary {
			if len(data) != 4 || data[0] != 9 {
				t.Errorf("audio = %v", data)
			}
			break
		}
	}

	conn.CloseNow()
	select {
	case <-sp.set:
	case <-time.After(2 * time.Second):
		t.Fatal("sink not reset after disconnect")
	}
	if sp.current() != nil {
		t.Error("sink still installed after disconnect")
	}
}

func TestHealthRoutes(t *testing.T) {
	h := health.New(health.Checker{Name: "llm", Check: func(context.Context) error { return nil }})
	url := startServer(t, New(newController(t, "ok"), WithHealth(h)))

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(url + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	mh := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	url := startServer(t, New(newController(t, "ok"), WithMetricsHandler(mh)))

	resp, err := http.Get(url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}

func TestWS_ControllerCloseEndsConnection(t *testing.T) {
	ctrl := newController(t, "ok")
	url := startServer(t, New(ctrl))
	conn := dial(t, url)
	readStateUntil(t, conn, func(conversation.State) bool { return true })

	_ = ctrl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusGoingAway {
				t.Errorf("close status = %v, want going away", websocket.CloseStatus(err))
			}
			return
		}
	}
}
