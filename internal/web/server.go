// Package web is the presentation bridge between a browser page and the
// conversation controller.
//
// A single client attaches over a WebSocket at /ws. It sends JSON intents and
// binary microphone frames (16-bit mono PCM); it receives a JSON state
// snapshot after every transition and binary frames of synthesized speech.
// The package holds no business rules: every intent is forwarded verbatim to
// the controller, which decides what happens.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/aletheia/internal/capture"
	"github.com/MrWong99/aletheia/internal/conversation"
	"github.com/MrWong99/aletheia/internal/health"
	"github.com/MrWong99/aletheia/internal/observe"
	"github.com/MrWong99/aletheia/internal/playback"
)

// readLimit bounds a single incoming WebSocket message.
const readLimit = 1 << 20

// Session is the controller surface driven by the presentation layer.
// [conversation.Controller] implements it.
type Session interface {
	SubmitUserMessage(ctx context.Context, text string) error
	ToggleAssistantSpeech(ctx context.Context)
	SetDraft(text string)
	StartDictation(ctx context.Context) error
	StopDictation()
	Subscribe() (<-chan conversation.State, func())
}

// Microphone receives raw capture audio. [capture.STTRecognizer] implements it.
type Microphone interface {
	Feed(pcm []byte) error
}

// Speaker accepts an audio sink for synthesized speech.
// [playback.TTSSynthesizer] implements it.
type Speaker interface {
	SetSink(s playback.Sink)
}

var (
	_ Session    = (*conversation.Controller)(nil)
	_ Microphone = (*capture.STTRecognizer)(nil)
	_ Speaker    = (*playback.TTSSynthesizer)(nil)
)

// Intent types sent by the client.
const (
	IntentSend           = "send"
	IntentDraft          = "draft"
	IntentToggleSpeech   = "toggle_speech"
	IntentDictationStart = "dictation_start"
	IntentDictationStop  = "dictation_stop"
)

// intent is a client message.
type intent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// stateMessage is the server message carrying a snapshot.
type stateMessage struct {
	Type string `json:"type"`
	conversation.State
}

// Option configures a Server.
type Option func(*Server)

// WithMicrophone routes binary client frames to m.
func WithMicrophone(m Microphone) Option {
	return func(s *Server) { s.mic = m }
}

// WithSpeaker sends synthesized speech of sp to the attached client.
func WithSpeaker(sp Speaker) Option {
	return func(s *Server) { s.speaker = sp }
}

// WithMetrics enables HTTP and attachment metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns allows cross-origin WebSocket clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server serves the presentation endpoints. Only one client may be attached
// at a time since the process hosts a single conversation.
type Server struct {
	session        Session
	mic            Microphone
	speaker        Speaker
	metrics        *observe.Metrics
	health         *health.Handler
	metricsHandler http.Handler
	origins        []string

	mu       sync.Mutex
	attached bool
}

// New creates a Server for session.
func New(session Session, opts ...Option) *Server {
	s := &Server{session: session}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// Attached reports whether a client is connected.
func (s *Server) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *Server) attach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false
	}
	s.attached = true
	return true
}

func (s *Server) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.attach() {
		http.Error(w, "a client is already attached", http.StatusConflict)
		return
	}
	defer s.detach()

	log := observe.Logger(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	if s.metrics != nil {
		s.metrics.AttachedClients.Add(r.Context(), 1)
		defer s.metrics.AttachedClients.Add(context.WithoutCancel(r.Context()), -1)
	}
	log.Info("client attached", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if s.speaker != nil {
		s.speaker.SetSink(playback.SinkFunc(func(ctx context.Context, pcm []byte) error {
			return conn.Write(ctx, websocket.MessageBinary, pcm)
		}))
		defer s.speaker.SetSink(nil)
	}

	states, unsubscribe := s.session.Subscribe()
	defer unsubscribe()
	go s.pushStates(ctx, cancel, conn, states, log)

	err = s.readLoop(ctx, conn, log)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("client detached")
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		log.Info("client detached")
	default:
		log.Warn("client connection failed", "err", err)
	}
}

// pushStates writes every snapshot to the client until the subscription ends
// or a write fails.
func (s *Server) pushStates(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, states <-chan conversation.State, log *slog.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			data, err := json.Marshal(stateMessage{Type: "state", State: st})
			if err != nil {
				log.Error("encode state", "err", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				log.Debug("state write failed", "err", err)
				return
			}
		}
	}
}

// readLoop dispatches client messages until the connection ends.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			s.feed(data, log)
		case websocket.MessageText:
			var in intent
			if err := json.Unmarshal(data, &in); err != nil {
				log.Debug("malformed intent", "err", err)
				continue
			}
			s.dispatch(ctx, in, log)
		}
	}
}

func (s *Server) feed(pcm []byte, log *slog.Logger) {
	if s.mic == nil {
		return
	}
	if err := s.mic.Feed(pcm); err != nil && !errors.Is(err, capture.ErrNoSession) {
		log.Debug("microphone feed failed", "err", err)
	}
}

// dispatch forwards one intent. Rejections are reflected in the state
// snapshots, so errors are only logged.
func (s *Server) dispatch(ctx context.Context, in intent, log *slog.Logger) {
	switch in.Type {
	case IntentSend:
		if err := s.session.SubmitUserMessage(ctx, in.Text); err != nil {
			log.Debug("send ignored", "err", err)
		}
	case IntentDraft:
		s.session.SetDraft(in.Text)
	case IntentToggleSpeech:
		s.session.ToggleAssistantSpeech(ctx)
	case IntentDictationStart:
		if err := s.session.StartDictation(ctx); err != nil {
			log.Debug("dictation not started", "err", err)
		}
	case IntentDictationStop:
		s.session.StopDictation()
	default:
		log.Debug("unknown intent", "type", in.Type)
	}
}
