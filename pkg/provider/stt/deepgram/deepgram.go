// Package deepgram implements stt.Provider on Deepgram's live transcription
// WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aletheia/pkg/provider/stt"
	"github.com/MrWong99/aletheia/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// Deepgram drops a stream after about ten seconds without audio.
	keepAliveInterval = 5 * time.Second

	// closeGrace bounds the wait for the last transcripts after CloseStream.
	closeGrace = 3 * time.Second
)

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, e.g. "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language. A language in the
// stream config takes precedence.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the default input sample rate.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint replaces the streaming URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
	keepAlive  time.Duration
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		keepAlive:  keepAliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns the running session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &session{
		conn:      conn,
		keepAlive: p.keepAlive,
		partials:  make(chan types.Transcript, 64),
		finals:    make(chan types.Transcript, 64),
		audio:     make(chan []byte, 256),
		closing:   make(chan struct{}),
		abandon:   make(chan struct{}),
		writerEnd: make(chan struct{}),
		readerEnd: make(chan struct{}),
	}
	go s.read(ctx)
	go s.write(ctx)
	return s, nil
}

// streamURL adds the recognition parameters to the endpoint.
func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	lang := orDefault(cfg.Language, p.language)
	rate := p.sampleRate
	if cfg.SampleRate > 0 {
		rate = cfg.SampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.Interim))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// session implements stt.SessionHandle.
type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	closing   chan struct{} // Close called; no more audio
	abandon   chan struct{} // grace period over; stop delivering
	writerEnd chan struct{}
	readerEnd chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
	case <-s.readerEnd:
	}
	return stt.ErrSessionClosed
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close flushes queued audio, sends CloseStream and waits up to closeGrace for
// Deepgram to deliver the remaining transcripts and hang up.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.writerEnd
		_ = s.conn.Write(context.Background(), websocket.MessageText, msgCloseStream)

		grace := time.NewTimer(closeGrace)
		defer grace.Stop()
		select {
		case <-s.readerEnd:
		case <-grace.C:
			close(s.abandon)
			_ = s.conn.CloseNow()
			<-s.readerEnd
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// write forwards audio frames and keeps the stream alive during silence.
func (s *session) write(ctx context.Context) {
	defer close(s.writerEnd)
	idle := time.NewTicker(s.keepAlive)
	defer idle.Stop()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			idle.Reset(s.keepAlive)
		case <-idle.C:
			if err := s.conn.Write(ctx, websocket.MessageText, msgKeepAlive); err != nil {
				return
			}
		case <-s.readerEnd:
			return
		case <-s.closing:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// read routes Results messages to the partial or final channel until the
// connection ends.
func (s *session) read(ctx context.Context) {
	defer close(s.readerEnd)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.closing:
			default:
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.fail(fmt.Errorf("deepgram: read: %w", err))
				}
			}
			return
		}
		t, ok := decodeResult(data)
		if !ok {
			continue
		}
		dst := s.partials
		if t.IsFinal {
			dst = s.finals
		}
		select {
		case dst <- t:
		case <-s.abandon:
			return
		}
	}
}

// result is the subset of a Deepgram Results message that is used.
type result struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decodeResult extracts the top alternative of a Results message. Metadata,
// keep-alive echoes and malformed messages report false.
func decodeResult(data []byte) (types.Transcript, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}
	alt := r.Channel.Alternatives[0]
	return types.Transcript{Text: alt.Transcript, IsFinal: r.IsFinal, Confidence: alt.Confidence}, true
}
