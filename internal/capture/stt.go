package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/aletheia/internal/observe"
	"github.com/MrWong99/aletheia/pkg/provider/stt"
	"github.com/MrWong99/aletheia/pkg/types"
)

// ErrNoSession is returned by [STTRecognizer.Feed] while no recognition runs.
var ErrNoSession = errors.New("capture: no active recognition")

// STTRecognizer implements [Recognizer] on top of a streaming [stt.Provider].
// Microphone audio is pushed in with [STTRecognizer.Feed] and routed to the
// most recently started recognition.
type STTRecognizer struct {
	provider stt.Provider

	mu     sync.Mutex
	active *sttRecognition
}

// NewSTTRecognizer creates a recognizer over p.
func NewSTTRecognizer(p stt.Provider) (*STTRecognizer, error) {
	if p == nil {
		return nil, fmt.Errorf("capture: stt provider must not be nil")
	}
	return &STTRecognizer{provider: p}, nil
}

// NewRecognition prepares a session. The provider stream is opened by Start.
func (r *STTRecognizer) NewRecognition(ctx context.Context, s Settings) (Recognition, error) {
	if s.SampleRate <= 0 {
		return nil, fmt.Errorf("capture: invalid sample rate %d", s.SampleRate)
	}
	return &sttRecognition{
		owner:    r,
		ctx:      ctx,
		settings: s,
		events:   make(chan RecognitionEvent, 32),
	}, nil
}

// Feed forwards 16-bit mono PCM to the running recognition.
func (r *STTRecognizer) Feed(pcm []byte) error {
	r.mu.Lock()
	rec := r.active
	r.mu.Unlock()
	if rec == nil {
		return ErrNoSession
	}
	return rec.send(pcm)
}

func (r *STTRecognizer) attach(rec *sttRecognition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = rec
}

func (r *STTRecognizer) detach(rec *sttRecognition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == rec {
		r.active = nil
	}
}

// sttRecognition is one provider stream. Finals are committed segments; the
// latest partial is the trailing in-progress segment.
type sttRecognition struct {
	owner    *STTRecognizer
	ctx      context.Context
	settings Settings
	events   chan RecognitionEvent

	mu      sync.Mutex
	session stt.SessionHandle
	started bool
	aborted bool
	closed  bool
}

func (r *sttRecognition) Events() <-chan RecognitionEvent { return r.events }

func (r *sttRecognition) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("capture: recognition already started")
	}
	session, err := r.owner.provider.StartStream(r.ctx, stt.StreamConfig{
		SampleRate: r.settings.SampleRate,
		Channels:   1,
		Language:   r.settings.Language,
		Interim:    r.settings.InterimResults,
	})
	if err != nil {
		return fmt.Errorf("capture: start stream: %w", err)
	}
	r.session = session
	r.started = true
	r.owner.attach(r)
	go r.pump(session)
	return nil
}

func (r *sttRecognition) Stop() error {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	r.owner.detach(r)
	if session == nil {
		return nil
	}
	// Close flushes pending audio and waits for the provider's last results,
	// which the pump still delivers.
	go func() {
		if err := session.Close(); err != nil {
			observe.Logger(r.ctx).Warn("stt session close failed", "err", err)
		}
	}()
	return nil
}

func (r *sttRecognition) Abort() {
	r.mu.Lock()
	r.aborted = true
	session := r.session
	started := r.started
	r.mu.Unlock()
	r.owner.detach(r)
	if session != nil {
		go func() { _ = session.Close() }()
	}
	if !started {
		r.finish()
	}
}

func (r *sttRecognition) send(pcm []byte) error {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil {
		return ErrNoSession
	}
	return session.SendAudio(pcm)
}

// pump turns provider transcripts into result-list events until the session
// ends, then reports an error if the stream failed and always an end.
func (r *sttRecognition) pump(session stt.SessionHandle) {
	defer r.finish()

	var (
		committed []Segment
		interim   string
	)
	partials, finals := session.Partials(), session.Finals()
	for partials != nil || finals != nil {
		var t types.Transcript
		var ok bool
		select {
		case t, ok = <-partials:
			if !ok {
				partials = nil
				continue
			}
			interim = t.Text
		case t, ok = <-finals:
			if !ok {
				finals = nil
				continue
			}
			committed = append(committed, Segment{Text: t.Text, Final: true})
			interim = ""
		}
		segs := make([]Segment, len(committed), len(committed)+1)
		copy(segs, committed)
		if interim != "" {
			segs = append(segs, Segment{Text: interim})
		}
		r.emit(RecognitionEvent{Kind: RawResult, Results: segs})
	}

	if err := session.Err(); err != nil {
		observe.Logger(r.ctx).Warn("stt session failed", "err", err)
		r.emit(RecognitionEvent{Kind: RawError, Code: "network"})
	}
	r.emit(RecognitionEvent{Kind: RawEnd})
}

// emit delivers ev unless the recognition was aborted. Only the pump sends,
// and the events channel is closed by the pump itself, so the send never races
// the close.
func (r *sttRecognition) emit(ev RecognitionEvent) {
	r.mu.Lock()
	skip := r.aborted || r.closed
	r.mu.Unlock()
	if skip {
		return
	}
	r.events <- ev
}

func (r *sttRecognition) finish() {
	r.owner.detach(r)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.events)
}

var _ Recognizer = (*STTRecognizer)(nil)
