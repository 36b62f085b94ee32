package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/aletheia/internal/observe"
)

// EventKind tags adapter events.
type EventKind int

const (
	// EventResult carries the concatenated transcript recognised so far.
	EventResult EventKind = iota + 1
	// EventEnd reports that capture stopped.
	EventEnd
	// EventError reports an engine failure code.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventResult:
		return "result"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a tagged capture notification. Session identifies the start cycle
// that produced it so consumers can drop events from an abandoned session.
type Event struct {
	Kind    EventKind
	Session uint64
	Text    string
	Code    string
}

// Err returns the runtime error carried by an EventError, or nil.
func (e Event) Err() error {
	if e.Kind != EventError {
		return nil
	}
	return &RuntimeError{Code: e.Code}
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLanguage sets the recognition language.
func WithLanguage(lang string) Option {
	return func(a *Adapter) { a.settings.Language = lang }
}

// WithSampleRate sets the audio sample rate reported to the engine.
func WithSampleRate(hz int) Option {
	return func(a *Adapter) {
		if hz > 0 {
			a.settings.SampleRate = hz
		}
	}
}

// WithMetrics records dictation outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// Adapter is the Speech Capture Adapter. It is safe for concurrent use.
//
// The active flag is set by a successful [Adapter.Start] and cleared exactly
// once per cycle, by [Adapter.Stop], [Adapter.Abort], or the first end or
// error event.
type Adapter struct {
	rec      Recognizer
	settings Settings
	metrics  *observe.Metrics

	mu       sync.Mutex
	active   bool
	starting bool
	session  uint64
	ended    uint64
	current  Recognition
	handler  func(Event)
}

// NewAdapter creates an Adapter over rec. A nil rec models a host without
// speech recognition: every Start fails with [ErrCaptureUnsupported].
func NewAdapter(rec Recognizer, opts ...Option) *Adapter {
	a := &Adapter{
		rec: rec,
		settings: Settings{
			Continuous:     true,
			InterimResults: true,
			SampleRate:     16000,
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetHandler installs the event handler. It is called from the adapter's
// forwarding goroutine and must not block.
func (a *Adapter) SetHandler(h func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Supported reports whether a recognizer is configured.
func (a *Adapter) Supported() bool { return a.rec != nil }

// Active reports whether capture is running.
func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Session returns the identifier of the latest start cycle.
func (a *Adapter) Session() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Start begins continuous capture. It is a no-op while already active or
// starting. A recognition left over from a stopped cycle is aborted first.
//
// The engine connects without the adapter lock held; a Stop or Abort issued
// meanwhile cancels the pending start, which then fails with
// [ErrCaptureCancelled].
func (a *Adapter) Start(ctx context.Context) error {
	if a.rec == nil {
		a.record(ctx, "unsupported")
		return ErrCaptureUnsupported
	}

	a.mu.Lock()
	if a.active || a.starting {
		a.mu.Unlock()
		return nil
	}
	if a.current != nil {
		a.current.Abort()
		a.current = nil
	}
	a.starting = true
	a.session++
	id := a.session
	a.mu.Unlock()

	recog, err := a.rec.NewRecognition(ctx, a.settings)
	if err != nil {
		a.abandon(id)
		a.record(ctx, "init_error")
		return fmt.Errorf("%w: %w", ErrCaptureInit, err)
	}

	go a.forward(id, recog)

	if err := recog.Start(); err != nil {
		// Invalidate the session so the forwarder drops anything the aborted
		// recognition still reports.
		a.abandon(id)
		recog.Abort()
		a.record(ctx, "init_error")
		return fmt.Errorf("%w: %w", ErrCaptureStart, err)
	}

	a.mu.Lock()
	a.starting = false
	if a.session != id {
		a.mu.Unlock()
		recog.Abort()
		return ErrCaptureCancelled
	}
	a.current = recog
	a.active = a.ended != id
	a.mu.Unlock()

	a.record(ctx, "started")
	observe.Logger(ctx).Debug("dictation started", "session", id)
	return nil
}

// abandon ends a failed start of session id.
func (a *Adapter) abandon(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starting = false
	if a.session == id {
		a.session++
	}
}

// Stop ends capture and clears the active flag. The final pending result and
// the end event of the stopped session are still delivered.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	if a.starting {
		a.session++
		return nil
	}
	if a.current == nil {
		return nil
	}
	if err := a.current.Stop(); err != nil {
		return fmt.Errorf("%w: %w", ErrCaptureStop, err)
	}
	return nil
}

// Abort ends capture immediately. No further events are delivered for the
// aborted session.
func (a *Adapter) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	a.session++
	if a.current != nil {
		a.current.Abort()
		a.current = nil
	}
}

// forward translates raw events of one recognition into adapter events.
func (a *Adapter) forward(id uint64, recog Recognition) {
	for raw := range recog.Events() {
		a.mu.Lock()
		if id != a.session {
			a.mu.Unlock()
			continue
		}
		var ev Event
		switch raw.Kind {
		case RawResult:
			ev = Event{Kind: EventResult, Session: id, Text: joinSegments(raw.Results)}
		case RawEnd:
			a.active = false
			a.current = nil
			a.ended = id
			ev = Event{Kind: EventEnd, Session: id}
		case RawError:
			a.active = false
			a.ended = id
			ev = Event{Kind: EventError, Session: id, Code: raw.Code}
			a.record(context.Background(), "runtime_error")
		default:
			a.mu.Unlock()
			continue
		}
		h := a.handler
		a.mu.Unlock()
		if h != nil {
			h(ev)
		}
	}

	// The engine closed its stream without an end event.
	a.mu.Lock()
	if id != a.session || (a.current != recog && !a.starting) {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.current = nil
	a.ended = id
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(Event{Kind: EventEnd, Session: id})
	}
}

func (a *Adapter) record(ctx context.Context, status string) {
	if a.metrics != nil {
		a.metrics.RecordDictation(ctx, status)
	}
}

// joinSegments concatenates segment texts in order without separators.
func joinSegments(segs []Segment) string {
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteString(s.Text)
	}
	return sb.String()
}
