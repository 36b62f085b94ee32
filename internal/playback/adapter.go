// Package playback wraps a text-to-speech host capability with
// single-utterance playback and a bounded per-text utterance cache.
//
// The [Adapter] tracks one "speaking" flag and reports [Started] and
// [Completed] events to a single handler. It never cancels a prior utterance
// on its own; callers switching utterances call [Adapter.Cancel] first.
package playback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/aletheia/internal/observe"
	"github.com/MrWong99/aletheia/pkg/types"
)

const (
	// DefaultCacheSize is the number of utterances kept when no size is configured.
	DefaultCacheSize = 64

	// DefaultPreferredVoice is the name marker of the high-quality default voice.
	DefaultPreferredVoice = "Google"
)

// Synthesizer is the host speech-synthesis capability.
type Synthesizer interface {
	// Voices returns the voices currently known to the host. The list may be
	// empty until the host has populated it.
	Voices(ctx context.Context) []types.VoiceProfile

	// Speak starts playback of u and returns without waiting for it to end.
	// On natural completion the implementation calls u.Done.
	Speak(ctx context.Context, u *Utterance) error

	// Cancel stops all playback immediately. Cancelled utterances never
	// report Done.
	Cancel()
}

// EventKind tags playback events.
type EventKind int

const (
	// Started is emitted after playback of an utterance began.
	Started EventKind = iota + 1
	// Completed is emitted when the current utterance finished naturally.
	Completed
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a tagged playback notification.
type Event struct {
	Kind      EventKind
	Utterance *Utterance
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCacheSize bounds the utterance cache. Non-positive values keep the default.
func WithCacheSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.cacheSize = n
		}
	}
}

// WithPreferredVoice sets the voice-name marker preferred on first synthesis.
func WithPreferredVoice(marker string) Option {
	return func(a *Adapter) {
		a.preferred = marker
	}
}

// WithMetrics records cache hits and misses on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// Adapter is the Speech Playback Adapter. It is safe for concurrent use.
type Adapter struct {
	synth     Synthesizer
	cacheSize int
	metrics   *observe.Metrics

	cache *lru.Cache[string, *Utterance]

	mu        sync.Mutex
	preferred string
	current   *Utterance
	speaking  bool
	handler   func(Event)
}

// New creates an Adapter over synth.
func New(synth Synthesizer, opts ...Option) (*Adapter, error) {
	if synth == nil {
		return nil, fmt.Errorf("playback: synthesizer must not be nil")
	}
	a := &Adapter{
		synth:     synth,
		cacheSize: DefaultCacheSize,
		preferred: DefaultPreferredVoice,
	}
	for _, o := range opts {
		o(a)
	}
	cache, err := lru.New[string, *Utterance](a.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("playback: create cache: %w", err)
	}
	a.cache = cache
	return a, nil
}

// SetHandler installs the event handler. It is called synchronously and must
// not call back into the Adapter.
func (a *Adapter) SetHandler(h func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// SetPreferredVoice changes the voice-name marker used for new utterances.
// Cached utterances keep their voice.
func (a *Adapter) SetPreferredVoice(marker string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preferred = marker
}

// Speak plays text. Empty text is a no-op. A text spoken before replays its
// cached handle; otherwise a new handle is built, cached and started.
func (a *Adapter) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	u, hit := a.cache.Get(text)
	if a.metrics != nil {
		a.metrics.RecordCacheLookup(ctx, hit)
	}
	if !hit {
		a.mu.Lock()
		preferred := a.preferred
		a.mu.Unlock()

		u = newUtterance(text, selectVoice(a.synth.Voices(ctx), preferred))
		u.onDone = a.complete
		a.cache.Add(text, u)
	}

	a.mu.Lock()
	a.current = u
	a.speaking = true
	a.mu.Unlock()

	if err := a.synth.Speak(ctx, u); err != nil {
		a.mu.Lock()
		if a.current == u {
			a.current = nil
			a.speaking = false
		}
		a.mu.Unlock()
		return fmt.Errorf("playback: speak: %w", err)
	}

	observe.Logger(ctx).Debug("playback started", "utterance", u.ID, "cached", hit)
	a.emit(Event{Kind: Started, Utterance: u})
	return nil
}

// Cancel stops playback and clears the speaking flag without waiting for a
// completion.
func (a *Adapter) Cancel() {
	a.synth.Cancel()
	a.mu.Lock()
	a.current = nil
	a.speaking = false
	a.mu.Unlock()
}

// Speaking reports whether an utterance is currently playing.
func (a *Adapter) Speaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaking
}

// Current returns the utterance currently playing, or nil.
func (a *Adapter) Current() *Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// CacheLen returns the number of cached utterances.
func (a *Adapter) CacheLen() int {
	return a.cache.Len()
}

// Cached returns the cached handle for text, if any, without touching recency.
func (a *Adapter) Cached(text string) (*Utterance, bool) {
	return a.cache.Peek(text)
}

// complete is wired as every utterance's completion callback. Completions of
// an utterance that is no longer current are ignored.
func (a *Adapter) complete(u *Utterance) {
	a.mu.Lock()
	if a.current != u {
		a.mu.Unlock()
		return
	}
	a.current = nil
	a.speaking = false
	a.mu.Unlock()
	a.emit(Event{Kind: Completed, Utterance: u})
}

func (a *Adapter) emit(ev Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// selectVoice prefers the first voice whose name contains marker, falls back
// to the first voice, and returns nil when there are none.
func selectVoice(voices []types.VoiceProfile, marker string) *types.VoiceProfile {
	if len(voices) == 0 {
		return nil
	}
	if marker != "" {
		for i := range voices {
			if strings.Contains(voices[i].Name, marker) {
				v := voices[i]
				return &v
			}
		}
	}
	v := voices[0]
	return &v
}
