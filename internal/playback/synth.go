package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/aletheia/internal/observe"
	"github.com/MrWong99/aletheia/pkg/audio"
	"github.com/MrWong99/aletheia/pkg/provider/tts"
	"github.com/MrWong99/aletheia/pkg/types"
)

// DefaultVoicesTimeout bounds one voice listing request.
const DefaultVoicesTimeout = 5 * time.Second

// ErrNoVoice is returned by [TTSSynthesizer.Speak] when neither the utterance
// nor the synthesizer names a voice.
var ErrNoVoice = errors.New("playback: no voice available")

// Sink receives synthesized 16-bit mono PCM for audible output.
type Sink interface {
	WriteAudio(ctx context.Context, pcm []byte) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, pcm []byte) error

// WriteAudio calls f.
func (f SinkFunc) WriteAudio(ctx context.Context, pcm []byte) error { return f(ctx, pcm) }

// discardSink drops all audio. Used while no client is attached.
type discardSink struct{}

func (discardSink) WriteAudio(context.Context, []byte) error { return nil }

// SynthOption configures a TTSSynthesizer.
type SynthOption func(*TTSSynthesizer)

// WithSourceRate sets the sample rate of the PCM produced by the provider.
func WithSourceRate(hz int) SynthOption {
	return func(s *TTSSynthesizer) { s.sourceRate = hz }
}

// WithSinkRate sets the sample rate expected by the sink. Audio is resampled
// when it differs from the source rate.
func WithSinkRate(hz int) SynthOption {
	return func(s *TTSSynthesizer) { s.sinkRate = hz }
}

// WithDefaultVoice sets the voice used for utterances that carry none.
func WithDefaultVoice(v types.VoiceProfile) SynthOption {
	return func(s *TTSSynthesizer) { s.defaultVoice = &v }
}

// WithVoicesTimeout bounds each voice listing request. Non-positive values keep
// [DefaultVoicesTimeout].
func WithVoicesTimeout(d time.Duration) SynthOption {
	return func(s *TTSSynthesizer) {
		if d > 0 {
			s.voicesTimeout = d
		}
	}
}

// WithSynthMetrics records provider requests and time to first audio on m.
func WithSynthMetrics(m *observe.Metrics, providerName string) SynthOption {
	return func(s *TTSSynthesizer) {
		s.metrics = m
		s.providerName = providerName
	}
}

// TTSSynthesizer implements [Synthesizer] on top of a [tts.Provider].
// Synthesized audio is written to the current [Sink] and memoised on the
// utterance so that replays skip the provider. Playback is paced to real time
// so that completion is reported when the audio would have finished playing.
type TTSSynthesizer struct {
	provider      tts.Provider
	sourceRate    int
	sinkRate      int
	defaultVoice  *types.VoiceProfile
	metrics       *observe.Metrics
	providerName  string
	voicesTimeout time.Duration

	mu      sync.Mutex
	sink    Sink
	voices  []types.VoiceProfile
	nextID  uint64
	cancels map[uint64]context.CancelFunc
	wg      sync.WaitGroup
}

// NewTTSSynthesizer creates a synthesizer over p. Audio is discarded until a
// sink is set with [TTSSynthesizer.SetSink].
func NewTTSSynthesizer(p tts.Provider, opts ...SynthOption) (*TTSSynthesizer, error) {
	if p == nil {
		return nil, fmt.Errorf("playback: tts provider must not be nil")
	}
	s := &TTSSynthesizer{
		provider:      p,
		sourceRate:    16000,
		sinkRate:      16000,
		providerName:  "tts",
		voicesTimeout: DefaultVoicesTimeout,
		sink:          discardSink{},
		cancels:       make(map[uint64]context.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SetSink replaces the audio sink. A nil sink discards audio.
func (s *TTSSynthesizer) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sink == nil {
		sink = discardSink{}
	}
	s.sink = sink
}

// Voices returns the provider's voices. The first non-empty listing is cached;
// until then every call asks the provider again and failures yield an empty list.
// A request outlasting the listing timeout counts as a failure.
func (s *TTSSynthesizer) Voices(ctx context.Context) []types.VoiceProfile {
	s.mu.Lock()
	cached := s.voices
	s.mu.Unlock()
	if len(cached) > 0 {
		return cached
	}

	ctx, cancel := context.WithTimeout(ctx, s.voicesTimeout)
	defer cancel()
	voices, err := s.provider.ListVoices(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("list voices failed", "err", err)
		if s.metrics != nil {
			s.metrics.RecordProviderCall(ctx, s.providerName, "tts", err)
		}
		return nil
	}
	if len(voices) > 0 {
		s.mu.Lock()
		s.voices = voices
		s.mu.Unlock()
	}
	return voices
}

// Speak starts playback of u in the background. u.Done is called when the
// audio finished naturally or synthesis failed; never after [TTSSynthesizer.Cancel].
func (s *TTSSynthesizer) Speak(ctx context.Context, u *Utterance) error {
	voice := u.Voice
	if voice == nil {
		voice = s.defaultVoice
	}
	_, memo := u.Audio()
	if voice == nil && !memo {
		return ErrNoVoice
	}

	pctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.cancels[id] = cancel
	sink := s.sink
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(id)
		if err := s.play(pctx, u, voice, sink); err != nil {
			if pctx.Err() != nil {
				return
			}
			observe.Logger(ctx).Warn("playback failed", "utterance", u.ID, "err", err)
		}
		if pctx.Err() != nil {
			return
		}
		u.Done()
	}()
	return nil
}

// Cancel stops every in-flight playback.
func (s *TTSSynthesizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// Wait blocks until all background playback goroutines have returned.
func (s *TTSSynthesizer) Wait() {
	s.wg.Wait()
}

func (s *TTSSynthesizer) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
}

// play writes u's audio to sink and waits until it would have finished
// playing at the sink rate.
func (s *TTSSynthesizer) play(ctx context.Context, u *Utterance, voice *types.VoiceProfile, sink Sink) error {
	start := time.Now()
	var written []byte

	if pcm, ok := u.Audio(); ok {
		if err := sink.WriteAudio(ctx, pcm); err != nil {
			return fmt.Errorf("playback: write audio: %w", err)
		}
		written = pcm
	} else {
		pcm, err := s.synthesize(ctx, u.Text, *voice, sink)
		written = pcm
		if err != nil {
			return err
		}
		u.SetAudio(pcm)
	}

	return pace(ctx, start, audio.Duration(written, s.sinkRate))
}

// synthesize speaks text through the provider, forwarding each chunk to sink,
// and returns the full resampled PCM.
func (s *TTSSynthesizer) synthesize(ctx context.Context, text string, voice types.VoiceProfile, sink Sink) ([]byte, error) {
	var (
		out       []byte
		start     = time.Now()
		sinkErr   error
		firstSeen bool
		rs        = audio.NewResampler(s.sourceRate, s.sinkRate)
	)
	write := func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		out = append(out, chunk...)
		if err := sink.WriteAudio(ctx, chunk); err != nil {
			sinkErr = fmt.Errorf("playback: write audio: %w", err)
			return sinkErr
		}
		return nil
	}
	err := s.provider.Synthesize(ctx, text, voice, func(chunk []byte) error {
		if !firstSeen {
			firstSeen = true
			if s.metrics != nil {
				s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
			}
		}
		return write(rs.Process(chunk))
	})
	if err == nil && sinkErr == nil && ctx.Err() == nil {
		_ = write(rs.Flush())
	}
	if sinkErr != nil {
		return out, sinkErr
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if s.metrics != nil {
		s.metrics.RecordProviderCall(ctx, s.providerName, "tts", err)
	}
	if err != nil {
		return out, fmt.Errorf("playback: synthesize: %w", err)
	}
	return out, nil
}

// pace sleeps until audio of length total, started at start, has finished
// playing.
func pace(ctx context.Context, start time.Time, total time.Duration) error {
	if total <= 0 {
		return nil
	}
	remaining := total - time.Since(start)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Synthesizer = (*TTSSynthesizer)(nil)
