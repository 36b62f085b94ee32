// Package mock provides a scriptable [tts.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aletheia/pkg/provider/tts"
	"github.com/MrWong99/aletheia/pkg/types"
)

// SynthesizeCall records one Synthesize invocation.
type SynthesizeCall struct {
	Text  string
	Voice types.VoiceProfile
}

// Provider emits SynthesizeChunks for every request.
type Provider struct {
	mu sync.Mutex

	SynthesizeChunks [][]byte
	// SynthesizeErr fails the call before any audio is emitted.
	SynthesizeErr error
	// Gate, when set, blocks after the first chunk until it yields or ctx ends.
	Gate chan struct{}

	ListVoicesResult []types.VoiceProfile
	ListVoicesErr    error

	SynthesizeCalls []SynthesizeCall
	ListVoicesCalls int
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, emit tts.ChunkFunc) error {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	chunks := append([][]byte(nil), p.SynthesizeChunks...)
	err, gate := p.SynthesizeErr, p.Gate
	p.mu.Unlock()
	if err != nil {
		return err
	}

	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(c); err != nil {
			return err
		}
		if i == 0 && gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return ctx.Err()
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded Synthesize calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

var _ tts.Provider = (*Provider)(nil)
