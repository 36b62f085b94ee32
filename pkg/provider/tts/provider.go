// Package tts defines the text-to-speech provider interface.
package tts

import (
	"context"

	"github.com/MrWong99/aletheia/pkg/types"
)

// ChunkFunc receives synthesized audio as mono 16-bit little-endian PCM.
// Chunks always hold whole samples. Returning an error aborts synthesis.
type ChunkFunc func(pcm []byte) error

// Provider synthesizes speech. Implementations must be safe for concurrent use.
type Provider interface {
	// Synthesize speaks text with voice, passing audio to emit as it arrives.
	// It blocks until the audio is complete, emit fails or ctx is done.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile, emit ChunkFunc) error

	// ListVoices returns the voices currently offered by the backend.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
