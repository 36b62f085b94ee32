// Package stt defines the streaming speech-to-text interface that dictation
// is built on. A session takes raw PCM and reports interim and final
// transcripts on separate channels.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/aletheia/pkg/types"
)

// ErrSessionClosed is returned by SendAudio once the session has ended.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio and recognition options of a session.
type StreamConfig struct {
	// SampleRate of the 16-bit PCM input in Hz. Zero uses the provider default.
	SampleRate int

	// Channels of the input; dictation always sends mono.
	Channels int

	// Language is a BCP-47 tag. Empty uses the provider default.
	Language string

	// Interim asks for interim transcripts as well as finals.
	Interim bool
}

// SessionHandle is an open recognition stream. Its methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio queues little-endian int16 PCM. It returns ErrSessionClosed
	// after Close or once the stream has failed.
	SendAudio(chunk []byte) error

	// Partials and Finals deliver interim and committed transcripts. Both are
	// closed when the session ends.
	Partials() <-chan types.Transcript
	Finals() <-chan types.Transcript

	// Err reports why the stream ended. It is nil after a clean Close and is
	// only meaningful once both channels are closed.
	Err() error

	// Close flushes queued audio, lets the provider deliver what it still
	// owes, then releases the connection. Repeated calls return nil.
	Close() error
}

// Provider opens recognition sessions. Implementations must be safe for
// concurrent use.
type Provider interface {
	// StartStream opens a session ready to accept audio. The caller must
	// Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
