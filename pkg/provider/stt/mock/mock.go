// Package mock provides scriptable [stt.Provider] and [stt.SessionHandle]
// implementations for tests. Tests push transcripts on a Session's channels
// and end it with [Session.End].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aletheia/pkg/provider/stt"
	"github.com/MrWong99/aletheia/pkg/types"
)

// StartCall records one StartStream invocation.
type StartCall struct {
	Cfg stt.StreamConfig
}

// Provider hands out Session, or a fresh one when Session is nil.
type Provider struct {
	mu sync.Mutex

	Session        stt.SessionHandle
	StartStreamErr error

	calls []StartCall
}

// StartStream implements [stt.Provider].
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, StartCall{Cfg: cfg})
	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded StartStream calls.
func (p *Provider) Calls() []StartCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartCall(nil), p.calls...)
}

// Session is an in-memory recognition session.
type Session struct {
	PartialsCh chan types.Transcript
	FinalsCh   chan types.Transcript

	// SendAudioErr is returned by every SendAudio call.
	SendAudioErr error

	mu     sync.Mutex
	chunks [][]byte
	closes int
	err    error
	ended  sync.Once
}

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}
}

// SendAudio implements [stt.SessionHandle].
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Partials implements [stt.SessionHandle].
func (s *Session) Partials() <-chan types.Transcript { return s.PartialsCh }

// Finals implements [stt.SessionHandle].
func (s *Session) Finals() <-chan types.Transcript { return s.FinalsCh }

// Err implements [stt.SessionHandle].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// End terminates the session as the backend would, closing both channels.
// Only the first call has an effect.
func (s *Session) End(err error) {
	s.ended.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.PartialsCh)
		close(s.FinalsCh)
	})
}

// Close implements [stt.SessionHandle] and ends the session cleanly.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// SendAudioCallCount returns how many chunks were sent.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Closed returns how many times Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
