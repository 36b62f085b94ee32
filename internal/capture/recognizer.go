// Package capture wraps a host speech-recognition capability with continuous,
// interim-result dictation.
//
// The host side is modelled by [Recognizer] and [Recognition], mirroring a
// recognition engine that delivers full result lists, an end event and error
// codes. The [Adapter] turns those raw events into a small set of tagged
// [Event] values for a single consumer and owns the "active" flag.
package capture

import "context"

// Settings configures a recognition session.
type Settings struct {
	// Continuous keeps recognising across pauses instead of ending after the
	// first final result.
	Continuous bool

	// InterimResults requests in-progress segments in addition to finals.
	InterimResults bool

	// Language is a BCP-47 tag. Empty leaves the choice to the engine.
	Language string

	// SampleRate of the audio fed to the engine, in Hz.
	SampleRate int
}

// Segment is one recognised result segment.
type Segment struct {
	Text  string
	Final bool
}

// RawKind tags events delivered by a [Recognition].
type RawKind int

const (
	// RawResult carries the full ordered segment list recognised so far.
	RawResult RawKind = iota + 1
	// RawEnd reports that the engine stopped.
	RawEnd
	// RawError reports an engine failure with a string code.
	RawError
)

// RecognitionEvent is a raw event from the host engine.
type RecognitionEvent struct {
	Kind    RawKind
	Results []Segment
	Code    string
}

// Recognition is a single host recognition session.
type Recognition interface {
	// Start begins capturing.
	Start() error

	// Stop ends capturing. Results for audio already captured may still be
	// delivered before the final RawEnd.
	Stop() error

	// Abort ends capturing immediately. No further results are delivered.
	Abort()

	// Events returns the raw event stream. It is closed after the session ended.
	Events() <-chan RecognitionEvent
}

// Recognizer is the host speech-recognition capability.
type Recognizer interface {
	NewRecognition(ctx context.Context, s Settings) (Recognition, error)
}
