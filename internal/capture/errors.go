package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureUnsupported is returned by [Adapter.Start] when the host has no
	// speech-recognition capability.
	ErrCaptureUnsupported = errors.New("capture: speech recognition unsupported")

	// ErrCaptureInit is returned when a recognition session cannot be constructed.
	ErrCaptureInit = errors.New("capture: speech recognition init failed")

	// ErrCaptureStart is returned when a constructed session refuses to start.
	// It wraps [ErrCaptureInit].
	ErrCaptureStart = fmt.Errorf("%w: start failed", ErrCaptureInit)

	// ErrCaptureCancelled is returned by a start that was stopped or aborted
	// before the engine finished connecting.
	ErrCaptureCancelled = errors.New("capture: speech recognition start cancelled")

	// ErrCaptureStop is returned when stopping a running session fails.
	ErrCaptureStop = errors.New("capture: speech recognition stop failed")

	// ErrCaptureRuntime classifies error events reported by the engine.
	ErrCaptureRuntime = errors.New("capture: speech recognition error")
)

// RuntimeError is an engine failure reported through an error event.
type RuntimeError struct {
	Code string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("capture: speech recognition error: %s", e.Code)
}

// Unwrap lets errors.Is match [ErrCaptureRuntime].
func (e *RuntimeError) Unwrap() error { return ErrCaptureRuntime }

// Describe returns the user-facing text for a capture failure.
func Describe(err error) string {
	var rt *RuntimeError
	switch {
	case errors.As(err, &rt):
		return "Speech recognition error: " + rt.Code
	case errors.Is(err, ErrCaptureUnsupported):
		return "Speech recognition is not supported on this host"
	case errors.Is(err, ErrCaptureStart):
		return "Failed to start speech recognition"
	case errors.Is(err, ErrCaptureInit):
		return "Failed to initialize speech recognition"
	case errors.Is(err, ErrCaptureCancelled):
		return "Speech recognition was stopped before it started"
	case errors.Is(err, ErrCaptureStop):
		return "Failed to stop speech recognition"
	default:
		return "Speech recognition error: unknown"
	}
}
