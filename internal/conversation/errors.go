package conversation

import "errors"

var (
	// ErrEmptyInput is returned for empty or whitespace-only sends.
	ErrEmptyInput = errors.New("conversation: empty input")

	// ErrRequestInFlight is returned for sends while a request is pending.
	ErrRequestInFlight = errors.New("conversation: request already in flight")

	// ErrModelRequestFailed classifies any failed language-model request.
	ErrModelRequestFailed = errors.New("conversation: model request failed")

	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("conversation: controller closed")
)

// MsgModelRequestFailed is the user-facing text for [ErrModelRequestFailed].
const MsgModelRequestFailed = "Failed to get response from AI"
