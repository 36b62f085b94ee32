package conversation

import "github.com/MrWong99/aletheia/pkg/types"

// ErrorKind is the category of the last surfaced error. A later success of the
// same category clears it.
type ErrorKind string

const (
	// ErrorKindNone means no error is shown.
	ErrorKindNone ErrorKind = ""
	// ErrorKindRequest covers language-model requests.
	ErrorKindRequest ErrorKind = "request"
	// ErrorKindCapture covers dictation.
	ErrorKindCapture ErrorKind = "capture"
)

// State is a snapshot of the session. Snapshots are independent copies; the
// presentation layer renders them as-is.
type State struct {
	// Transcript is the ordered message history.
	Transcript []types.Message `json:"transcript"`

	// Draft is the current input text shared by typing and dictation.
	Draft string `json:"draft"`

	// IsRequestPending is true while a language-model request is in flight.
	IsRequestPending bool `json:"is_request_pending"`

	// IsListening is true while dictation is capturing.
	IsListening bool `json:"is_listening"`

	// IsSpeaking is true while an assistant reply is playing.
	IsSpeaking bool `json:"is_speaking"`

	// LastError is the most recent user-facing error summary, if any.
	LastError string `json:"last_error,omitempty"`

	// LastErrorKind is the category of LastError.
	LastErrorKind ErrorKind `json:"last_error_kind,omitempty"`
}
