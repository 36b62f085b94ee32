// Package types defines the shared types used across all Aletheia packages.
//
// These types form the lingua franca between providers, the conversation
// controller, and the presentation layer. Each package defines its own domain
// types; cross-cutting data structures live here to avoid circular imports.
package types

// Role identifies the author of a conversation [Message].
type Role string

const (
	// RoleUser marks a message typed or dictated by the person chatting.
	RoleUser Role = "user"

	// RoleAssistant marks a message produced by the language model.
	RoleAssistant Role = "assistant"

	// RoleSystem marks a high-priority instruction sent ahead of the history.
	// It never appears in the transcript.
	RoleSystem Role = "system"
)

// IsValid reports whether r is a role that may appear in a transcript.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single exchanged message. Values are immutable once appended to
// a transcript; pass them by value.
type Message struct {
	// Role is either RoleUser or RoleAssistant.
	Role Role `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// Transcript is one recognition result from a speech-to-text provider.
type Transcript struct {
	Text string

	// IsFinal marks a committed result. Interim results may still change.
	IsFinal bool

	// Confidence is in [0, 1], or zero when the provider does not report it.
	Confidence float64
}

// VoiceProfile describes a synthesis voice offered by a TTS provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name. Playback voice selection matches
	// against it.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
