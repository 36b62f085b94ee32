// Package llm defines the language-model client the conversation controller
// talks to. Backends live in the subpackages; each wraps one SDK and maps a
// [CompletionRequest] onto it.
//
// Implementations must be safe for concurrent use and must honour context
// cancellation.
package llm

import (
	"context"
	"strings"

	"github.com/MrWong99/aletheia/pkg/types"
)

// CompletionRequest is one model call: the ordered conversation plus the
// sampling parameters. A zero sampling field leaves the backend default.
type CompletionRequest struct {
	// Messages is the full history, oldest first. The last entry is the user
	// turn being answered.
	Messages []types.Message

	// SystemPrompt is sent ahead of the history when non-empty.
	SystemPrompt string

	Temperature float64

	// TopK is ignored by backends whose API has no top-k parameter.
	TopK int

	TopP      float64
	MaxTokens int
}

// Usage is the token accounting reported for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is a finished completion.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Capabilities are static limits of a model.
type Capabilities struct {
	ContextWindow   int
	MaxOutputTokens int
}

// Provider is a language-model backend.
type Provider interface {
	// Complete sends req and waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities reports the limits of the configured model. A zero field
	// means unknown.
	Capabilities() Capabilities
}

// CapabilitiesFor returns the known limits of a hosted model by name prefix.
// Unknown models get a conservative default.
func CapabilitiesFor(model string) Capabilities {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gemini-1.5-pro"):
		return Capabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}
	case strings.HasPrefix(m, "gemini-2"), strings.HasPrefix(m, "gemini-1.5-flash"):
		return Capabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}
	case strings.HasPrefix(m, "gemini"):
		return Capabilities{ContextWindow: 32_768, MaxOutputTokens: 8_192}
	case strings.HasPrefix(m, "gpt-4o"):
		return Capabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}
	case strings.HasPrefix(m, "gpt-4-turbo"):
		return Capabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
	case strings.HasPrefix(m, "gpt-4"):
		return Capabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}
	case strings.HasPrefix(m, "gpt-3.5"):
		return Capabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return Capabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}
	case strings.HasPrefix(m, "claude"):
		return Capabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}
	}
	return Capabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048}
}

// ClampMaxTokens limits n to caps.MaxOutputTokens when that is known.
func ClampMaxTokens(n int, caps Capabilities) int {
	if caps.MaxOutputTokens > 0 && n > caps.MaxOutputTokens {
		return caps.MaxOutputTokens
	}
	return n
}
