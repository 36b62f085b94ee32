package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/aletheia/pkg/provider/llm"
	"github.com/MrWong99/aletheia/pkg/types"
)

// ── params ───────────────────────────────────────────────────────────────────

func TestParams_HistoryAndSampling(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "Hello"},
			{Role: types.RoleAssistant, Content: "Hi there"},
		},
		Temperature: 0.7,
		TopK:        40,
		TopP:        0.95,
		MaxTokens:   1024,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", params.Model)
	}
	wantRoles := []string{anyllmlib.RoleSystem, "user", "assistant"}
	if len(params.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(params.Messages), len(wantRoles))
	}
	for i, want := range wantRoles {
		if params.Messages[i].Role != want {
			t.Errorf("messages[%d].Role = %q, want %q", i, params.Messages[i].Role, want)
		}
	}
	if params.Messages[2].ContentString() != "Hi there" {
		t.Errorf("assistant content = %q", params.Messages[2].ContentString())
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 1024 {
		t.Errorf("max tokens = %v, want 1024", params.MaxTokens)
	}
}

func TestParams_ZeroSamplingLeavesDefaults(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.params(llm.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "Hello"}},
	})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("params = %+v, want unset sampling", params)
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(params.Messages))
	}
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{"empty backend", "", "gpt-4o", nil, true},
		{"empty model", "openai", "", nil, true},
		{"unsupported backend", "fakecloud", "m", []anyllmlib.Option{anyllmlib.WithAPIKey("k")}, true},
		{"openai with key", "openai", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}, false},
		{"case insensitive", "OpenAI", "gpt-4o", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}, false},
		{"ollama without key", "ollama", "llama3", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.backend, tt.model, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.model != tt.model {
				t.Errorf("model = %q, want %q", p.model, tt.model)
			}
		})
	}
}

func TestNew_OpenAIMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error without an API key")
	}
}

func TestCapabilities(t *testing.T) {
	p := &Provider{model: "gemini-2.0-flash"}
	if got := p.Capabilities().ContextWindow; got != 1_048_576 {
		t.Errorf("context window = %d", got)
	}
}
