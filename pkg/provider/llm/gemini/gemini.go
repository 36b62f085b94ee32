// Package gemini provides an LLM provider backed by the Google Gemini API via
// google.golang.org/genai. Unlike the any-llm-go backend it forwards top-k
// sampling, which Gemini supports natively.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/MrWong99/aletheia/pkg/provider/llm"
	"github.com/MrWong99/aletheia/pkg/types"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// Option is a functional option for Provider.
type Option func(*genai.ClientConfig)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *genai.ClientConfig) {
		c.HTTPOptions.BaseURL = url
	}
}

// Provider implements llm.Provider using the Gemini API.
type Provider struct {
	models modelsAPI
	model  string
}

// modelsAPI is the subset of genai.Models used by the provider.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// New constructs a Gemini Provider. An empty model selects [DefaultModel].
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cc)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{models: client.Models, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	contents, cfg, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}

	resp, err := p.models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("gemini: no candidates in response")
	}

	result := &llm.CompletionResponse{Content: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		result.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return result, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.CapabilitiesFor(p.model)
}

// buildRequest converts a CompletionRequest into Gemini contents and config.
// Consecutive messages with the same role are merged into one content, since
// Gemini expects alternating user/model turns.
func buildRequest(req llm.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature != 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.TopP != 0 {
		tp := float32(req.TopP)
		cfg.TopP = &tp
	}
	if req.TopK != 0 {
		tk := float32(req.TopK)
		cfg.TopK = &tk
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var (
		contents []*genai.Content
		last     *genai.Content
	)
	for _, m := range req.Messages {
		var role string
		switch m.Role {
		case types.RoleUser:
			role = genai.RoleUser
		case types.RoleAssistant:
			role = genai.RoleModel
		default:
			return nil, nil, fmt.Errorf("unknown message role %q", m.Role)
		}
		if last != nil && last.Role == role {
			last.Parts = append(last.Parts, genai.NewPartFromText(m.Content))
			continue
		}
		last = &genai.Content{Role: role, Parts: []*genai.Part{genai.NewPartFromText(m.Content)}}
		contents = append(contents, last)
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("no messages")
	}
	return contents, cfg, nil
}
