// Package elevenlabs implements [tts.Provider] over the ElevenLabs streaming
// text-to-speech HTTP API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/aletheia/pkg/provider/tts"
	"github.com/MrWong99/aletheia/pkg/types"
)

const (
	defaultBaseURL      = "https://api.elevenlabs.io"
	defaultModel        = "eleven_flash_v2_5"
	defaultOutputFormat = "pcm_16000"

	readBufferSize = 4096
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel selects the synthesis model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat selects the audio format. Only pcm_* formats produce audio
// playable by the server.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithBaseURL overrides the API origin.
func WithBaseURL(base string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider talks to ElevenLabs.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	client       *http.Client
}

// New returns a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFormat,
		client:       http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, emit tts.ChunkFunc) error {
	if voice.ID == "" {
		return errors.New("elevenlabs: voice id must not be empty")
	}
	body, err := json.Marshal(synthesisRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.streamURL(voice.ID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return streamSamples(resp.Body, emit)
}

// ListVoices implements [tts.Provider].
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return decodeVoices(resp.Body)
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{"output_format": {p.outputFormat}}
	return p.baseURL + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream?" + q.Encode()
}

// checkStatus turns a non-200 response into an error carrying the API's
// detail message when there is one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var apiErr struct {
		Detail json.RawMessage `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &apiErr) == nil && len(apiErr.Detail) > 0 {
		return fmt.Errorf("elevenlabs: http %d: %s", resp.StatusCode, apiErr.Detail)
	}
	return fmt.Errorf("elevenlabs: http %d", resp.StatusCode)
}

// streamSamples reads PCM from r and passes it to emit in whole samples,
// carrying an odd trailing byte into the next read.
func streamSamples(r io.Reader, emit tts.ChunkFunc) error {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) &^ 1
			if whole > 0 {
				if emitErr := emit(data[:whole]); emitErr != nil {
					return emitErr
				}
			}
			carry = append([]byte(nil), data[whole:]...)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("elevenlabs: read audio: %w", err)
		}
	}
}

func decodeVoices(r io.Reader) ([]types.VoiceProfile, error) {
	var payload struct {
		Voices []struct {
			VoiceID  string            `json:"voice_id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Labels   map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}

	out := make([]types.VoiceProfile, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out = append(out, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return out, nil
}

var _ tts.Provider = (*Provider)(nil)
