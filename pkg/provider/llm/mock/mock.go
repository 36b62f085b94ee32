// Package mock provides a scripted llm.Provider for tests.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hi"}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/aletheia/pkg/provider/llm"
)

// CompleteCall records one Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock llm.Provider. Set the exported fields before use; use
// [Provider.SetResponse] to change the outcome while calls may be running.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse and CompleteErr are returned by Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// Gate, if non-nil, holds Complete until a value arrives or ctx ends.
	Gate chan struct{}

	// Caps is returned by Capabilities.
	Caps llm.Capabilities

	CompleteCalls []CompleteCall
}

// Complete records the call and returns the scripted outcome.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	req.Messages = slices.Clone(req.Messages)
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CompleteResponse, p.CompleteErr
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() llm.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// SetResponse replaces the Complete outcome.
func (p *Provider) SetResponse(resp *llm.CompletionResponse, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteResponse = resp
	p.CompleteErr = err
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.CompleteCalls)
}

// Reset clears the recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
