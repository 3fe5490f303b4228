// Package mock provides a test double for the llm.Provider interface.
//
// Zero values make Complete return an empty response. Set Response or Err to
// feed controlled outputs; calls are recorded for assertions.
package mock

import (
	"context"
	"sync"

	"github.com/taurscribe/taurscribe/pkg/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete. May be nil (returns an empty
	// response).
	Response *llm.CompletionResponse

	// Err, if non-nil, is returned by Complete instead of a response.
	Err error

	// Calls records every request passed to Complete.
	Calls []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Response == nil {
		return &llm.CompletionResponse{}, nil
	}
	return p.Response, nil
}

// CallCount returns the number of Complete invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
