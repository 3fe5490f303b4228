// Package llm defines the minimal completion surface the post-processing
// grammar stage needs from a local language model runtime, plus an
// implementation backed by github.com/mozilla-ai/any-llm-go.
//
// Only local runtimes are supported here by design: the dictation core never
// sends transcript text off the machine. Implementors must be safe for
// concurrent use.
package llm

import "context"

// Message is one turn of a conventional chat layout.
type Message struct {
	// Role is "user" or "assistant". System content goes through
	// CompletionRequest.SystemPrompt instead.
	Role string

	Content string
}

// CompletionRequest carries everything the model needs for one correction
// call. Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is the task framing injected before the conversation.
	SystemPrompt string

	// Messages is the ordered conversation; the last entry drives the
	// response.
	Messages []Message

	// Temperature controls sampling randomness. Zero means the runtime
	// default.
	Temperature float64

	// MaxTokens is the per-call hard cap on generated tokens. Generation
	// halts at the model's end-of-sentence token or this cap, whichever
	// comes first. Zero means the runtime default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
}

// Provider produces completions from a local model.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
