package llm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
)

// Local implements Provider on top of a local inference runtime reached
// through any-llm-go: a llama.cpp server, a llamafile, or Ollama. The
// runtime owns the model weights; dropping the Local value (see the grammar
// stage's unload path) releases this process's only reference to it.
type Local struct {
	backend anyllmlib.Provider
	model   string
}

var _ Provider = (*Local)(nil)

// NewLocal creates a Local provider.
//
// runtime is one of "llamacpp", "llamafile", "ollama". model names the model
// the runtime should serve. baseURL overrides the runtime's default endpoint
// and may be empty.
func NewLocal(runtime, model, baseURL string) (*Local, error) {
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}
	var opts []anyllmlib.Option
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}

	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(runtime) {
	case "llamacpp", "":
		backend, err = llamacpp.New(opts...)
	case "llamafile":
		backend, err = llamafile.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("llm: unsupported local runtime %q; supported: llamacpp, llamafile, ollama", runtime)
	}
	if err != nil {
		return nil, fmt.Errorf("llm: create %q backend: %w", runtime, err)
	}
	return &Local{backend: backend, model: model}, nil
}

// Complete implements Provider.
func (l *Local) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		role := anyllmlib.RoleUser
		if m.Role == "assistant" {
			role = anyllmlib.RoleAssistant
		}
		messages = append(messages, anyllmlib.Message{Role: role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{
		Model:    l.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	resp, err := l.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty choices in response")
	}
	return &CompletionResponse{Content: resp.Choices[0].Message.ContentString()}, nil
}
