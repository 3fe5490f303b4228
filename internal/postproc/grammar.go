package postproc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/taurscribe/taurscribe/pkg/llm"
)

// grammarSystemPrompt frames the correction task. The model is instructed to
// return nothing but the corrected text so the stage can use the reply
// verbatim.
const grammarSystemPrompt = `You are a copy editor for dictated text.

Produce a corrected version of the text below: fix grammar, punctuation and capitalisation.

Rules:
- Do NOT add, remove or reorder information.
- Do NOT comment on the text or explain your changes.
- Keep the author's wording wherever it is already correct.
- Respond with ONLY the corrected text.`

const (
	defaultGrammarTemperature = 0.3

	// grammarTokenHeadroom pads the per-call generation cap so the model can
	// finish its last sentence. The cap itself scales with the input: a
	// corrected transcript is never much longer than the dictation.
	grammarTokenHeadroom = 48
)

// GrammarConfig configures the grammar stage's local model.
type GrammarConfig struct {
	// Runtime selects the local inference runtime ("llamacpp", "llamafile",
	// "ollama").
	Runtime string

	// Model names the model the runtime serves.
	Model string

	// BaseURL overrides the runtime's default endpoint. May be empty.
	BaseURL string

	// Temperature for sampled decoding. Zero selects the default (0.3).
	Temperature float64
}

// Grammar is the LLM-backed correction stage. The model is loaded lazily on
// first use and can be unloaded on demand to reclaim memory; the next Apply
// reloads it.
type Grammar struct {
	cfg GrammarConfig

	// factory builds the provider; injectable for tests. Defaults to
	// llm.NewLocal over cfg.
	factory func() (llm.Provider, error)

	mu       sync.Mutex
	provider llm.Provider
}

var _ Stage = (*Grammar)(nil)

// GrammarOption configures a Grammar stage.
type GrammarOption func(*Grammar)

// WithProviderFactory overrides how the underlying model provider is built.
func WithProviderFactory(f func() (llm.Provider, error)) GrammarOption {
	return func(g *Grammar) { g.factory = f }
}

// NewGrammar returns a Grammar stage. No model is loaded until the first
// Apply call.
func NewGrammar(cfg GrammarConfig, opts ...GrammarOption) *Grammar {
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultGrammarTemperature
	}
	g := &Grammar{cfg: cfg}
	g.factory = func() (llm.Provider, error) {
		return llm.NewLocal(cfg.Runtime, cfg.Model, cfg.BaseURL)
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Name implements Stage.
func (g *Grammar) Name() string { return "grammar" }

// Apply sends text through the correction prompt and returns the model's
// corrected version. An unusable reply (empty, or an apparent refusal) is an
// error; the chain then soft-fails back to the input.
func (g *Grammar) Apply(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	provider, err := g.loadProvider()
	if err != nil {
		return "", fmt.Errorf("load model: %w", err)
	}

	// Hard cap: roughly the input length again, plus headroom. Generation
	// halts at the model's end-of-sentence token or this cap.
	maxTokens := len(strings.Fields(text))*2 + grammarTokenHeadroom

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: grammarSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: text}},
		Temperature:  g.cfg.Temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return "", err
	}

	corrected := cleanModelReply(resp.Content)
	if corrected == "" {
		return "", fmt.Errorf("model returned no usable text")
	}
	return corrected, nil
}

// Unload drops the loaded provider so the runtime can reclaim the model's
// memory. The next Apply reloads it.
func (g *Grammar) Unload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provider != nil {
		slog.Debug("postproc: grammar model unloaded", "model", g.cfg.Model)
	}
	g.provider = nil
}

func (g *Grammar) loadProvider() (llm.Provider, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provider != nil {
		return g.provider, nil
	}
	p, err := g.factory()
	if err != nil {
		return nil, err
	}
	slog.Debug("postproc: grammar model loaded", "model", g.cfg.Model, "runtime", g.cfg.Runtime)
	g.provider = p
	return p, nil
}

// cleanModelReply strips the quoting and code fences chat models like to
// wrap verbatim answers in.
func cleanModelReply(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```text", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}
