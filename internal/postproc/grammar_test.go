package postproc_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/taurscribe/taurscribe/internal/postproc"
	"github.com/taurscribe/taurscribe/pkg/llm"
	llmmock "github.com/taurscribe/taurscribe/pkg/llm/mock"
)

func grammarWith(p llm.Provider, factoryErr error) (*postproc.Grammar, *int) {
	loads := 0
	g := postproc.NewGrammar(
		postproc.GrammarConfig{Runtime: "llamacpp", Model: "test-model"},
		postproc.WithProviderFactory(func() (llm.Provider, error) {
			loads++
			if factoryErr != nil {
				return nil, factoryErr
			}
			return p, nil
		}),
	)
	return g, &loads
}

func TestGrammarCorrects(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "Hello, world."}}
	g, _ := grammarWith(p, nil)

	out, err := g.Apply(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "Hello, world." {
		t.Fatalf("got %q, want %q", out, "Hello, world.")
	}

	req := p.Calls[0]
	if !strings.Contains(req.SystemPrompt, "corrected version of the text below") {
		t.Fatalf("system prompt lacks task framing: %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Messages[0].Content != "hello world" {
		t.Fatalf("user message: %+v", req.Messages)
	}
	if req.MaxTokens <= 0 {
		t.Fatal("no generation hard cap set")
	}
	if req.Temperature <= 0 {
		t.Fatal("no sampling temperature set")
	}
}

func TestGrammarStripsFences(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "```text\nFixed.\n```"}}
	g, _ := grammarWith(p, nil)

	out, err := g.Apply(context.Background(), "fixd")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "Fixed." {
		t.Fatalf("got %q, want %q", out, "Fixed.")
	}
}

func TestGrammarLazyLoadAndUnload(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "ok"}}
	g, loads := grammarWith(p, nil)

	if *loads != 0 {
		t.Fatal("model loaded before first use")
	}
	if _, err := g.Apply(context.Background(), "one"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := g.Apply(context.Background(), "two"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if *loads != 1 {
		t.Fatalf("loads after two calls: got %d, want 1", *loads)
	}

	g.Unload()
	if _, err := g.Apply(context.Background(), "three"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if *loads != 2 {
		t.Fatalf("loads after unload: got %d, want 2", *loads)
	}
}

func TestGrammarEmptyInputSkipsModel(t *testing.T) {
	t.Parallel()

	g, loads := grammarWith(&llmmock.Provider{}, nil)
	out, err := g.Apply(context.Background(), "   ")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != "   " || *loads != 0 {
		t.Fatalf("empty input touched the model: out=%q loads=%d", out, *loads)
	}
}

func TestGrammarProviderErrorSurfaces(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("connection refused")
	p := &llmmock.Provider{Err: wantErr}
	g, _ := grammarWith(p, nil)

	if _, err := g.Apply(context.Background(), "text"); !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped %v", err, wantErr)
	}
}

func TestGrammarEmptyReplyIsError(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Response: &llm.CompletionResponse{Content: "  "}}
	g, _ := grammarWith(p, nil)
	if _, err := g.Apply(context.Background(), "text"); err == nil {
		t.Fatal("empty model reply accepted")
	}
}
