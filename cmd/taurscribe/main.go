// Command taurscribe runs the dictation core: it loads the configuration,
// initialises the configured engines, and serves the local control surface
// the shell connects to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/taurscribe/taurscribe/internal/artifacts"
	"github.com/taurscribe/taurscribe/internal/config"
	"github.com/taurscribe/taurscribe/internal/core"
	"github.com/taurscribe/taurscribe/internal/observe"
	"github.com/taurscribe/taurscribe/internal/postproc"
	"github.com/taurscribe/taurscribe/internal/server"
	"github.com/taurscribe/taurscribe/pkg/asr"
	"github.com/taurscribe/taurscribe/pkg/asr/parakeet"
	"github.com/taurscribe/taurscribe/pkg/asr/whisperasr"
	"github.com/taurscribe/taurscribe/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "taurscribe.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional and developer-local.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env overrides")
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taurscribe: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("taurscribe starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"active_engine", cfg.Engines.Active,
		"data_dir", cfg.Engines.DataDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer shutdownMetrics(context.Background())

	// ── Engines ───────────────────────────────────────────────────────────────
	buffered := whisperasr.New(whisperasr.Config{ModelsDir: cfg.ModelsDir()})
	streaming := parakeet.New(parakeet.Config{
		ModelsDir:      cfg.ModelsDir(),
		ResolveVariant: artifacts.ResolveVariant,
	})
	defer buffered.Close()
	defer streaming.Close()

	// Load the configured default model for the active family up front;
	// the other family initialises on first switch. A missing artifact is
	// not fatal — the shell can download it and initialise later.
	var active asr.Engine = buffered
	defaultModel := cfg.Engines.BufferedModel
	if cfg.Engines.Active == "streaming" {
		active = streaming
		defaultModel = cfg.Engines.StreamingModel
	}
	if backend, err := active.Initialize(ctx, defaultModel); err != nil {
		slog.Warn("default engine not loaded at startup", "model", defaultModel, "err", err)
	} else {
		slog.Info("default engine ready", "model", defaultModel, "backend", backend)
	}

	// ── Core and control surface ──────────────────────────────────────────────
	srv := server.New(nil) // backend wired below; New only allocates the hub

	c := core.New(core.Config{
		Cfg:        cfg,
		Buffered:   buffered,
		Streaming:  streaming,
		Artifacts:  artifacts.NewManager(cfg.ModelsDir()),
		Sink:       srv,
		Gate:       buildGate(cfg),
		BuildChain: chainBuilder(cfg),
	})
	srv.SetBackend(c)

	slog.Info("core ready — waiting for the shell")
	if err := srv.ListenAndServe(ctx, cfg.Server.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("control surface error", "err", err)
		return 1
	}

	slog.Info("taurscribe stopped")
	return 0
}

// buildGate applies the configured VAD threshold override.
func buildGate(cfg *config.Config) *vad.Gate {
	if cfg.VAD.Threshold > 0 {
		return vad.New(vad.WithThreshold(cfg.VAD.Threshold))
	}
	return vad.New()
}

// chainBuilder constructs per-session post-processing chains from the
// session's (or configuration's) toggles. Stage order is fixed: grammar
// first, then spell.
func chainBuilder(cfg *config.Config) core.ChainBuilder {
	return func(pp config.PostProcessConfig) *postproc.Chain {
		var stages []postproc.Stage

		if pp.Grammar.Enabled {
			stages = append(stages, postproc.NewGrammar(postproc.GrammarConfig{
				Runtime:     pp.Grammar.Runtime,
				Model:       pp.Grammar.Model,
				BaseURL:     pp.Grammar.BaseURL,
				Temperature: pp.Grammar.Temperature,
			}))
		}

		if pp.Spell.Enabled {
			spell, err := buildSpell(pp.Spell)
			if err != nil {
				slog.Warn("spell stage disabled", "err", err)
			} else {
				stages = append(stages, spell)
			}
		}

		return postproc.NewChain(stages...)
	}
}

func buildSpell(cfg config.SpellConfig) (*postproc.Spell, error) {
	if cfg.DictionaryPath == "" {
		return postproc.NewSpell()
	}
	f, err := os.Open(cfg.DictionaryPath)
	if err != nil {
		return nil, fmt.Errorf("open dictionary %q: %w", cfg.DictionaryPath, err)
	}
	defer f.Close()
	return postproc.NewSpellFromReader(f)
}

// newLogger builds the default text logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
