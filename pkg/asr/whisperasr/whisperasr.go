// Package whisperasr implements the buffered ASR engine on the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// The buffered engine trades latency for accuracy: it consumes 6 s chunks,
// accepts the session-so-far transcript as an initial prompt, and runs a
// higher-quality pass (more threads, no prompt) over the full recording
// after stop. Decoding is greedy best-of-1 so identical audio yields
// identical text.
package whisperasr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/taurscribe/taurscribe/pkg/asr"
	"github.com/taurscribe/taurscribe/pkg/audio"
)

const (
	// Thread budgets per spec: keep live inference light so the capture
	// machine stays responsive, spend more once the mic is closed.
	liveThreads  = 4
	finalThreads = 8

	// warmupSamples is one second of zeros transcribed after load to force
	// GPU kernel compilation off the first real chunk.
	warmupSamples = 16000
)

// Config configures an Engine.
type Config struct {
	// ModelsDir is the root directory holding downloaded artifacts.
	ModelsDir string

	// Selector resolves the backend cascade. The zero value probes the
	// running host.
	Selector asr.Selector

	// Language is the transcription language hint. Defaults to "en".
	Language string
}

// Engine is the buffered whisper.cpp engine. It satisfies asr.Engine.
//
// The engine is used by one transcription caller at a time; an internal
// mutex additionally serialises calls because whisper contexts are not
// thread safe.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	model   whisperlib.Model
	modelID string
	backend string
}

var _ asr.Engine = (*Engine)(nil)

// New returns an uninitialised Engine. Call Initialize before transcribing.
func New(cfg Config) *Engine {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &Engine{cfg: cfg}
}

// Initialize loads the ggml model for modelID, walking the backend cascade.
// whisper.cpp probes its compiled accelerators internally during model load,
// so each tier attempt is a fresh load; the first tier that loads cleanly is
// recorded as the engine's backend. After a successful load one second of
// zero samples is transcribed and discarded to warm the kernels.
//
// Loading runs on its own goroutine: weight load makes large transient
// allocations and Go grows that goroutine's stack without disturbing the
// callers.
func (e *Engine) Initialize(ctx context.Context, modelID string) (string, error) {
	e.mu.Lock()
	if e.model != nil && e.modelID == modelID {
		backend := e.backend
		e.mu.Unlock()
		return backend, nil
	}
	e.mu.Unlock()

	path := e.modelPath(modelID)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("whisperasr: model %q at %q: %w", modelID, path, asr.ErrArtifactMissing)
	}

	var model whisperlib.Model
	chosen, err := e.cfg.Selector.Choose(asr.FamilyBuffered, func(cand asr.Candidate) error {
		loaded, loadErr := loadModel(path)
		if loadErr != nil {
			return loadErr
		}
		model = loaded
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("whisperasr: load %q: %w", modelID, err)
	}

	e.mu.Lock()
	if e.model != nil {
		e.model.Close()
	}
	e.model = model
	e.modelID = modelID
	e.backend = chosen.Name
	e.mu.Unlock()

	start := time.Now()
	if _, err := e.TranscribeChunk(ctx, make([]float32, warmupSamples), ""); err != nil {
		slog.Warn("whisperasr: warm-up pass failed", "model", modelID, "error", err)
	} else {
		slog.Debug("whisperasr: warm-up complete",
			"model", modelID, "backend", chosen.Name, "took", time.Since(start))
	}

	return chosen.Name, nil
}

// loadModel runs the whisper.cpp weight load on a dedicated goroutine and
// waits for it.
func loadModel(path string) (whisperlib.Model, error) {
	type result struct {
		model whisperlib.Model
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := whisperlib.New(path)
		ch <- result{model: m, err: err}
	}()
	r := <-ch
	return r.model, r.err
}

// ClearContext resets per-session state. Buffered contexts are created per
// chunk and the session transcript is owned by the caller, so there is
// nothing to drop here; the method exists for surface symmetry with the
// streaming family.
func (e *Engine) ClearContext() {}

// TranscribeChunk runs one live chunk through the model. prompt seeds the
// decoder with the session so far; pass "" for none.
func (e *Engine) TranscribeChunk(ctx context.Context, samples []float32, prompt string) (string, error) {
	return e.transcribe(ctx, samples, prompt, liveThreads)
}

// FinalPass runs the high-quality pass over the prepared waveform: more
// threads, no prompt.
func (e *Engine) FinalPass(ctx context.Context, samples []float32) (string, error) {
	return e.transcribe(ctx, samples, "", finalThreads)
}

func (e *Engine) transcribe(ctx context.Context, samples []float32, prompt string, threads int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return "", asr.ErrNotInitialized
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisperasr: create context: %w", err)
	}
	if err := wctx.SetLanguage(e.cfg.Language); err != nil {
		slog.Warn("whisperasr: set language failed, using model default",
			"language", e.cfg.Language, "error", err)
	}
	wctx.SetThreads(uint(threads))
	wctx.SetBeamSize(1)
	if prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisperasr: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisperasr: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// LoadAudio reads a recording and converts it to mono 16 kHz.
func (e *Engine) LoadAudio(path string) ([]float32, error) {
	samples, rate, channels, err := audio.ReadWavFile(path)
	if err != nil {
		return nil, err
	}
	var rc audio.ResamplerCache
	return rc.Resample(samples, rate, channels)
}

// Backend returns the accelerator tag chosen at Initialize.
func (e *Engine) Backend() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend
}

// ModelID returns the loaded model id.
func (e *Engine) ModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modelID
}

// Spec returns the buffered chunking contract.
func (e *Engine) Spec() asr.ChunkSpec {
	return asr.SpecFor(asr.VariantBuffered)
}

// Close releases the model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		err := e.model.Close()
		e.model = nil
		return err
	}
	return nil
}

func (e *Engine) modelPath(modelID string) string {
	return filepath.Join(asr.ModelDir(e.cfg.ModelsDir, modelID), fmt.Sprintf("ggml-%s.bin", modelID))
}
