// Package mock provides a scripted test double for the asr.Engine interface.
//
// Zero values make every call succeed with empty text. Set the response
// fields to feed controlled transcripts and the Err fields to inject
// failures. Calls are recorded so tests can assert on the audio and prompts
// an engine actually received.
package mock

import (
	"context"
	"sync"

	"github.com/taurscribe/taurscribe/pkg/asr"
	"github.com/taurscribe/taurscribe/pkg/audio"
)

// ChunkCall records one TranscribeChunk invocation.
type ChunkCall struct {
	Samples []float32
	Prompt  string
}

// Engine is a mock implementation of asr.Engine.
type Engine struct {
	mu sync.Mutex

	// Variant controls Spec() and the family-dependent pipeline branches.
	// Defaults to VariantBuffered.
	Variant asr.Variant

	// InitBackend is returned by Initialize. Defaults to "CPU".
	InitBackend string

	// InitErr, when set, fails Initialize.
	InitErr error

	// ChunkTexts is the sequence of texts returned by successive
	// TranscribeChunk calls. Calls beyond the slice return "".
	ChunkTexts []string

	// ChunkErr, when set, fails every TranscribeChunk call.
	ChunkErr error

	// FinalText is returned by FinalPass.
	FinalText string

	// FinalErr, when set, fails FinalPass.
	FinalErr error

	// FlushText is returned by FlushStream.
	FlushText string

	// LoadAudioFn overrides LoadAudio. The default reads the WAV file and
	// downmixes without resampling.
	LoadAudioFn func(path string) ([]float32, error)

	// --- Recorded calls ---

	ChunkCalls    []ChunkCall
	FinalCalls    [][]float32
	ClearedCount  int
	FlushedCount  int
	InitCalls     []string
	loadedModelID string
	backend       string
	chunkCursor   int
}

var _ asr.Engine = (*Engine)(nil)
var _ asr.StreamFlusher = (*Engine)(nil)

func (e *Engine) Initialize(_ context.Context, modelID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InitCalls = append(e.InitCalls, modelID)
	if e.InitErr != nil {
		return "", e.InitErr
	}
	backend := e.InitBackend
	if backend == "" {
		backend = "CPU"
	}
	e.loadedModelID = modelID
	e.backend = backend
	return backend, nil
}

func (e *Engine) ClearContext() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ClearedCount++
}

func (e *Engine) TranscribeChunk(_ context.Context, samples []float32, prompt string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	e.ChunkCalls = append(e.ChunkCalls, ChunkCall{Samples: cp, Prompt: prompt})
	if e.ChunkErr != nil {
		return "", e.ChunkErr
	}
	if e.chunkCursor < len(e.ChunkTexts) {
		text := e.ChunkTexts[e.chunkCursor]
		e.chunkCursor++
		return text, nil
	}
	return "", nil
}

func (e *Engine) FinalPass(_ context.Context, samples []float32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	e.FinalCalls = append(e.FinalCalls, cp)
	if e.FinalErr != nil {
		return "", e.FinalErr
	}
	return e.FinalText, nil
}

func (e *Engine) FlushStream(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FlushedCount++
	return e.FlushText, nil
}

func (e *Engine) LoadAudio(path string) ([]float32, error) {
	if e.LoadAudioFn != nil {
		return e.LoadAudioFn(path)
	}
	samples, _, channels, err := audio.ReadWavFile(path)
	if err != nil {
		return nil, err
	}
	return audio.Mixdown(samples, channels), nil
}

func (e *Engine) Backend() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend
}

func (e *Engine) ModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadedModelID
}

func (e *Engine) Spec() asr.ChunkSpec {
	v := e.Variant
	if v == "" {
		v = asr.VariantBuffered
	}
	return asr.SpecFor(v)
}
