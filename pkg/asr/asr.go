// Package asr defines the transcription engine abstraction of the Taurscribe
// core and the hardware-backend selection cascade shared by its
// implementations.
//
// Two engine shapes exist. The buffered family (whisper.cpp) wants sizable
// context windows and benefits from a textual prompt carrying the session so
// far. The streaming family (ONNX transducer exports) processes short fixed
// chunks and keeps its own hidden state between them. Both are driven through
// the same [Engine] surface; callers branch on [ChunkSpec.Variant] only where
// the contracts genuinely diverge (VAD gating, prompting).
package asr

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// Variant identifies a concrete engine family member.
type Variant string

const (
	VariantBuffered   Variant = "buffered"
	VariantTransducer Variant = "transducer"
	VariantCTC        Variant = "ctc"
	VariantTDT        Variant = "tdt"
	VariantEOU        Variant = "eou"
)

// Family is the coarse engine shape the pipeline branches on.
type Family string

const (
	FamilyBuffered  Family = "Buffered"
	FamilyStreaming Family = "Streaming"
)

// Family returns the coarse shape of the variant.
func (v Variant) Family() Family {
	if v == VariantBuffered {
		return FamilyBuffered
	}
	return FamilyStreaming
}

// Chunk sizes at the 16 kHz target rate. Buffered engines consume 6 s
// windows; streaming engines consume 560 ms windows.
const (
	BufferedChunkSamples  = 6 * 16000
	StreamingChunkSamples = 8960
)

// ChunkSpec describes how a loaded engine wants its audio cut. It is fixed
// per engine instance and reset only when the engine reinitialises.
type ChunkSpec struct {
	TargetRate   int
	ChunkSamples int
	Variant      Variant
}

// SpecFor returns the chunking contract of a variant.
func SpecFor(v Variant) ChunkSpec {
	spec := ChunkSpec{TargetRate: 16000, Variant: v}
	if v.Family() == FamilyBuffered {
		spec.ChunkSamples = BufferedChunkSamples
	} else {
		spec.ChunkSamples = StreamingChunkSamples
	}
	return spec
}

var (
	// ErrArtifactMissing is returned by Initialize when the model files are
	// not on disk.
	ErrArtifactMissing = errors.New("asr: model artifact missing")

	// ErrBackendInit is returned when every backend tier, including CPU,
	// failed to load the model.
	ErrBackendInit = errors.New("asr: no backend could initialise the model")

	// ErrNotInitialized is returned by transcription calls before a
	// successful Initialize.
	ErrNotInitialized = errors.New("asr: engine not initialised")
)

// Engine is the polymorphic transcription surface. Implementations are used
// by at most one caller at a time (the stop sequence hands the engine from
// the live worker to the final pass) but must tolerate getters racing with a
// transcription call.
type Engine interface {
	// Initialize loads the model weights for modelID, running the backend
	// cascade, and performs the engine's warm-up. It returns the
	// human-readable tag of the chosen backend. Passing the already-loaded
	// modelID is idempotent and cheap.
	Initialize(ctx context.Context, modelID string) (backend string, err error)

	// ClearContext resets per-session state: the streaming family's hidden
	// tensors and remainder buffer; the buffered family carries no state
	// between chunks beyond the caller-supplied prompt.
	ClearContext()

	// TranscribeChunk transcribes one live chunk of mono 16 kHz samples.
	// Buffered engines use prompt as the decoder's initial context;
	// streaming engines ignore it.
	TranscribeChunk(ctx context.Context, samples []float32, prompt string) (string, error)

	// FinalPass runs the high-quality single pass over a prepared mono
	// 16 kHz waveform: buffered engines use their final-pass thread budget
	// and no prompt; streaming engines slice the waveform into chunks and
	// concatenate the emissions.
	FinalPass(ctx context.Context, samples []float32) (string, error)

	// LoadAudio reads a recording from disk and returns it as mono 16 kHz
	// samples ready for FinalPass.
	LoadAudio(path string) ([]float32, error)

	// Backend returns the tag of the backend chosen at Initialize, or ""
	// before initialisation.
	Backend() string

	// ModelID returns the loaded model id, or "" before initialisation.
	ModelID() string

	// Spec returns the engine's chunking contract.
	Spec() ChunkSpec
}

// StreamFlusher is implemented by streaming engines: FlushStream zero-pads
// and decodes the buffered sub-chunk remainder at session stop.
type StreamFlusher interface {
	FlushStream(ctx context.Context) (string, error)
}

// ModelDir returns the on-disk directory for a model id under root. Colons
// in registry ids (e.g. "nemotron:nemotron") are not path safe everywhere.
func ModelDir(root, modelID string) string {
	return filepath.Join(root, strings.ReplaceAll(modelID, ":", "_"))
}
