// Package parakeet implements the streaming ASR engine family on ONNX
// Runtime. The exports are NeMo-style cache-aware conformer models: an
// encoder that consumes fixed 560 ms raw-audio chunks plus its own carried
// caches, and — except for the CTC variant — a decoder/joint network driven
// by a greedy transducer loop.
//
// The engine keeps all cross-chunk state internally (encoder caches, decoder
// LSTM states, the sub-chunk sample remainder); callers must not inject
// prompts. ClearContext resets that state at session start.
//
// Four variants share the surface: Transducer, CTC, TDT (token-and-duration
// transducer) and EOU (end-of-utterance, sharing the transducer I/O shape).
// The variant is selected from the artifact's layout marker.
package parakeet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/taurscribe/taurscribe/pkg/asr"
	"github.com/taurscribe/taurscribe/pkg/audio"
)

const (
	chunkSamples = asr.StreamingChunkSamples

	// Cache-aware conformer export dimensions.
	encLayers   = 17
	encDModel   = 512
	cacheFrames = 70
	convContext = 30
	predHidden  = 640

	// maxSymbolsPerStep bounds the transducer's inner emission loop per
	// encoder frame, a guard against degenerate repeats.
	maxSymbolsPerStep = 10

	// tdtDurations is the size of the TDT duration head ({0..4} frames).
	tdtDurations = 5

	intraOpThreads = 4
)

// Model file names per layout.
const (
	encoderFile      = "encoder.onnx"
	decoderJointFile = "decoder_joint.onnx"
	ctcModelFile     = "model.onnx"
	vocabFile        = "vocab.txt"
)

var (
	encoderInputs  = []string{"audio_signal", "length", "cache_last_channel", "cache_last_time", "cache_last_channel_len"}
	encoderOutputs = []string{"outputs", "encoded_lengths", "cache_last_channel_next", "cache_last_time_next", "cache_last_channel_next_len"}
	jointInputs    = []string{"encoder_outputs", "targets", "target_length", "input_states_1", "input_states_2"}
	jointOutputs   = []string{"outputs", "prednet_lengths", "output_states_1", "output_states_2"}
	ctcInputs      = []string{"audio_signal", "length"}
	ctcOutputs     = []string{"logprobs"}
)

// Config configures an Engine.
type Config struct {
	// ModelsDir is the root directory holding downloaded artifacts.
	ModelsDir string

	// Selector resolves the backend cascade. The zero value probes the
	// running host.
	Selector asr.Selector

	// ResolveVariant maps a model id to its streaming variant, typically
	// backed by the artifact registry's layout markers. When nil the id is
	// matched against well-known substrings.
	ResolveVariant func(modelID string) (asr.Variant, bool)
}

// Engine is the streaming engine. It satisfies asr.Engine and
// asr.StreamFlusher.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	variant asr.Variant
	modelID string
	backend string
	tok     *tokenizer

	enc   *ort.DynamicAdvancedSession
	joint *ort.DynamicAdvancedSession // nil for CTC
	ctc   *ort.DynamicAdvancedSession // nil for transducer family

	cacheChannel *ort.Tensor[float32] // [layers, 1, cacheFrames, dModel]
	cacheTime    *ort.Tensor[float32] // [layers, 1, dModel, convContext]
	cacheLen     *ort.Tensor[int64]   // [1]

	decState1 []float32 // [1, 1, predHidden]
	decState2 []float32
	lastToken int

	pending []float32
}

var (
	_ asr.Engine        = (*Engine)(nil)
	_ asr.StreamFlusher = (*Engine)(nil)
)

// New returns an uninitialised Engine. Call Initialize before transcribing.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, variant: asr.VariantTransducer}
}

// Initialize loads the ONNX sessions for modelID, walking the backend
// cascade by appending each tier's execution provider and letting session
// creation decide. A warm-up chunk of zeros is decoded and discarded so the
// provider finishes graph compilation before the first live chunk.
func (e *Engine) Initialize(ctx context.Context, modelID string) (string, error) {
	e.mu.Lock()
	if e.modelID == modelID && (e.enc != nil || e.ctc != nil) {
		backend := e.backend
		e.mu.Unlock()
		return backend, nil
	}
	e.mu.Unlock()

	variant := e.resolveVariant(modelID)
	dir := asr.ModelDir(e.cfg.ModelsDir, modelID)

	required := []string{vocabFile}
	if variant == asr.VariantCTC {
		required = append(required, ctcModelFile)
	} else {
		required = append(required, encoderFile, decoderJointFile)
	}
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return "", fmt.Errorf("parakeet: model %q file %q: %w", modelID, name, asr.ErrArtifactMissing)
		}
	}

	tok, err := loadTokenizer(filepath.Join(dir, vocabFile))
	if err != nil {
		return "", err
	}

	if err := initRuntime(); err != nil {
		return "", err
	}

	var (
		enc, joint, ctc *ort.DynamicAdvancedSession
	)
	chosen, err := e.cfg.Selector.Choose(asr.FamilyStreaming, func(cand asr.Candidate) error {
		opts, err := sessionOptions(cand, intraOpThreads)
		if err != nil {
			return err
		}
		defer opts.Destroy()

		if variant == asr.VariantCTC {
			s, err := ort.NewDynamicAdvancedSession(filepath.Join(dir, ctcModelFile), ctcInputs, ctcOutputs, opts)
			if err != nil {
				return err
			}
			ctc = s
			return nil
		}

		es, err := ort.NewDynamicAdvancedSession(filepath.Join(dir, encoderFile), encoderInputs, encoderOutputs, opts)
		if err != nil {
			return err
		}
		js, err := ort.NewDynamicAdvancedSession(filepath.Join(dir, decoderJointFile), jointInputs, jointOutputs, opts)
		if err != nil {
			es.Destroy()
			return err
		}
		enc, joint = es, js
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("parakeet: load %q: %w", modelID, err)
	}

	e.mu.Lock()
	e.destroySessionsLocked()
	e.enc, e.joint, e.ctc = enc, joint, ctc
	e.variant = variant
	e.modelID = modelID
	e.backend = chosen.Name
	e.tok = tok
	if err := e.allocCachesLocked(); err != nil {
		e.destroySessionsLocked()
		e.mu.Unlock()
		return "", err
	}
	e.resetStateLocked()
	e.mu.Unlock()

	if _, err := e.TranscribeChunk(ctx, make([]float32, chunkSamples), ""); err != nil {
		slog.Warn("parakeet: warm-up pass failed", "model", modelID, "error", err)
	}
	e.ClearContext()

	return chosen.Name, nil
}

func (e *Engine) resolveVariant(modelID string) asr.Variant {
	if e.cfg.ResolveVariant != nil {
		if v, ok := e.cfg.ResolveVariant(modelID); ok {
			return v
		}
	}
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "ctc"):
		return asr.VariantCTC
	case strings.Contains(id, "tdt"):
		return asr.VariantTDT
	case strings.Contains(id, "eou"):
		return asr.VariantEOU
	default:
		return asr.VariantTransducer
	}
}

func (e *Engine) allocCachesLocked() error {
	if e.variant == asr.VariantCTC {
		return nil
	}
	var err error
	e.cacheChannel, err = ort.NewEmptyTensor[float32](ort.NewShape(encLayers, 1, cacheFrames, encDModel))
	if err != nil {
		return fmt.Errorf("parakeet: cache tensor: %w", err)
	}
	e.cacheTime, err = ort.NewEmptyTensor[float32](ort.NewShape(encLayers, 1, encDModel, convContext))
	if err != nil {
		return fmt.Errorf("parakeet: cache tensor: %w", err)
	}
	e.cacheLen, err = ort.NewTensor(ort.NewShape(1), []int64{0})
	if err != nil {
		return fmt.Errorf("parakeet: cache tensor: %w", err)
	}
	e.decState1 = make([]float32, predHidden)
	e.decState2 = make([]float32, predHidden)
	return nil
}

// ClearContext drops all cross-chunk state: encoder caches, decoder states,
// the last emitted token and the sample remainder.
func (e *Engine) ClearContext() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetStateLocked()
}

func (e *Engine) resetStateLocked() {
	if e.cacheChannel != nil {
		clear(e.cacheChannel.GetData())
	}
	if e.cacheTime != nil {
		clear(e.cacheTime.GetData())
	}
	if e.cacheLen != nil {
		e.cacheLen.GetData()[0] = 0
	}
	clear(e.decState1)
	clear(e.decState2)
	if e.tok != nil {
		e.lastToken = e.tok.blank
	}
	e.pending = nil
}

// TranscribeChunk buffers samples and decodes every complete 560 ms chunk
// that is now available, returning the concatenated emissions. A trailing
// remainder shorter than one chunk stays buffered for the next arrival.
// The prompt parameter is ignored: streaming context is opaque.
func (e *Engine) TranscribeChunk(ctx context.Context, samples []float32, _ string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil && e.ctc == nil {
		return "", asr.ErrNotInitialized
	}

	e.pending = append(e.pending, samples...)
	var parts []string
	for len(e.pending) >= chunkSamples {
		if err := ctx.Err(); err != nil {
			return strings.Join(parts, " "), err
		}
		chunk := e.pending[:chunkSamples]
		e.pending = e.pending[chunkSamples:]
		text, err := e.processChunkLocked(chunk)
		if err != nil {
			return strings.Join(parts, " "), err
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// FlushStream zero-pads and decodes the buffered remainder. Called at
// session stop.
func (e *Engine) FlushStream(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil && e.ctc == nil {
		return "", asr.ErrNotInitialized
	}
	if len(e.pending) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chunk := make([]float32, chunkSamples)
	copy(chunk, e.pending)
	e.pending = nil
	return e.processChunkLocked(chunk)
}

// FinalPass re-decodes the full prepared waveform from fresh state, slicing
// it into successive chunks with a zero-padded tail. No VAD trimming is
// applied on the streaming path — continuity is the model's own context.
func (e *Engine) FinalPass(ctx context.Context, samples []float32) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil && e.ctc == nil {
		return "", asr.ErrNotInitialized
	}

	e.resetStateLocked()
	var parts []string
	for _, chunk := range sliceChunks(samples, chunkSamples, true) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := e.processChunkLocked(chunk)
		if err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
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

// Spec returns the streaming chunking contract for the loaded variant.
func (e *Engine) Spec() asr.ChunkSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return asr.SpecFor(e.variant)
}

// Close releases all ONNX sessions and tensors.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroySessionsLocked()
	return nil
}

func (e *Engine) destroySessionsLocked() {
	for _, s := range []*ort.DynamicAdvancedSession{e.enc, e.joint, e.ctc} {
		if s != nil {
			s.Destroy()
		}
	}
	e.enc, e.joint, e.ctc = nil, nil, nil
	for _, t := range []*ort.Tensor[float32]{e.cacheChannel, e.cacheTime} {
		if t != nil {
			t.Destroy()
		}
	}
	if e.cacheLen != nil {
		e.cacheLen.Destroy()
	}
	e.cacheChannel, e.cacheTime, e.cacheLen = nil, nil, nil
}

// ---- inference -------------------------------------------------------------

func (e *Engine) processChunkLocked(chunk []float32) (string, error) {
	if e.variant == asr.VariantCTC {
		return e.processCTCLocked(chunk)
	}
	return e.processTransducerLocked(chunk)
}

func (e *Engine) processCTCLocked(chunk []float32) (string, error) {
	audioT, lenT, err := audioTensors(chunk)
	if err != nil {
		return "", err
	}
	defer audioT.Destroy()
	defer lenT.Destroy()

	outputs := make([]ort.Value, len(ctcOutputs))
	if err := e.ctc.Run([]ort.Value{audioT, lenT}, outputs); err != nil {
		return "", fmt.Errorf("parakeet: ctc inference: %w", err)
	}
	defer destroyAll(outputs)

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return "", fmt.Errorf("parakeet: ctc logprobs have unexpected type")
	}
	shape := logits.GetShape()
	if len(shape) != 3 {
		return "", fmt.Errorf("parakeet: ctc logprobs rank %d, want 3", len(shape))
	}
	frames, vocab := int(shape[1]), int(shape[2])
	data := logits.GetData()

	ids := make([]int, frames)
	for t := 0; t < frames; t++ {
		ids[t] = argmax(data[t*vocab : (t+1)*vocab])
	}
	return e.tok.decode(ctcCollapse(ids, e.tok.blank)), nil
}

func (e *Engine) processTransducerLocked(chunk []float32) (string, error) {
	audioT, lenT, err := audioTensors(chunk)
	if err != nil {
		return "", err
	}
	defer audioT.Destroy()
	defer lenT.Destroy()

	encOutputs := make([]ort.Value, len(encoderOutputs))
	inputs := []ort.Value{audioT, lenT, e.cacheChannel, e.cacheTime, e.cacheLen}
	if err := e.enc.Run(inputs, encOutputs); err != nil {
		return "", fmt.Errorf("parakeet: encoder inference: %w", err)
	}
	defer destroyAll(encOutputs)

	encOut, ok := encOutputs[0].(*ort.Tensor[float32])
	if !ok {
		return "", fmt.Errorf("parakeet: encoder output has unexpected type")
	}
	// Carry the caches forward.
	if next, ok := encOutputs[2].(*ort.Tensor[float32]); ok {
		copy(e.cacheChannel.GetData(), next.GetData())
	}
	if next, ok := encOutputs[3].(*ort.Tensor[float32]); ok {
		copy(e.cacheTime.GetData(), next.GetData())
	}
	if next, ok := encOutputs[4].(*ort.Tensor[int64]); ok {
		e.cacheLen.GetData()[0] = next.GetData()[0]
	}

	shape := encOut.GetShape()
	if len(shape) != 3 {
		return "", fmt.Errorf("parakeet: encoder output rank %d, want 3", len(shape))
	}
	dModel, frames := int(shape[1]), int(shape[2])
	encData := encOut.GetData()

	var emitted []int
	frame := make([]float32, dModel)
	for t := 0; t < frames; {
		// Encoder layout is [1, D, T]: gather the t-th column.
		for d := 0; d < dModel; d++ {
			frame[d] = encData[d*frames+t]
		}

		advance := 1
		for sym := 0; sym < maxSymbolsPerStep; sym++ {
			tokID, dur, err := e.jointStepLocked(frame)
			if err != nil {
				return "", err
			}
			if e.variant == asr.VariantTDT {
				if tokID != e.tok.blank {
					emitted = append(emitted, tokID)
					e.lastToken = tokID
				}
				if dur > 0 {
					advance = dur
					break
				}
				continue
			}
			if tokID == e.tok.blank {
				break
			}
			emitted = append(emitted, tokID)
			e.lastToken = tokID
		}
		t += advance
	}

	return e.tok.decode(emitted), nil
}

// jointStepLocked runs one decoder/joint step against a single encoder frame
// and returns the argmax token plus, for TDT models, the duration decision.
// Decoder LSTM states advance only on non-blank emissions, matching the
// greedy transducer recursion.
func (e *Engine) jointStepLocked(frame []float32) (tokID, duration int, err error) {
	frameT, err := ort.NewTensor(ort.NewShape(1, int64(len(frame)), 1), frame)
	if err != nil {
		return 0, 0, fmt.Errorf("parakeet: frame tensor: %w", err)
	}
	defer frameT.Destroy()

	targetT, err := ort.NewTensor(ort.NewShape(1, 1), []int32{int32(e.lastToken)})
	if err != nil {
		return 0, 0, fmt.Errorf("parakeet: target tensor: %w", err)
	}
	defer targetT.Destroy()

	targetLenT, err := ort.NewTensor(ort.NewShape(1), []int32{1})
	if err != nil {
		return 0, 0, fmt.Errorf("parakeet: target length tensor: %w", err)
	}
	defer targetLenT.Destroy()

	state1T, err := ort.NewTensor(ort.NewShape(1, 1, predHidden), e.decState1)
	if err != nil {
		return 0, 0, fmt.Errorf("parakeet: state tensor: %w", err)
	}
	defer state1T.Destroy()

	state2T, err := ort.NewTensor(ort.NewShape(1, 1, predHidden), e.decState2)
	if err != nil {
		return 0, 0, fmt.Errorf("parakeet: state tensor: %w", err)
	}
	defer state2T.Destroy()

	outputs := make([]ort.Value, len(jointOutputs))
	inputs := []ort.Value{frameT, targetT, targetLenT, state1T, state2T}
	if err := e.joint.Run(inputs, outputs); err != nil {
		return 0, 0, fmt.Errorf("parakeet: joint inference: %w", err)
	}
	defer destroyAll(outputs)

	logitsT, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, 0, fmt.Errorf("parakeet: joint logits have unexpected type")
	}
	logits := logitsT.GetData()

	vocab := e.tok.size()
	if len(logits) < vocab {
		return 0, 0, fmt.Errorf("parakeet: joint logits dim %d < vocabulary %d", len(logits), vocab)
	}
	tokID = argmax(logits[:vocab])

	duration = 1
	if e.variant == asr.VariantTDT && len(logits) >= vocab+tdtDurations {
		duration = argmax(logits[vocab : vocab+tdtDurations])
	}

	if tokID != e.tok.blank {
		if s1, ok := outputs[2].(*ort.Tensor[float32]); ok {
			copy(e.decState1, s1.GetData())
		}
		if s2, ok := outputs[3].(*ort.Tensor[float32]); ok {
			copy(e.decState2, s2.GetData())
		}
	}
	return tokID, duration, nil
}

func audioTensors(chunk []float32) (*ort.Tensor[float32], *ort.Tensor[int64], error) {
	audioT, err := ort.NewTensor(ort.NewShape(1, int64(len(chunk))), chunk)
	if err != nil {
		return nil, nil, fmt.Errorf("parakeet: audio tensor: %w", err)
	}
	lenT, err := ort.NewTensor(ort.NewShape(1), []int64{int64(len(chunk))})
	if err != nil {
		audioT.Destroy()
		return nil, nil, fmt.Errorf("parakeet: length tensor: %w", err)
	}
	return audioT, lenT, nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
