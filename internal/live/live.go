// Package live runs the per-session live transcription worker. It consumes
// mono frames from the capture queue, accumulates engine-sized chunks at the
// source rate, resamples them to 16 kHz, and drives the active engine.
//
// The two engine families take different paths through the worker. Buffered
// chunks are gated by the energy VAD and carry the session transcript as the
// decoder prompt. Streaming chunks are never gated and never prompted — the
// engine's own hidden state is the context.
//
// Engine errors do not stop the worker: the offending chunk is dropped, an
// error event is emitted, and the loop resynchronises on the next chunk.
// Queue closure ends the loop cleanly.
package live

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taurscribe/taurscribe/internal/events"
	"github.com/taurscribe/taurscribe/internal/observe"
	"github.com/taurscribe/taurscribe/pkg/asr"
	"github.com/taurscribe/taurscribe/pkg/audio"
	"github.com/taurscribe/taurscribe/pkg/vad"
)

// speechGateThreshold is the VAD probability above which a buffered chunk
// is transcribed. At or below it, the chunk is silence-suppressed.
const speechGateThreshold = 0.5

// Config configures a Transcriber.
type Config struct {
	Engine     asr.Engine
	Gate       *vad.Gate
	Sink       events.Sink
	Transcript *Transcript

	// SessionStart stamps emitted events for subscriber filtering.
	SessionStart time.Time

	// Metrics records worker counters. Nil uses the default set.
	Metrics *observe.Metrics
}

// Transcriber is the live worker. Run consumes until the frame channel
// closes.
type Transcriber struct {
	cfg      Config
	buffered bool
	spec     asr.ChunkSpec
	rc       audio.ResamplerCache
	done     chan struct{}
}

// New returns a Transcriber for the configured engine.
func New(cfg Config) *Transcriber {
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	spec := cfg.Engine.Spec()
	return &Transcriber{
		cfg:      cfg,
		buffered: spec.Variant.Family() == asr.FamilyBuffered,
		spec:     spec,
		done:     make(chan struct{}),
	}
}

// Done closes when Run has exited.
func (t *Transcriber) Done() <-chan struct{} { return t.done }

// Run consumes frames until the channel closes. Call it on its own
// goroutine; join via Done.
func (t *Transcriber) Run(frames <-chan audio.Frame) {
	defer close(t.done)
	ctx := context.Background()

	var (
		acc        []float32
		srcRate    int
		chunkAtSrc int
	)

	for f := range frames {
		if f.Empty() {
			continue
		}
		if f.SampleRate != srcRate {
			// First frame, or a device rate change mid-session (the
			// latter should not happen; resynchronise if it does).
			srcRate = f.SampleRate
			chunkAtSrc = t.spec.ChunkSamples * srcRate / t.spec.TargetRate
			acc = acc[:0]
		}
		acc = append(acc, f.Samples...)

		for len(acc) >= chunkAtSrc {
			chunk := make([]float32, chunkAtSrc)
			copy(chunk, acc)
			acc = acc[:copy(acc, acc[chunkAtSrc:])]
			t.processChunk(ctx, chunk, srcRate)
		}
	}

	// Stream stop: flush the engine's buffered sub-chunk remainder. The
	// accumulator remainder below one chunk is live-path only — the final
	// pass re-reads the full waveform.
	if !t.buffered {
		if flusher, ok := t.cfg.Engine.(asr.StreamFlusher); ok {
			if text, err := flusher.FlushStream(ctx); err == nil {
				t.emit(ctx, strings.TrimSpace(text), 0)
			}
		}
	}
}

func (t *Transcriber) processChunk(ctx context.Context, chunk []float32, srcRate int) {
	a16, err := t.rc.Resample(chunk, srcRate, 1)
	if err != nil {
		t.reportError(ctx, err)
		return
	}

	prompt := ""
	if t.buffered {
		p, err := t.cfg.Gate.IsSpeech(a16)
		if err != nil {
			t.reportError(ctx, err)
			return
		}
		if p <= speechGateThreshold {
			t.cfg.Metrics.ChunksGated.Add(ctx, 1)
			return
		}
		prompt = t.cfg.Transcript.Text()
	}

	start := time.Now()
	text, err := t.cfg.Engine.TranscribeChunk(ctx, a16, prompt)
	if err != nil {
		t.reportError(ctx, err)
		return
	}
	elapsed := time.Since(start)

	text = strings.TrimSpace(text)
	if t.buffered && text != "" {
		t.cfg.Transcript.Append(text)
	}
	t.cfg.Metrics.ChunkDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("method", string(t.method()))))
	t.emit(ctx, text, uint32(elapsed.Milliseconds()))
}

// emit publishes one chunk event. Empty texts are not emitted: a silent
// streaming chunk decodes to nothing, and consumers only care about chunks
// that extend the transcript.
func (t *Transcriber) emit(ctx context.Context, text string, ms uint32) {
	if text == "" {
		return
	}
	t.cfg.Metrics.ChunksEmitted.Add(ctx, 1)
	t.cfg.Sink.TranscriptionChunk(events.TranscriptionChunk{
		Text:             text,
		ProcessingTimeMs: ms,
		Method:           string(t.method()),
		SessionStart:     t.cfg.SessionStart,
	})
}

func (t *Transcriber) reportError(ctx context.Context, err error) {
	slog.Warn("live transcription chunk dropped", "error", err)
	t.cfg.Metrics.InferenceErrors.Add(ctx, 1)
	t.cfg.Sink.TranscriptionError(events.TranscriptionError{
		Error:        err.Error(),
		SessionStart: t.cfg.SessionStart,
	})
}

func (t *Transcriber) method() asr.Family {
	if t.buffered {
		return asr.FamilyBuffered
	}
	return asr.FamilyStreaming
}
