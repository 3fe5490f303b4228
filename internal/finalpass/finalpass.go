// Package finalpass runs the post-stop, higher-quality transcription pass
// over the persisted session waveform. It is invoked once per session after
// the capture queues have drained and the container is finalized, and it
// never emits live events.
package finalpass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taurscribe/taurscribe/pkg/asr"
	"github.com/taurscribe/taurscribe/pkg/vad"
)

// vadPadding is the silence padding applied around detected speech spans
// before the buffered final pass.
const vadPadding = 500 * time.Millisecond

// Run loads the waveform, prepares it per the engine family, and returns
// the final transcript.
//
// Buffered engines get a VAD-trimmed input: speech spans are extracted with
// 500 ms padding and concatenated in order, so the model never wades
// through minutes of silence. Streaming engines receive the untrimmed
// waveform — the engine slices it into its own chunks, and cutting audio
// out would corrupt its carried state.
func Run(ctx context.Context, engine asr.Engine, gate *vad.Gate, waveformPath string) (string, error) {
	samples, err := engine.LoadAudio(waveformPath)
	if err != nil {
		return "", fmt.Errorf("finalpass: load %q: %w", waveformPath, err)
	}
	if len(samples) == 0 {
		return "", nil
	}

	if engine.Spec().Variant.Family() == asr.FamilyBuffered {
		spans, err := gate.SpeechTimestamps(samples, vadPadding)
		if err != nil && !errors.Is(err, vad.ErrEmptyInput) {
			return "", fmt.Errorf("finalpass: segment %q: %w", waveformPath, err)
		}
		if len(spans) == 0 {
			// Nothing spoken; no reason to run the model.
			return "", nil
		}
		trimmed := vad.Extract(samples, spans, engine.Spec().TargetRate)
		slog.Debug("final pass input trimmed",
			"spans", len(spans), "kept_samples", len(trimmed), "total_samples", len(samples))
		samples = trimmed
	}

	text, err := engine.FinalPass(ctx, samples)
	if err != nil {
		return "", fmt.Errorf("finalpass: transcribe: %w", err)
	}
	return strings.TrimSpace(text), nil
}
