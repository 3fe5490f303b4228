// Package vad implements energy-based voice activity detection: a per-frame
// speech probability derived from RMS energy, and a multi-frame segmenter
// with hysteresis used to trim recordings to their speech regions.
//
// The [Detector] interface leaves room for a neural implementation behind the
// same surface; the energy gate is the defined behaviour today. Probability
// computation is pure, cheap and side-effect free so it can run on every live
// chunk.
package vad

import (
	"errors"
	"math"
	"sort"
	"time"
)

const (
	// DefaultThreshold is the RMS level mapped to probability 0. Tuned for a
	// quiet consumer microphone; override with [WithThreshold].
	DefaultThreshold = 0.005

	// saturationFactor scales the threshold up to the RMS level mapped to
	// probability 1. Between the two bounds the mapping is linear.
	saturationFactor = 5

	// FrameSamples is the segmenter's scan window: 512 samples = 32 ms at
	// 16 kHz, matching the frame size neural VADs use at this rate.
	FrameSamples = 512

	// openRunFrames is the hysteresis against clicks: a segment opens only
	// after this many consecutive speech frames.
	openRunFrames = 5

	// minSegment discards blips shorter than this before padding.
	minSegment = 150 * time.Millisecond
)

// ErrEmptyInput is returned when a probability or segmentation call receives
// no samples.
var ErrEmptyInput = errors.New("vad: empty input")

// Span is a speech region in seconds relative to the start of the waveform.
type Span struct {
	Start float64
	End   float64
}

// Detector scores frames as speech. Implementations must be side-effect-free
// and cheap enough to run per live chunk.
type Detector interface {
	// IsSpeech returns the speech probability of one frame in [0, 1].
	IsSpeech(frame []float32) (float64, error)
}

// Option configures a [Gate].
type Option func(*Gate)

// WithThreshold overrides the RMS floor θ. The saturation point remains 5θ.
func WithThreshold(theta float64) Option {
	return func(g *Gate) {
		if theta > 0 {
			g.threshold = theta
		}
	}
}

// Gate is the energy-based [Detector] plus the waveform segmenter. Gate is
// read-only after construction and safe for concurrent use.
type Gate struct {
	threshold float64
}

var _ Detector = (*Gate)(nil)

// New returns a Gate with the default threshold, adjusted by opts.
func New(opts ...Option) *Gate {
	g := &Gate{threshold: DefaultThreshold}
	for _, o := range opts {
		o(g)
	}
	return g
}

// IsSpeech maps the frame's RMS energy piecewise-linearly onto [0, 1]:
// rms ≤ θ → 0, rms ≥ 5θ → 1, linear between.
func (g *Gate) IsSpeech(frame []float32) (float64, error) {
	if len(frame) == 0 {
		return 0, ErrEmptyInput
	}
	rms := rootMeanSquare(frame)
	switch {
	case rms <= g.threshold:
		return 0, nil
	case rms >= saturationFactor*g.threshold:
		return 1, nil
	default:
		return (rms - g.threshold) / ((saturationFactor - 1) * g.threshold), nil
	}
}

// SpeechTimestamps scans a mono 16 kHz waveform in fixed 512-sample frames
// and returns the speech spans. A span opens after at least five consecutive
// speech frames and closes after padding of continuous non-speech. Spans
// shorter than 150 ms are discarded; surviving spans are padded by padding on
// both sides and merged where the padded intervals overlap.
func (g *Gate) SpeechTimestamps(samples []float32, padding time.Duration) ([]Span, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyInput
	}

	const frameSecs = float64(FrameSamples) / 16000
	closeFrames := int(math.Ceil(padding.Seconds() / frameSecs))
	if closeFrames < 1 {
		closeFrames = 1
	}

	type rawSpan struct{ startFrame, endFrame int }
	var (
		raw        []rawSpan
		speechRun  int
		silenceRun int
		inSpan     bool
		spanStart  int
		lastSpeech int
	)

	nFrames := len(samples) / FrameSamples
	for i := 0; i < nFrames; i++ {
		frame := samples[i*FrameSamples : (i+1)*FrameSamples]
		p, err := g.IsSpeech(frame)
		if err != nil {
			return nil, err
		}
		speech := p > 0.5

		if speech {
			speechRun++
			silenceRun = 0
			lastSpeech = i
			if !inSpan && speechRun >= openRunFrames {
				inSpan = true
				spanStart = i - openRunFrames + 1
			}
		} else {
			speechRun = 0
			if inSpan {
				silenceRun++
				if silenceRun >= closeFrames {
					raw = append(raw, rawSpan{spanStart, lastSpeech + 1})
					inSpan = false
					silenceRun = 0
				}
			}
		}
	}
	if inSpan {
		raw = append(raw, rawSpan{spanStart, lastSpeech + 1})
	}

	total := float64(len(samples)) / 16000
	pad := padding.Seconds()
	var spans []Span
	for _, r := range raw {
		start := float64(r.startFrame) * frameSecs
		end := float64(r.endFrame) * frameSecs
		if end-start < minSegment.Seconds() {
			continue
		}
		spans = append(spans, Span{
			Start: math.Max(0, start-pad),
			End:   math.Min(total, end+pad),
		})
	}

	return mergeSpans(spans), nil
}

// Extract concatenates the sample ranges covered by spans, in order.
func Extract(samples []float32, spans []Span, sampleRate int) []float32 {
	var n int
	type r struct{ lo, hi int }
	ranges := make([]r, 0, len(spans))
	for _, s := range spans {
		lo := int(s.Start * float64(sampleRate))
		hi := int(s.End * float64(sampleRate))
		if lo < 0 {
			lo = 0
		}
		if hi > len(samples) {
			hi = len(samples)
		}
		if hi <= lo {
			continue
		}
		ranges = append(ranges, r{lo, hi})
		n += hi - lo
	}
	out := make([]float32, 0, n)
	for _, rg := range ranges {
		out = append(out, samples[rg.lo:rg.hi]...)
	}
	return out
}

func mergeSpans(spans []Span) []Span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func rootMeanSquare(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
