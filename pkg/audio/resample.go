package audio

import (
	"errors"
	"math"
)

var (
	// ErrInvalidRate is returned when the source sample rate is zero or
	// negative.
	ErrInvalidRate = errors.New("audio: invalid source sample rate")

	// ErrResamplerInit is returned when the interpolator cannot be built for
	// the requested conversion.
	ErrResamplerInit = errors.New("audio: resampler initialisation failed")
)

const (
	// sincTaps is the filter length per output sample. 32 taps keeps the
	// per-chunk cost in the microsecond range while the stop band stays well
	// below what an energy VAD or ASR front end can distinguish.
	sincTaps = 32

	// sincPhases is the number of precomputed fractional-offset filter rows.
	// Construction fills phases×taps coefficients, which is the expensive
	// part amortised by the cache.
	sincPhases = 512
)

// resamplerKey identifies a reusable interpolator instance. Chunk length is
// part of the key so a session that changes its chunking (engine switch)
// rebuilds rather than silently reusing a mismatched instance.
type resamplerKey struct {
	srcRate  int
	chunkLen int
}

// ResamplerCache converts arbitrary-rate audio to 16 kHz mono, lazily
// building a windowed-sinc interpolator and reusing it for every subsequent
// chunk with the same (source rate, chunk length) shape. Construction is on
// the order of milliseconds; applying the cached instance is on the order of
// microseconds per chunk.
//
// ResamplerCache is not safe for concurrent use; create one per worker.
type ResamplerCache struct {
	key resamplerKey
	rs  *sincResampler
}

// Resample converts samples (interleaved, channels wide, at srcRate) into
// mono 16 kHz. Mono 16 kHz input is returned unchanged. Empty input returns
// an empty slice and no error.
func (c *ResamplerCache) Resample(samples []float32, srcRate, channels int) ([]float32, error) {
	if srcRate <= 0 {
		return nil, ErrInvalidRate
	}
	if len(samples) == 0 {
		return nil, nil
	}

	mono := Mixdown(samples, channels)
	if srcRate == TargetRate {
		return mono, nil
	}

	key := resamplerKey{srcRate: srcRate, chunkLen: len(mono)}
	if c.rs == nil || c.key != key {
		rs, err := newSincResampler(srcRate, TargetRate)
		if err != nil {
			return nil, err
		}
		c.key = key
		c.rs = rs
	}
	return c.rs.apply(mono), nil
}

// sincResampler is a polyphase windowed-sinc interpolator for a fixed
// source→target rate pair. The filter bank is precomputed at construction.
type sincResampler struct {
	srcRate, dstRate int
	ratio            float64 // src/dst: input samples consumed per output sample
	bank             [][]float32
}

func newSincResampler(srcRate, dstRate int) (*sincResampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, ErrResamplerInit
	}

	// Cutoff sits just under the Nyquist of the slower rate so downsampling
	// does not alias.
	cutoff := 0.95
	if srcRate > dstRate {
		cutoff *= float64(dstRate) / float64(srcRate)
	}

	bank := make([][]float32, sincPhases)
	half := sincTaps / 2
	for p := 0; p < sincPhases; p++ {
		frac := float64(p) / float64(sincPhases)
		row := make([]float32, sincTaps)
		var sum float64
		for k := 0; k < sincTaps; k++ {
			// Tap offsets run from -(half-1) to half relative to the
			// interpolation point.
			x := float64(k-half+1) - frac
			v := sinc(cutoff*x) * cutoff * hann(x, half)
			row[k] = float32(v)
			sum += v
		}
		if sum == 0 {
			return nil, ErrResamplerInit
		}
		// Normalise each phase to unity DC gain so pure tones keep their
		// amplitude regardless of fractional position.
		inv := float32(1.0 / sum)
		for k := range row {
			row[k] *= inv
		}
		bank[p] = row
	}

	return &sincResampler{
		srcRate: srcRate,
		dstRate: dstRate,
		ratio:   float64(srcRate) / float64(dstRate),
		bank:    bank,
	}, nil
}

// apply converts one mono chunk. Output length is round(len/ratio).
func (r *sincResampler) apply(in []float32) []float32 {
	outLen := int(math.Round(float64(len(in)) / r.ratio))
	out := make([]float32, outLen)
	half := sincTaps / 2

	for i := 0; i < outLen; i++ {
		pos := float64(i) * r.ratio
		base := int(pos)
		frac := pos - float64(base)
		row := r.bank[int(frac*float64(sincPhases))%sincPhases]

		var acc float32
		for k := 0; k < sincTaps; k++ {
			idx := base + k - half + 1
			if idx < 0 {
				idx = 0
			} else if idx >= len(in) {
				idx = len(in) - 1
			}
			acc += in[idx] * row[k]
		}
		out[i] = acc
	}
	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// hann evaluates a Hann window across the tap span; outside the span the
// window is zero.
func hann(x float64, half int) float64 {
	span := float64(half)
	if x <= -span || x >= span {
		return 0
	}
	return 0.5 + 0.5*math.Cos(math.Pi*x/span)
}
