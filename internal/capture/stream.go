package capture

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gen2brain/malgo"
)

// StreamConfig is the capture format requested from the input device.
type StreamConfig struct {
	SampleRate int
	Channels   int
}

// FrameFunc receives one interleaved float32 frame. It is invoked from the
// audio thread: it must not lock, block, or allocate beyond handing the
// frame onward.
type FrameFunc func(samples []float32)

// InputStream is a running microphone stream.
type InputStream interface {
	// Start begins frame delivery.
	Start() error

	// Stop halts the device and blocks until the data callback has
	// quiesced. After Stop returns, no further FrameFunc calls occur.
	Stop() error
}

// StreamOpener creates an InputStream delivering frames to deliver. The
// default is [OpenMalgoStream]; tests substitute synthetic streams.
type StreamOpener func(cfg StreamConfig, deliver FrameFunc) (InputStream, error)

// malgoStream drives the default input device through miniaudio.
type malgoStream struct {
	mctx *malgo.AllocatedContext
	dev  *malgo.Device
}

// OpenMalgoStream resolves the default input device and prepares a capture
// stream in the requested format (float32, cfg.Channels, cfg.SampleRate —
// miniaudio converts from the device's native format when needed).
func OpenMalgoStream(cfg StreamConfig, deliver FrameFunc) (InputStream, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: init audio context: %w", err)
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) < 4 {
				return
			}
			deliver(decodeF32(input))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("capture: init input device: %w", err)
	}
	return &malgoStream{mctx: mctx, dev: dev}, nil
}

func (s *malgoStream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("capture: start input device: %w", err)
	}
	return nil
}

func (s *malgoStream) Stop() error {
	// Uninit stops the device and waits for the data callback to return.
	s.dev.Uninit()
	if err := s.mctx.Uninit(); err != nil {
		s.mctx.Free()
		return fmt.Errorf("capture: uninit audio context: %w", err)
	}
	s.mctx.Free()
	return nil
}

// decodeF32 converts the device's little-endian float32 bytes into the
// frame slice whose ownership moves to the consumer. This is the callback's
// single allocation per delivery.
func decodeF32(input []byte) []float32 {
	n := len(input) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	return out
}
