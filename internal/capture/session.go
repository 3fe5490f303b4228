// Package capture owns the microphone during a recording session. The audio
// callback fans every delivered frame out to two single-producer queues: the
// stereo frame goes to the file writer, the mono mixdown to the live
// transcription worker. The callback never locks a mutex and never blocks on
// a send — a queue that cannot accept a frame loses that frame for that
// consumer only.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taurscribe/taurscribe/internal/observe"
	"github.com/taurscribe/taurscribe/pkg/audio"
)

// ErrDeviceUnavailable wraps input-device failures at session start.
var ErrDeviceUnavailable = errors.New("capture: input device unavailable")

// defaultQueueDepth absorbs scheduler jitter between the audio thread and
// the consumers. At ~10 ms device periods this is several seconds of
// headroom; a consumer stalled longer than that loses newest frames.
const defaultQueueDepth = 512

// slowWriterWarning is how long Stop waits for the waveform trailer before
// logging; the join itself is unbounded so the file is always finalized
// before the final pass opens it.
const slowWriterWarning = 500 * time.Millisecond

// Config configures a capture session.
type Config struct {
	SampleRate int
	Channels   int

	// WaveformPath is where the stereo recording is written.
	WaveformPath string

	// QueueDepth overrides the frame queue capacity (frames, not samples).
	QueueDepth int

	// OpenStream opens the input stream; nil selects the malgo device.
	OpenStream StreamOpener

	// Metrics records dropped-frame counters. Nil uses the default set.
	Metrics *observe.Metrics
}

// Session is one live recording. Create with Start; end with Stop.
type Session struct {
	ID           string
	StartedAt    time.Time
	WaveformPath string

	sampleRate int
	channels   int

	stream     InputStream
	fileQ      chan audio.Frame
	liveQ      chan audio.Frame
	writerDone chan error

	droppedFile atomic.Uint64
	droppedLive atomic.Uint64

	met      *observe.Metrics
	stopOnce sync.Once
	stopErr  error
}

// Start opens the input device, spawns the file writer, and begins frame
// delivery. The returned session's LiveFrames channel feeds the live
// transcription worker; it closes when the session stops.
func Start(cfg Config) (*Session, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	opener := cfg.OpenStream
	if opener == nil {
		opener = OpenMalgoStream
	}

	writer, err := audio.NewWavWriter(cfg.WaveformPath, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:           fmt.Sprintf("rec-%d", now.UnixNano()),
		StartedAt:    now,
		WaveformPath: cfg.WaveformPath,
		sampleRate:   cfg.SampleRate,
		channels:     cfg.Channels,
		fileQ:        make(chan audio.Frame, cfg.QueueDepth),
		liveQ:        make(chan audio.Frame, cfg.QueueDepth),
		writerDone:   make(chan error, 1),
		met:          cfg.Metrics,
	}

	go s.writeLoop(writer)

	abort := func() {
		close(s.fileQ)
		close(s.liveQ)
		<-s.writerDone
		os.Remove(cfg.WaveformPath)
	}

	stream, err := opener(StreamConfig{SampleRate: cfg.SampleRate, Channels: cfg.Channels}, s.deliver)
	if err != nil {
		abort()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		stream.Stop()
		abort()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	slog.Info("capture session started",
		"session", s.ID, "path", cfg.WaveformPath,
		"rate", cfg.SampleRate, "channels", cfg.Channels)
	return s, nil
}

// deliver is the audio-thread fan-out: one try-send per queue, ownership
// moves with each send. No locks, no blocking, no allocation beyond the two
// frames themselves.
func (s *Session) deliver(samples []float32) {
	if len(samples) == 0 {
		return
	}

	var mono []float32
	if s.channels <= 1 {
		mono = make([]float32, len(samples))
		copy(mono, samples)
	} else {
		mono = audio.Mixdown(samples, s.channels)
	}

	select {
	case s.fileQ <- audio.Frame{Samples: samples, SampleRate: s.sampleRate, Channels: s.channels}:
	default:
		s.droppedFile.Add(1)
	}
	select {
	case s.liveQ <- audio.Frame{Samples: mono, SampleRate: s.sampleRate, Channels: 1}:
	default:
		s.droppedLive.Add(1)
	}
}

// LiveFrames returns the mono frame stream for the live transcriber. The
// channel closes after Stop.
func (s *Session) LiveFrames() <-chan audio.Frame {
	return s.liveQ
}

// Dropped reports frames lost to full queues, per consumer.
func (s *Session) Dropped() (file, live uint64) {
	return s.droppedFile.Load(), s.droppedLive.Load()
}

// Stop halts the microphone immediately, closes both queues so the workers
// drain and exit, and joins the file writer so the waveform container is
// fully finalized (or removed) before Stop returns. Safe to call more than
// once.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		if s.stream != nil {
			if err := s.stream.Stop(); err != nil {
				slog.Warn("capture stream stop failed", "session", s.ID, "error", err)
			}
		}
		close(s.fileQ)
		close(s.liveQ)

		warn := time.NewTimer(slowWriterWarning)
		defer warn.Stop()
		select {
		case s.stopErr = <-s.writerDone:
		case <-warn.C:
			slog.Warn("waveform writer is slow to finalize", "session", s.ID)
			s.stopErr = <-s.writerDone
		}

		df, dl := s.Dropped()
		if df > 0 || dl > 0 {
			slog.Warn("frames dropped during session",
				"session", s.ID, "file_queue", df, "live_queue", dl)
		}
		slog.Info("capture session stopped", "session", s.ID)
	})
	return s.stopErr
}

// writeLoop consumes stereo frames and appends them to the waveform file.
// On queue closure the container is finalized; after a write error the
// remaining frames are drained and the partial file is removed.
func (s *Session) writeLoop(writer *audio.WavWriter) {
	ctx := context.Background()
	var writeErr error
	for f := range s.fileQ {
		if writeErr != nil {
			continue
		}
		if err := writer.Write(f.Samples); err != nil {
			writeErr = err
			slog.Error("waveform write failed, discarding session audio",
				"session", s.ID, "error", err)
		}
	}

	df := s.droppedFile.Load()
	if df > 0 {
		s.met.FramesDropped.Add(ctx, int64(df), metric.WithAttributes(attribute.String("queue", "file")))
	}
	if dl := s.droppedLive.Load(); dl > 0 {
		s.met.FramesDropped.Add(ctx, int64(dl), metric.WithAttributes(attribute.String("queue", "live")))
	}

	closeErr := writer.Close()
	switch {
	case writeErr != nil:
		s.writerDone <- writeErr
	default:
		s.writerDone <- closeErr
	}
}
