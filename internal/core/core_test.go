package core_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/taurscribe/taurscribe/internal/capture"
	"github.com/taurscribe/taurscribe/internal/config"
	"github.com/taurscribe/taurscribe/internal/core"
	"github.com/taurscribe/taurscribe/internal/events"
	"github.com/taurscribe/taurscribe/internal/postproc"
	"github.com/taurscribe/taurscribe/pkg/asr"
	asrmock "github.com/taurscribe/taurscribe/pkg/asr/mock"
	"github.com/taurscribe/taurscribe/pkg/audio"
)

// fakeStream replays frames when started.
type fakeStream struct {
	frames  [][]float32
	deliver capture.FrameFunc
	done    chan struct{}
}

func (f *fakeStream) Start() error {
	go func() {
		for _, frame := range f.frames {
			f.deliver(frame)
		}
		close(f.done)
	}()
	return nil
}

func (f *fakeStream) Stop() error {
	<-f.done
	return nil
}

func opener(frames [][]float32) capture.StreamOpener {
	return func(_ capture.StreamConfig, deliver capture.FrameFunc) (capture.InputStream, error) {
		fs := &fakeStream{frames: frames, deliver: deliver, done: make(chan struct{})}
		return fs, nil
	}
}

type memSink struct {
	mu     sync.Mutex
	chunks []events.TranscriptionChunk
}

func (s *memSink) TranscriptionChunk(c events.TranscriptionChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
}
func (s *memSink) TranscriptionError(events.TranscriptionError) {}
func (s *memSink) DownloadProgress(events.DownloadProgress)     {}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// testCore builds a Core over mock engines and a fake stream.
type testCore struct {
	core      *core.Core
	buffered  *asrmock.Engine
	streaming *asrmock.Engine
	sink      *memSink
	dataDir   string
}

type coreOptions struct {
	frames     [][]float32
	audioYAML  string
	chain      core.ChainBuilder
	loadModels bool
}

func newTestCore(t *testing.T, opts coreOptions) *testCore {
	t.Helper()

	dataDir := t.TempDir()
	yaml := "engines:\n  data_dir: " + dataDir + "\n" + opts.audioYAML
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	tc := &testCore{
		buffered:  &asrmock.Engine{Variant: asr.VariantBuffered},
		streaming: &asrmock.Engine{Variant: asr.VariantTransducer},
		sink:      &memSink{},
		dataDir:   dataDir,
	}
	if opts.loadModels {
		if _, err := tc.buffered.Initialize(context.Background(), "base.en-q5_0"); err != nil {
			t.Fatalf("init buffered: %v", err)
		}
		if _, err := tc.streaming.Initialize(context.Background(), "nemotron:nemotron"); err != nil {
			t.Fatalf("init streaming: %v", err)
		}
	}

	tc.core = core.New(core.Config{
		Cfg:        cfg,
		Buffered:   tc.buffered,
		Streaming:  tc.streaming,
		Sink:       tc.sink,
		BuildChain: opts.chain,
		OpenStream: opener(opts.frames),
	})
	return tc
}

func silenceFrames(rate, channels, seconds, frameSamples int) [][]float32 {
	total := rate * seconds * channels
	var out [][]float32
	for off := 0; off < total; off += frameSamples * channels {
		out = append(out, make([]float32, frameSamples*channels))
	}
	return out
}

func toneFrames(rate, seconds, frameSamples int) [][]float32 {
	total := rate * seconds
	samples := make([]float32, total)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*300*float64(i)/float64(rate)))
	}
	var out [][]float32
	for off := 0; off < total; off += frameSamples {
		end := off + frameSamples
		if end > total {
			end = total
		}
		out = append(out, samples[off:end])
	}
	return out
}

func TestSilenceOnlySession(t *testing.T) {
	t.Parallel()

	// 12 s of 48 kHz stereo zeros: the waveform persists every delivered
	// frame, no chunk events fire, the final text is empty, and the state
	// returns to Ready.
	tc := newTestCore(t, coreOptions{
		frames:     silenceFrames(48000, 2, 12, 24000),
		loadModels: true,
	})
	ctx := context.Background()

	res, err := tc.core.StartRecording(ctx, core.StartOptions{})
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if res.SessionID == "" || res.Backend != "CPU" {
		t.Fatalf("start result: %+v", res)
	}
	if got := tc.core.Status().State; got != "Recording" {
		t.Fatalf("state during session: %q", got)
	}

	final, err := tc.core.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if final != "" {
		t.Fatalf("silence produced text: %q", final)
	}
	if got := tc.core.Status().State; got != "Ready" {
		t.Fatalf("state after stop: %q", got)
	}
	if tc.sink.count() != 0 {
		t.Fatalf("chunk events for silence: %d", tc.sink.count())
	}

	// The waveform holds exactly the delivered sample count.
	samples, rate, channels, err := audio.ReadWavFile(lastRecording(t, tc))
	if err != nil {
		t.Fatalf("read waveform: %v", err)
	}
	if rate != 48000 || channels != 2 || len(samples) != 48000*2*12 {
		t.Fatalf("waveform: %d samples at %d Hz × %d ch", len(samples), rate, channels)
	}
}

func TestBufferedSessionEmitsAndReturnsFinal(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{
		frames:     toneFrames(16000, 12, 8000),
		audioYAML:  "audio:\n  sample_rate: 16000\n  channels: 1\n",
		loadModels: true,
	})
	tc.buffered.ChunkTexts = []string{"hello world", "how are you"}
	tc.buffered.FinalText = "hello world how are you"
	ctx := context.Background()

	if _, err := tc.core.StartRecording(ctx, core.StartOptions{}); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	final, err := tc.core.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if final != "hello world how are you" {
		t.Fatalf("final: %q", final)
	}
	if tc.sink.count() < 2 {
		t.Fatalf("chunk events: %d, want at least 2", tc.sink.count())
	}
	if got := tc.core.Status().LastSessionChunks; got < 2 {
		t.Fatalf("status chunk count: %d", got)
	}
}

func TestStartWhileRecordingRejected(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{
		frames:     silenceFrames(16000, 1, 1, 160),
		audioYAML:  "audio:\n  sample_rate: 16000\n  channels: 1\n",
		loadModels: true,
	})
	ctx := context.Background()

	if _, err := tc.core.StartRecording(ctx, core.StartOptions{}); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := tc.core.StartRecording(ctx, core.StartOptions{}); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("second start: got %v, want ErrInvalidState", err)
	}
	if _, err := tc.core.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestStopWhileReadyRejected(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{loadModels: true})
	if _, err := tc.core.StopRecording(context.Background()); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestStartWithoutModelRejected(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{})
	if _, err := tc.core.StartRecording(context.Background(), core.StartOptions{}); !errors.Is(err, core.ErrModelNotLoaded) {
		t.Fatalf("got %v, want ErrModelNotLoaded", err)
	}
}

func TestSwitchEngineWhileRecordingRejected(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{
		frames:     silenceFrames(16000, 1, 1, 160),
		audioYAML:  "audio:\n  sample_rate: 16000\n  channels: 1\n",
		loadModels: true,
	})
	ctx := context.Background()

	if _, err := tc.core.StartRecording(ctx, core.StartOptions{}); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	before := tc.core.Status().EngineKind
	if _, err := tc.core.SwitchEngine(ctx, "Streaming"); !errors.Is(err, core.ErrBusyRecording) {
		t.Fatalf("switch while recording: got %v, want ErrBusyRecording", err)
	}
	if got := tc.core.Status().EngineKind; got != before {
		t.Fatalf("active engine changed under rejection: %q → %q", before, got)
	}

	// The session continues and stops normally afterwards.
	if _, err := tc.core.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestSwitchEngineInitialisesDefaultModel(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{})
	backend, err := tc.core.SwitchEngine(context.Background(), "streaming")
	if err != nil {
		t.Fatalf("SwitchEngine: %v", err)
	}
	if backend != "CPU" {
		t.Fatalf("backend: %q", backend)
	}
	if len(tc.streaming.InitCalls) != 1 || tc.streaming.InitCalls[0] != config.DefaultStreamingModel {
		t.Fatalf("init calls: %v", tc.streaming.InitCalls)
	}
	if got := tc.core.Status().EngineKind; got != "Streaming" {
		t.Fatalf("engine kind: %q", got)
	}
}

func TestInitializeEngineIdempotent(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{})
	ctx := context.Background()

	if _, err := tc.core.InitializeEngine(ctx, "base.en-q5_0"); err != nil {
		t.Fatalf("InitializeEngine: %v", err)
	}
	if _, err := tc.core.InitializeEngine(ctx, "base.en-q5_0"); err != nil {
		t.Fatalf("InitializeEngine again: %v", err)
	}
	if len(tc.buffered.InitCalls) != 1 {
		t.Fatalf("init calls: %v", tc.buffered.InitCalls)
	}
}

func TestInitializeEngineUnknownID(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{})
	if _, err := tc.core.InitializeEngine(context.Background(), "mystery-model"); err == nil {
		t.Fatal("unknown artifact id accepted")
	}
}

func TestFinalPassFailureFallsBackToLiveTranscript(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{
		frames:     toneFrames(16000, 6, 8000),
		audioYAML:  "audio:\n  sample_rate: 16000\n  channels: 1\n",
		loadModels: true,
	})
	tc.buffered.ChunkTexts = []string{"partial live text"}
	tc.buffered.FinalErr = errors.New("backend lost mid-pass")
	ctx := context.Background()

	if _, err := tc.core.StartRecording(ctx, core.StartOptions{}); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	final, err := tc.core.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if final != "partial live text" {
		t.Fatalf("fallback text: %q", final)
	}
	if got := tc.core.Status().State; got != "Ready" {
		t.Fatalf("state after fallback: %q", got)
	}
}

func TestPostProcessingAppliedToFinalText(t *testing.T) {
	t.Parallel()

	chain := func(config.PostProcessConfig) *postproc.Chain {
		return postproc.NewChain(upperStage{})
	}
	tc := newTestCore(t, coreOptions{
		frames:     toneFrames(16000, 6, 8000),
		audioYAML:  "audio:\n  sample_rate: 16000\n  channels: 1\n",
		chain:      chain,
		loadModels: true,
	})
	tc.buffered.FinalText = "final text"
	ctx := context.Background()

	if _, err := tc.core.StartRecording(ctx, core.StartOptions{}); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	final, err := tc.core.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if final != "FINAL TEXT" {
		t.Fatalf("post-processed final: %q", final)
	}
}

func TestClearContextWhileRecordingRejected(t *testing.T) {
	t.Parallel()

	tc := newTestCore(t, coreOptions{
		frames:     silenceFrames(16000, 1, 1, 160),
		audioYAML:  "audio:\n  sample_rate: 16000\n  channels: 1\n",
		loadModels: true,
	})
	ctx := context.Background()
	if _, err := tc.core.StartRecording(ctx, core.StartOptions{}); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := tc.core.ClearContext(); !errors.Is(err, core.ErrBusyRecording) {
		t.Fatalf("got %v, want ErrBusyRecording", err)
	}
	if _, err := tc.core.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

// upperStage uppercases; used to observe chain application.
type upperStage struct{}

func (upperStage) Name() string { return "upper" }
func (upperStage) Apply(_ context.Context, s string) (string, error) {
	return strings.ToUpper(s), nil
}

// lastRecording finds the session waveform under the test's data dir.
func lastRecording(t *testing.T, tc *testCore) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(tc.dataDir, "temp", "recording_*.wav"))
	if err != nil || len(matches) == 0 {
		t.Fatalf("no recording found under %s: %v", tc.dataDir, err)
	}
	sort.Strings(matches)
	return matches[len(matches)-1]
}
