// Package core owns the dictation engine's runtime: the lifecycle state
// machine, the active engines, and the control surface the local shell
// drives. Recording and engine control calls are serialised by one mutex;
// the artifact calls go to the artifact manager without taking it. The
// status surface reads a lock-free snapshot instead.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taurscribe/taurscribe/internal/artifacts"
	"github.com/taurscribe/taurscribe/internal/capture"
	"github.com/taurscribe/taurscribe/internal/config"
	"github.com/taurscribe/taurscribe/internal/events"
	"github.com/taurscribe/taurscribe/internal/finalpass"
	"github.com/taurscribe/taurscribe/internal/live"
	"github.com/taurscribe/taurscribe/internal/observe"
	"github.com/taurscribe/taurscribe/internal/postproc"
	"github.com/taurscribe/taurscribe/pkg/asr"
	"github.com/taurscribe/taurscribe/pkg/vad"
)

// StatusSnapshot is the lock-free status surface.
type StatusSnapshot struct {
	State      string `json:"state"`
	EngineKind string `json:"engine_kind"`
	Backend    string `json:"backend"`
	ModelID    string `json:"model_id"`

	// Last-session observability: emitted chunk count and frames lost to
	// the drop-newest queue policy.
	LastSessionChunks uint64 `json:"last_session_chunks"`
	DroppedFileFrames uint64 `json:"dropped_file_frames"`
	DroppedLiveFrames uint64 `json:"dropped_live_frames"`
}

// StartResult is returned by StartRecording.
type StartResult struct {
	SessionID string `json:"session_id"`
	Backend   string `json:"backend"`
}

// StartOptions are the optional inputs of StartRecording.
type StartOptions struct {
	// EngineID selects and (if needed) initialises a specific model for
	// this session. Empty keeps the active engine.
	EngineID string

	// PostProcess overrides the configured post-processing toggles for
	// this session. Nil keeps the configuration defaults.
	PostProcess *config.PostProcessConfig
}

// ChainBuilder constructs a post-processing chain from a per-session
// configuration.
type ChainBuilder func(config.PostProcessConfig) *postproc.Chain

// Config wires a Core.
type Config struct {
	Cfg       *config.Config
	Buffered  asr.Engine
	Streaming asr.Engine
	Artifacts *artifacts.Manager
	Sink      events.Sink
	Gate      *vad.Gate

	// BuildChain constructs the per-session post-processing chain. Nil
	// disables post-processing.
	BuildChain ChainBuilder

	// OpenStream overrides the input stream source (tests). Nil selects
	// the microphone.
	OpenStream capture.StreamOpener

	// Metrics records pipeline instruments. Nil uses the default set.
	Metrics *observe.Metrics
}

// Core is the runtime handle. One instance exists per process; the shell
// surface holds it for the lifetime of the application.
type Core struct {
	cfg Config

	mu           sync.Mutex
	state        stateCell
	activeFamily asr.Family
	transcript   *live.Transcript

	// Live session, non-nil only between start and stop.
	sess       *capture.Session
	liveTr     *live.Transcriber
	sessEngine asr.Engine
	sessChain  *postproc.Chain

	chunkCount atomic.Uint64
	status     atomic.Pointer[StatusSnapshot]
}

// countingSink counts emitted chunks for the status surface on its way to
// the real sink.
type countingSink struct {
	events.Sink
	count *atomic.Uint64
}

func (s *countingSink) TranscriptionChunk(c events.TranscriptionChunk) {
	s.count.Add(1)
	s.Sink.TranscriptionChunk(c)
}

// New builds a Core in the Ready state.
func New(cfg Config) *Core {
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Gate == nil {
		cfg.Gate = vad.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	c := &Core{
		cfg:        cfg,
		transcript: &live.Transcript{},
	}
	c.activeFamily = asr.FamilyBuffered
	if cfg.Cfg != nil && cfg.Cfg.Engines.Active == "streaming" {
		c.activeFamily = asr.FamilyStreaming
	}
	c.publishStatus(StateReady)
	return c
}

func (c *Core) engineFor(family asr.Family) asr.Engine {
	if family == asr.FamilyStreaming {
		return c.cfg.Streaming
	}
	return c.cfg.Buffered
}

// StartRecording begins a capture session. Rejected unless the core is
// Ready and the selected engine reports a loaded model.
func (c *Core) StartRecording(ctx context.Context, opts StartOptions) (StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.load() != StateReady {
		return StartResult{}, ErrInvalidState
	}

	family := c.activeFamily
	if opts.EngineID != "" {
		rec, ok := artifacts.Lookup(opts.EngineID)
		if !ok {
			return StartResult{}, fmt.Errorf("%w: %q", artifacts.ErrUnknownArtifact, opts.EngineID)
		}
		family = rec.Variant().Family()
		eng := c.engineFor(family)
		if eng.ModelID() != opts.EngineID {
			backend, err := eng.Initialize(ctx, opts.EngineID)
			if err != nil {
				return StartResult{}, err
			}
			c.cfg.Metrics.RecordEngineInit(ctx, string(family), backend)
		}
	}

	engine := c.engineFor(family)
	if engine.ModelID() == "" {
		return StartResult{}, ErrModelNotLoaded
	}

	tempDir := c.cfg.Cfg.TempDir()
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return StartResult{}, fmt.Errorf("core: create %q: %w", tempDir, err)
	}
	waveformPath := filepath.Join(tempDir, fmt.Sprintf("recording_%d.wav", time.Now().Unix()))

	engine.ClearContext()
	c.transcript.Reset()

	sess, err := capture.Start(capture.Config{
		SampleRate:   c.cfg.Cfg.Audio.SampleRate,
		Channels:     c.cfg.Cfg.Audio.Channels,
		WaveformPath: waveformPath,
		OpenStream:   c.cfg.OpenStream,
		Metrics:      c.cfg.Metrics,
	})
	if err != nil {
		return StartResult{}, err
	}

	c.chunkCount.Store(0)
	tr := live.New(live.Config{
		Engine:       engine,
		Gate:         c.cfg.Gate,
		Sink:         &countingSink{Sink: c.cfg.Sink, count: &c.chunkCount},
		Transcript:   c.transcript,
		SessionStart: sess.StartedAt,
		Metrics:      c.cfg.Metrics,
	})
	go tr.Run(sess.LiveFrames())

	ppCfg := c.cfg.Cfg.PostProcess
	if opts.PostProcess != nil {
		ppCfg = *opts.PostProcess
	}
	var chain *postproc.Chain
	if c.cfg.BuildChain != nil {
		chain = c.cfg.BuildChain(ppCfg)
	}

	c.sess = sess
	c.liveTr = tr
	c.sessEngine = engine
	c.sessChain = chain
	c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	c.state.store(StateRecording)
	c.publishStatus(StateRecording)

	return StartResult{SessionID: sess.ID, Backend: engine.Backend()}, nil
}

// StopRecording ends the session and returns the final, post-processed
// transcript. A stop while Processing is a no-op; a stop while Ready is
// rejected. Once a stop is accepted a final text is always returned, even
// when the final pass or a post-processing stage soft-fails.
func (c *Core) StopRecording(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.load() {
	case StateProcessing:
		return "", nil
	case StateReady:
		return "", ErrInvalidState
	}

	c.state.store(StateProcessing)
	c.publishStatus(StateProcessing)

	sess, tr, engine, chain := c.sess, c.liveTr, c.sessEngine, c.sessChain
	c.sess, c.liveTr, c.sessEngine, c.sessChain = nil, nil, nil, nil

	// Mic off, queues closed, waveform finalized.
	stopErr := sess.Stop()
	// The live worker finishes its current chunk and exits on queue
	// closure; the engine is handed to the final pass only after that.
	<-tr.Done()
	c.cfg.Metrics.ActiveSessions.Add(ctx, -1)

	finalText := ""
	if stopErr != nil {
		slog.Error("waveform finalization failed, falling back to live transcript",
			"session", sess.ID, "error", stopErr)
		finalText = c.transcript.Text()
	} else {
		start := time.Now()
		text, err := finalpass.Run(ctx, engine, c.cfg.Gate, sess.WaveformPath)
		if err != nil {
			slog.Error("final pass failed, falling back to live transcript",
				"session", sess.ID, "error", err)
			finalText = c.transcript.Text()
		} else {
			finalText = text
			c.cfg.Metrics.FinalPassDuration.Record(ctx, time.Since(start).Seconds())
		}
	}

	if chain != nil {
		start := time.Now()
		out, failures := chain.Process(ctx, finalText)
		for _, f := range failures {
			slog.Warn("post-process stage soft-failed", "stage", f.Stage, "error", f.Err)
		}
		finalText = out
		c.cfg.Metrics.PostProcessDuration.Record(ctx, time.Since(start).Seconds())
	}

	df, dl := sess.Dropped()
	c.state.store(StateReady)
	c.publishStatusWith(StateReady, df, dl)
	return finalText, nil
}

// SwitchEngine changes the active engine family, initialising the family's
// configured default model when none is loaded. Disallowed while Recording.
func (c *Core) SwitchEngine(ctx context.Context, kind string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.load() == StateRecording {
		return "", ErrBusyRecording
	}

	family, err := parseFamily(kind)
	if err != nil {
		return "", err
	}

	engine := c.engineFor(family)
	if engine.ModelID() == "" {
		modelID := c.cfg.Cfg.Engines.BufferedModel
		if family == asr.FamilyStreaming {
			modelID = c.cfg.Cfg.Engines.StreamingModel
		}
		backend, err := engine.Initialize(ctx, modelID)
		if err != nil {
			return "", err
		}
		c.cfg.Metrics.RecordEngineInit(ctx, string(family), backend)
	}

	c.activeFamily = family
	c.publishStatus(c.state.load())
	return engine.Backend(), nil
}

// InitializeEngine loads the model behind an artifact id into the engine of
// its family. Idempotent for an already-loaded id. Disallowed while
// Recording.
func (c *Core) InitializeEngine(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.load() == StateRecording {
		return "", ErrBusyRecording
	}

	rec, ok := artifacts.Lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %q", artifacts.ErrUnknownArtifact, id)
	}
	engine := c.engineFor(rec.Variant().Family())
	if engine.ModelID() == id {
		return engine.Backend(), nil
	}

	backend, err := engine.Initialize(ctx, id)
	if err != nil {
		return "", err
	}
	c.cfg.Metrics.RecordEngineInit(ctx, string(rec.Variant().Family()), backend)
	c.publishStatus(c.state.load())
	return backend, nil
}

// SetActiveEngine selects the family used by the next session. The running
// session, if any, keeps the engine it started with.
func (c *Core) SetActiveEngine(kind string) error {
	family, err := parseFamily(kind)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeFamily = family
	c.publishStatus(c.state.load())
	return nil
}

// ClearContext manually resets the active engine's per-session state and
// the session transcript.
func (c *Core) ClearContext() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.load() == StateRecording {
		return ErrBusyRecording
	}
	c.engineFor(c.activeFamily).ClearContext()
	c.transcript.Reset()
	return nil
}

// DownloadArtifact streams the artifact to disk, forwarding progress to the
// event sink.
func (c *Core) DownloadArtifact(ctx context.Context, id string) error {
	var lastDone sync.Map // file → bytes already counted
	return c.cfg.Artifacts.Download(ctx, id, func(p artifacts.Progress) {
		if p.Phase == artifacts.PhaseDownload {
			prev, _ := lastDone.Swap(p.File, p.BytesDone)
			var prevDone uint64
			if prev != nil {
				prevDone = prev.(uint64)
			}
			if p.BytesDone > prevDone {
				c.cfg.Metrics.DownloadBytes.Add(ctx, int64(p.BytesDone-prevDone),
					metric.WithAttributes(attribute.String("artifact", id)))
			}
		}
		c.cfg.Sink.DownloadProgress(events.DownloadProgress{
			ID:         p.ID,
			File:       p.File,
			BytesDone:  p.BytesDone,
			BytesTotal: p.BytesTotal,
			Phase:      p.Phase,
			Err:        p.Err,
		})
	})
}

// VerifyArtifact rehashes an artifact's files.
func (c *Core) VerifyArtifact(id string) ([]string, error) {
	return c.cfg.Artifacts.Verify(id)
}

// DeleteArtifact removes an artifact's files and sentinel.
func (c *Core) DeleteArtifact(id string) error {
	return c.cfg.Artifacts.Delete(id)
}

// ArtifactStatuses reports the on-disk state of ids (all known ids when
// empty).
func (c *Core) ArtifactStatuses(ids []string) []artifacts.Status {
	if len(ids) == 0 {
		ids = artifacts.Known()
	}
	return c.cfg.Artifacts.Statuses(ids)
}

// Status returns the lock-free status snapshot.
func (c *Core) Status() StatusSnapshot {
	return *c.status.Load()
}

// publishStatus refreshes the snapshot, keeping the last session's
// counters; callers hold the control mutex except during construction.
func (c *Core) publishStatus(state State) {
	prev := c.status.Load()
	var df, dl uint64
	if prev != nil {
		df, dl = prev.DroppedFileFrames, prev.DroppedLiveFrames
	}
	c.publishStatusWith(state, df, dl)
}

func (c *Core) publishStatusWith(state State, droppedFile, droppedLive uint64) {
	engine := c.engineFor(c.activeFamily)
	c.status.Store(&StatusSnapshot{
		State:             state.String(),
		EngineKind:        string(c.activeFamily),
		Backend:           engine.Backend(),
		ModelID:           engine.ModelID(),
		LastSessionChunks: c.chunkCount.Load(),
		DroppedFileFrames: droppedFile,
		DroppedLiveFrames: droppedLive,
	})
}

func parseFamily(kind string) (asr.Family, error) {
	switch strings.ToLower(kind) {
	case "buffered":
		return asr.FamilyBuffered, nil
	case "streaming":
		return asr.FamilyStreaming, nil
	default:
		return "", fmt.Errorf("core: unknown engine kind %q; valid values: Buffered, Streaming", kind)
	}
}
