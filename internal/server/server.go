// Package server exposes the core's control surface to the local shell: a
// loopback WebSocket endpoint carrying JSON request/response frames for
// every control call, with server-pushed transcription and download events,
// plus the Prometheus /metrics endpoint.
//
// The graphical shell itself lives outside this repository; this surface is
// the boundary it talks to. The listener binds loopback only — the core
// never serves the network.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taurscribe/taurscribe/internal/artifacts"
	"github.com/taurscribe/taurscribe/internal/config"
	"github.com/taurscribe/taurscribe/internal/core"
	"github.com/taurscribe/taurscribe/internal/events"
)

// Backend is the control surface the server drives; *core.Core implements
// it. Narrowed to an interface so handler tests run against a stub.
type Backend interface {
	StartRecording(ctx context.Context, opts core.StartOptions) (core.StartResult, error)
	StopRecording(ctx context.Context) (string, error)
	SwitchEngine(ctx context.Context, kind string) (string, error)
	InitializeEngine(ctx context.Context, id string) (string, error)
	SetActiveEngine(kind string) error
	ClearContext() error
	DownloadArtifact(ctx context.Context, id string) error
	VerifyArtifact(id string) ([]string, error)
	DeleteArtifact(id string) error
	ArtifactStatuses(ids []string) []artifacts.Status
	Status() core.StatusSnapshot
}

var _ Backend = (*core.Core)(nil)

// request is one JSON control frame from the shell.
type request struct {
	ID     int64           `json:"id"`
	Call   string          `json:"call"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response answers a request. Exactly one of Result and Error is set.
type response struct {
	ID     int64    `json:"id"`
	Result any      `json:"result,omitempty"`
	Error  *callErr `json:"error,omitempty"`
}

type callErr struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// event is a server-pushed frame.
type event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// subscriber is one connected shell client. Events are fanned out through
// a bounded send queue; a subscriber that cannot keep up loses newest
// events rather than stalling the pipeline.
type subscriber struct {
	joined time.Time
	sendCh chan event
}

const subscriberQueueDepth = 256

// Server hosts the WebSocket control surface and the metrics endpoint. It
// implements events.Sink so the core publishes straight into the fan-out.
type Server struct {
	mu      sync.Mutex
	backend Backend
	subs    map[*subscriber]struct{}

	httpServer *http.Server
}

var _ events.Sink = (*Server)(nil)

// New returns an unstarted Server over backend. backend may be nil at
// construction — the core and the server reference each other, so the
// caller wires the backend with [Server.SetBackend] once the core exists.
func New(backend Backend) *Server {
	return &Server{
		backend: backend,
		subs:    make(map[*subscriber]struct{}),
	}
}

// SetBackend wires the control backend. Must be called before
// ListenAndServe.
func (s *Server) SetBackend(backend Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = backend
}

func (s *Server) getBackend() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

// ListenAndServe serves the control surface on addr until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	slog.Info("control surface listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ServeWS upgrades one shell connection and pumps requests and events
// until the client disconnects.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := &subscriber{
		joined: time.Now(),
		sendCh: make(chan event, subscriberQueueDepth),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	ctx := r.Context()

	// Writer pump: one goroutine owns all writes on this connection.
	writeDone := make(chan struct{})
	responses := make(chan response, 16)
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.sendCh:
				if data, err := json.Marshal(ev); err == nil {
					if conn.Write(ctx, websocket.MessageText, data) != nil {
						return
					}
				}
			case resp := <-responses:
				data, err := json.Marshal(resp)
				if err != nil {
					continue
				}
				if conn.Write(ctx, websocket.MessageText, data) != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			select {
			case responses <- response{Error: &callErr{Kind: "BadRequest", Message: err.Error()}}:
			case <-ctx.Done():
			}
			continue
		}
		resp := s.dispatch(ctx, req)
		select {
		case responses <- resp:
		case <-ctx.Done():
		}
	}
	<-writeDone
}

// dispatch routes one control call. Long-running calls (downloads, stop
// with final pass) run inline: the shell multiplexes with request ids.
func (s *Server) dispatch(ctx context.Context, req request) response {
	backend := s.getBackend()
	if backend == nil {
		return response{ID: req.ID, Error: &callErr{Kind: "Internal", Message: "backend not wired"}}
	}
	fail := func(err error) response {
		return response{ID: req.ID, Error: &callErr{Kind: errorKind(err), Message: err.Error()}}
	}
	ok := func(result any) response {
		return response{ID: req.ID, Result: result}
	}

	switch req.Call {
	case "start_recording":
		var params struct {
			EngineID    string                    `json:"engine_id"`
			PostProcess *config.PostProcessConfig `json:"post_process"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return fail(err)
			}
		}
		opts := core.StartOptions{EngineID: params.EngineID, PostProcess: params.PostProcess}
		res, err := backend.StartRecording(ctx, opts)
		if err != nil {
			return fail(err)
		}
		return ok(res)

	case "stop_recording":
		text, err := backend.StopRecording(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"final_text": text})

	case "switch_engine":
		var params struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(err)
		}
		tag, err := backend.SwitchEngine(ctx, params.Kind)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"backend": tag})

	case "initialize_engine":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(err)
		}
		tag, err := backend.InitializeEngine(ctx, params.ID)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"backend": tag})

	case "set_active_engine":
		var params struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(err)
		}
		if err := backend.SetActiveEngine(params.Kind); err != nil {
			return fail(err)
		}
		return ok("ack")

	case "clear_context":
		if err := backend.ClearContext(); err != nil {
			return fail(err)
		}
		return ok("ack")

	case "download_artifact":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(err)
		}
		// Progress streams via download-progress events; the response
		// acknowledges completion.
		if err := backend.DownloadArtifact(ctx, params.ID); err != nil {
			return fail(err)
		}
		return ok("ack")

	case "verify_artifact":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(err)
		}
		mismatches, err := backend.VerifyArtifact(params.ID)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{"ok": len(mismatches) == 0, "mismatches": mismatches})

	case "delete_artifact":
		var params struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(err)
		}
		if err := backend.DeleteArtifact(params.ID); err != nil {
			return fail(err)
		}
		return ok("ack")

	case "artifact_status":
		var params struct {
			IDs []string `json:"ids"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return fail(err)
			}
		}
		return ok(backend.ArtifactStatuses(params.IDs))

	case "get_status":
		return ok(backend.Status())

	default:
		return fail(fmt.Errorf("unknown call %q", req.Call))
	}
}

// errorKind maps core errors onto the wire taxonomy.
func errorKind(err error) string {
	var integrity *artifacts.IntegrityError
	switch {
	case errors.Is(err, core.ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, core.ErrBusyRecording):
		return "BusyRecording"
	case errors.Is(err, core.ErrModelNotLoaded):
		return "ModelNotLoaded"
	case errors.Is(err, artifacts.ErrUnknownArtifact):
		return "UnknownArtifact"
	case errors.Is(err, artifacts.ErrAlreadyDownloading):
		return "AlreadyDownloading"
	case errors.As(err, &integrity):
		return "IntegrityMismatch"
	default:
		return "Internal"
	}
}

// ---- events.Sink ------------------------------------------------------------

// TranscriptionChunk fans a live chunk out to every subscriber whose
// connection predates the producing session.
func (s *Server) TranscriptionChunk(c events.TranscriptionChunk) {
	s.broadcast(event{Event: "transcription-chunk", Payload: c}, c.SessionStart)
}

// TranscriptionError fans a recoverable inference failure out.
func (s *Server) TranscriptionError(e events.TranscriptionError) {
	s.broadcast(event{Event: "transcription-error", Payload: e}, e.SessionStart)
}

// DownloadProgress fans download progress out to all subscribers.
func (s *Server) DownloadProgress(p events.DownloadProgress) {
	s.broadcast(event{Event: "download-progress", Payload: p}, time.Time{})
}

// broadcast enqueues ev for each eligible subscriber, dropping it for
// subscribers with a full queue. A subscriber never receives an event from
// a session that started before it subscribed.
func (s *Server) broadcast(ev event, sessionStart time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if !sessionStart.IsZero() && sessionStart.Before(sub.joined) {
			continue
		}
		select {
		case sub.sendCh <- ev:
		default:
		}
	}
}
