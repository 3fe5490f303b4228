package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/taurscribe/taurscribe/internal/artifacts"
	"github.com/taurscribe/taurscribe/internal/core"
	"github.com/taurscribe/taurscribe/internal/events"
	"github.com/taurscribe/taurscribe/internal/server"
)

// stubBackend scripts the control surface.
type stubBackend struct {
	startErr  error
	stopText  string
	status    core.StatusSnapshot
	lastKind  string
	switchErr error
}

func (s *stubBackend) StartRecording(_ context.Context, _ core.StartOptions) (core.StartResult, error) {
	if s.startErr != nil {
		return core.StartResult{}, s.startErr
	}
	return core.StartResult{SessionID: "rec-1", Backend: "CPU"}, nil
}

func (s *stubBackend) StopRecording(context.Context) (string, error) { return s.stopText, nil }

func (s *stubBackend) SwitchEngine(_ context.Context, kind string) (string, error) {
	if s.switchErr != nil {
		return "", s.switchErr
	}
	s.lastKind = kind
	return "CUDA", nil
}

func (s *stubBackend) InitializeEngine(_ context.Context, id string) (string, error) {
	if id == "missing" {
		return "", artifacts.ErrUnknownArtifact
	}
	return "CPU", nil
}

func (s *stubBackend) SetActiveEngine(kind string) error { s.lastKind = kind; return nil }
func (s *stubBackend) ClearContext() error               { return nil }
func (s *stubBackend) DownloadArtifact(context.Context, string) error {
	return nil
}
func (s *stubBackend) VerifyArtifact(string) ([]string, error) { return nil, nil }
func (s *stubBackend) DeleteArtifact(string) error             { return nil }
func (s *stubBackend) ArtifactStatuses([]string) []artifacts.Status {
	return []artifacts.Status{{ID: "base.en-q5_0", Present: true, Verified: true}}
}
func (s *stubBackend) Status() core.StatusSnapshot { return s.status }

// dial connects a test websocket client to a server instance.
func dial(t *testing.T, srv *server.Server) (*websocket.Conn, context.Context) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		srv.ServeWS(w, r)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[4:]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func call(t *testing.T, ctx context.Context, conn *websocket.Conn, id int64, name string, params any) map[string]json.RawMessage {
	t.Helper()

	frame := map[string]any{"id": id, "call": name}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Skip event frames until the matching response arrives.
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if _, isEvent := msg["event"]; isEvent {
			continue
		}
		return msg
	}
}

func TestStartAndStatusCalls(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{status: core.StatusSnapshot{State: "Ready", EngineKind: "Buffered", Backend: "CPU"}}
	srv := server.New(backend)
	conn, ctx := dial(t, srv)

	resp := call(t, ctx, conn, 1, "start_recording", nil)
	if resp["error"] != nil {
		t.Fatalf("start error: %s", resp["error"])
	}
	var result core.StartResult
	if err := json.Unmarshal(resp["result"], &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if result.SessionID != "rec-1" || result.Backend != "CPU" {
		t.Fatalf("start result: %+v", result)
	}

	resp = call(t, ctx, conn, 2, "get_status", nil)
	var status core.StatusSnapshot
	if err := json.Unmarshal(resp["result"], &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != "Ready" || status.EngineKind != "Buffered" {
		t.Fatalf("status: %+v", status)
	}
}

func TestErrorKindsOnWire(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		startErr:  core.ErrInvalidState,
		switchErr: core.ErrBusyRecording,
	}
	srv := server.New(backend)
	conn, ctx := dial(t, srv)

	resp := call(t, ctx, conn, 1, "start_recording", nil)
	var werr struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(resp["error"], &werr); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if werr.Kind != "InvalidState" {
		t.Fatalf("kind: %q", werr.Kind)
	}

	resp = call(t, ctx, conn, 2, "switch_engine", map[string]string{"kind": "Streaming"})
	if err := json.Unmarshal(resp["error"], &werr); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if werr.Kind != "BusyRecording" {
		t.Fatalf("kind: %q", werr.Kind)
	}

	resp = call(t, ctx, conn, 3, "initialize_engine", map[string]string{"id": "missing"})
	if err := json.Unmarshal(resp["error"], &werr); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if werr.Kind != "UnknownArtifact" {
		t.Fatalf("kind: %q", werr.Kind)
	}
}

func TestEventFanOut(t *testing.T) {
	t.Parallel()

	srv := server.New(&stubBackend{})
	conn, ctx := dial(t, srv)

	// Give the subscriber a moment to register before publishing.
	time.Sleep(100 * time.Millisecond)

	srv.TranscriptionChunk(events.TranscriptionChunk{
		Text:             "hello",
		ProcessingTimeMs: 42,
		Method:           "Buffered",
		SessionStart:     time.Now(),
	})

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev struct {
		Event   string `json:"event"`
		Payload struct {
			Text   string `json:"text"`
			Ms     uint32 `json:"processing_time_ms"`
			Method string `json:"method"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Event != "transcription-chunk" || ev.Payload.Text != "hello" ||
		ev.Payload.Ms != 42 || ev.Payload.Method != "Buffered" {
		t.Fatalf("event: %+v", ev)
	}
}

func TestLateSubscriberMissesOlderSession(t *testing.T) {
	t.Parallel()

	srv := server.New(&stubBackend{})
	conn, ctx := dial(t, srv)
	time.Sleep(100 * time.Millisecond)

	// A session that started before this subscriber joined must not reach
	// it; a later event must.
	srv.TranscriptionChunk(events.TranscriptionChunk{
		Text:         "stale",
		Method:       "Buffered",
		SessionStart: time.Now().Add(-time.Hour),
	})
	srv.TranscriptionChunk(events.TranscriptionChunk{
		Text:         "fresh",
		Method:       "Buffered",
		SessionStart: time.Now(),
	})

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Payload struct {
			Text string `json:"text"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Payload.Text != "fresh" {
		t.Fatalf("got %q, want the fresh event only", ev.Payload.Text)
	}
}

func TestUnknownCall(t *testing.T) {
	t.Parallel()

	srv := server.New(&stubBackend{})
	conn, ctx := dial(t, srv)

	resp := call(t, ctx, conn, 9, "reticulate_splines", nil)
	if resp["error"] == nil {
		t.Fatal("unknown call accepted")
	}
}
