package artifacts_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taurscribe/taurscribe/internal/artifacts"
)

// testEnv serves a two-file artifact from an httptest server.
type testEnv struct {
	mgr     *artifacts.Manager
	dir     string
	server  *httptest.Server
	encoder []byte
	joint   []byte

	mu     sync.Mutex
	events []artifacts.Progress
}

const testID = "nemotron:nemotron"

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// newTestEnv builds a registry record pointing at a local server. corrupt
// flips the last byte of decoder_joint.onnx after hashing, the S5 scenario.
// chunked withholds Content-Length.
func newTestEnv(t *testing.T, corrupt, chunked bool) *testEnv {
	t.Helper()

	env := &testEnv{
		encoder: []byte("encoder-model-weights-payload"),
		joint:   []byte("decoder-joint-model-weights-payload"),
	}

	encSHA := sha1Hex(env.encoder)
	jointSHA := sha1Hex(env.joint)
	if corrupt {
		env.joint[len(env.joint)-1] ^= 0xff
	}

	mux := http.NewServeMux()
	serve := func(payload *[]byte) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if chunked {
				// Force chunked transfer so ContentLength is unknown.
				w.Header().Set("Transfer-Encoding", "chunked")
				w.WriteHeader(http.StatusOK)
				w.Write(*payload)
				return
			}
			w.Write(*payload)
		}
	}
	mux.HandleFunc("/encoder.onnx", serve(&env.encoder))
	mux.HandleFunc("/decoder_joint.onnx", serve(&env.joint))
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)

	record := artifacts.Record{
		ID:           testID,
		DisplayName:  "test transducer",
		LayoutMarker: artifacts.LayoutTransducer,
		Files: []artifacts.FileSpec{
			{RelativePath: "encoder.onnx", URL: env.server.URL + "/encoder.onnx", SHA1: encSHA},
			{RelativePath: "decoder_joint.onnx", URL: env.server.URL + "/decoder_joint.onnx", SHA1: jointSHA},
		},
	}

	env.dir = t.TempDir()
	env.mgr = artifacts.NewManager(env.dir, artifacts.WithLookup(func(id string) (artifacts.Record, bool) {
		if id == testID {
			return record, true
		}
		return artifacts.Record{}, false
	}))
	return env
}

func (env *testEnv) sink(p artifacts.Progress) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.events = append(env.events, p)
}

func (env *testEnv) lastEvent() artifacts.Progress {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.events[len(env.events)-1]
}

func TestDownloadSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, false)
	if err := env.mgr.Download(context.Background(), testID, env.sink); err != nil {
		t.Fatalf("Download: %v", err)
	}

	if got := env.lastEvent(); got.Phase != artifacts.PhaseDone {
		t.Fatalf("terminal event: %+v", got)
	}

	st := env.mgr.Statuses([]string{testID})[0]
	if !st.Present || !st.Verified {
		t.Fatalf("status after download: %+v", st)
	}
	wantBytes := int64(len(env.encoder) + len(env.joint))
	if st.BytesOnDisk != wantBytes {
		t.Fatalf("bytes on disk: got %d, want %d", st.BytesOnDisk, wantBytes)
	}

	mismatches, err := env.mgr.Verify(testID)
	if err != nil || len(mismatches) != 0 {
		t.Fatalf("Verify: %v / %v", mismatches, err)
	}
}

func TestDownloadIntegrityMismatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, false)
	err := env.mgr.Download(context.Background(), testID, env.sink)

	var integrity *artifacts.IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("got %v, want IntegrityError", err)
	}
	if integrity.File != "decoder_joint.onnx" {
		t.Fatalf("mismatched file: %q", integrity.File)
	}

	if got := env.lastEvent(); got.Phase != artifacts.PhaseError || got.Err != "IntegrityMismatch" {
		t.Fatalf("terminal event: %+v", got)
	}

	// The corrupted file must be gone, partials included.
	dir := env.mgr.Dir(testID)
	for _, name := range []string{"decoder_joint.onnx", "decoder_joint.onnx.partial", "encoder.onnx"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s still present after integrity failure", name)
		}
	}

	st := env.mgr.Statuses([]string{testID})[0]
	if st.Verified {
		t.Fatalf("status claims verified after mismatch: %+v", st)
	}
}

func TestDownloadUnknownArtifact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, false)
	err := env.mgr.Download(context.Background(), "no-such-model", env.sink)
	if !errors.Is(err, artifacts.ErrUnknownArtifact) {
		t.Fatalf("got %v, want ErrUnknownArtifact", err)
	}
}

func TestDownloadAlreadyDownloading(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, false)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	slowSink := func(p artifacts.Progress) {
		if p.Phase == artifacts.PhaseDownload {
			once.Do(func() { close(started) })
			<-release
		}
	}

	done := make(chan error, 1)
	go func() { done <- env.mgr.Download(context.Background(), testID, slowSink) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first download never started")
	}

	if err := env.mgr.Download(context.Background(), testID, nil); !errors.Is(err, artifacts.ErrAlreadyDownloading) {
		t.Fatalf("concurrent download: got %v, want ErrAlreadyDownloading", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first download: %v", err)
	}
}

func TestDownloadWithoutContentLength(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, true)
	if err := env.mgr.Download(context.Background(), testID, env.sink); err != nil {
		t.Fatalf("Download: %v", err)
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	sawNilTotal := false
	for _, ev := range env.events {
		if ev.Phase == artifacts.PhaseDownload && ev.BytesTotal == nil {
			sawNilTotal = true
		}
	}
	if !sawNilTotal {
		t.Fatal("no download event carried a nil BytesTotal")
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, false)
	if err := env.mgr.Download(context.Background(), testID, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := env.mgr.Delete(testID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(env.mgr.Dir(testID)); !os.IsNotExist(err) {
		t.Fatal("artifact directory still present after Delete")
	}
	st := env.mgr.Statuses([]string{testID})[0]
	if st.Present && st.BytesOnDisk > 0 {
		t.Fatalf("status after delete: %+v", st)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, false)
	if err := env.mgr.Download(context.Background(), testID, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}

	target := filepath.Join(env.mgr.Dir(testID), "encoder.onnx")
	if err := os.WriteFile(target, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	mismatches, err := env.mgr.Verify(testID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0] != "encoder.onnx" {
		t.Fatalf("mismatches: %v", mismatches)
	}
	if st := env.mgr.Statuses([]string{testID})[0]; st.Verified {
		t.Fatalf("verified flag survived tampering: %+v", st)
	}
}
