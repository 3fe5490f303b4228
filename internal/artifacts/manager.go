package artifacts

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/taurscribe/taurscribe/pkg/asr"
)

var (
	// ErrUnknownArtifact is returned for ids the registry does not know.
	ErrUnknownArtifact = errors.New("artifacts: unknown artifact id")

	// ErrAlreadyDownloading is returned when a download for the same id is
	// in flight.
	ErrAlreadyDownloading = errors.New("artifacts: download already in progress")
)

// IntegrityError reports a digest mismatch for one file. The offending file
// is deleted before the error is returned.
type IntegrityError struct {
	ID   string
	File string
	Want string
	Got  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifacts: integrity mismatch for %s/%s: got %s, want %s",
		e.ID, e.File, e.Got, e.Want)
}

// Progress phases carried on progress events.
const (
	PhaseDownload = "download"
	PhaseVerify   = "verify"
	PhaseDone     = "done"
	PhaseError    = "error"
)

// Progress is one download progress event. BytesTotal is nil when the
// server withheld the content length; consumers must handle both.
type Progress struct {
	ID         string
	File       string
	BytesDone  uint64
	BytesTotal *uint64
	Phase      string
	Err        string
}

// ProgressFunc receives progress events. It is called from download
// goroutines and must not block for long.
type ProgressFunc func(Progress)

// Status summarises one artifact's on-disk state.
type Status struct {
	ID          string
	Present     bool
	Verified    bool
	BytesOnDisk int64
}

// verifiedSentinel marks a fully downloaded and digest-checked artifact.
const verifiedSentinel = ".verified"

// Manager downloads and verifies artifacts under its root directory. Each
// artifact lives in its own subdirectory; files are streamed to *.partial
// temp names and renamed only after every digest matched.
//
// Manager is safe for concurrent use; at most one download runs per id.
type Manager struct {
	root   string
	client *http.Client

	// lookup resolves ids to records; defaults to the static registry.
	// Injectable so tests can point records at a local server.
	lookup func(string) (Record, bool)

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLookup overrides the registry lookup. Used by tests to serve records
// from a controlled server.
func WithLookup(fn func(string) (Record, bool)) Option {
	return func(m *Manager) { m.lookup = fn }
}

// NewManager returns a Manager rooted at dir (created on demand).
func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		root:     dir,
		client:   &http.Client{},
		lookup:   Lookup,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Dir returns the artifact directory for id.
func (m *Manager) Dir(id string) string {
	return asr.ModelDir(m.root, id)
}

// Download fetches every file of id, verifies the digests, and writes the
// verified sentinel. Progress events stream to sink (which may be nil).
// Cancelling ctx aborts the transfer and removes any partial temp files;
// downloads carry no other timeout.
//
// A terminal event is emitted for every started or unknown download:
// PhaseDone on success, PhaseError with the failure kind otherwise. A request
// for an id that is already downloading returns ErrAlreadyDownloading and
// emits no event.
func (m *Manager) Download(ctx context.Context, id string, sink ProgressFunc) error {
	if sink == nil {
		sink = func(Progress) {}
	}

	rec, ok := m.lookup(id)
	if !ok {
		sink(Progress{ID: id, Phase: PhaseError, Err: "UnknownArtifact"})
		return fmt.Errorf("%w: %q", ErrUnknownArtifact, id)
	}

	m.mu.Lock()
	if _, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyDownloading, id)
	}
	m.inflight[id] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	err := m.download(ctx, rec, sink)
	if err != nil {
		var integrity *IntegrityError
		kind := "DownloadFailed"
		switch {
		case errors.As(err, &integrity):
			kind = "IntegrityMismatch"
		case errors.Is(err, context.Canceled):
			kind = "Cancelled"
		}
		sink(Progress{ID: id, Phase: PhaseError, Err: kind})
		return err
	}
	sink(Progress{ID: id, Phase: PhaseDone})
	return nil
}

func (m *Manager) download(ctx context.Context, rec Record, sink ProgressFunc) error {
	dir := m.Dir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifacts: create %q: %w", dir, err)
	}
	// A previous verified state no longer holds once new bytes land.
	os.Remove(filepath.Join(dir, verifiedSentinel))

	g, gctx := errgroup.WithContext(ctx)
	for _, file := range rec.Files {
		g.Go(func() error {
			return m.fetchFile(gctx, rec.ID, dir, file, sink)
		})
	}
	if err := g.Wait(); err != nil {
		m.removePartials(dir, rec)
		return err
	}

	// Verify every file before any rename so a bad download never
	// replaces a good install.
	for _, file := range rec.Files {
		sink(Progress{ID: rec.ID, File: file.RelativePath, Phase: PhaseVerify})
		partial := filepath.Join(dir, file.RelativePath+".partial")
		digest, err := sha1File(partial)
		if err != nil {
			m.removePartials(dir, rec)
			return fmt.Errorf("artifacts: hash %q: %w", partial, err)
		}
		if digest != file.SHA1 {
			m.removePartials(dir, rec)
			return &IntegrityError{ID: rec.ID, File: file.RelativePath, Want: file.SHA1, Got: digest}
		}
	}

	for _, file := range rec.Files {
		partial := filepath.Join(dir, file.RelativePath+".partial")
		final := filepath.Join(dir, file.RelativePath)
		if err := os.Rename(partial, final); err != nil {
			return fmt.Errorf("artifacts: finalize %q: %w", final, err)
		}
	}

	if err := m.writeSentinel(dir, rec); err != nil {
		return err
	}
	slog.Info("artifact downloaded and verified", "id", rec.ID, "files", len(rec.Files))
	return nil
}

func (m *Manager) fetchFile(ctx context.Context, id, dir string, file FileSpec, sink ProgressFunc) error {
	if nested := filepath.Dir(file.RelativePath); nested != "." {
		if err := os.MkdirAll(filepath.Join(dir, nested), 0o755); err != nil {
			return fmt.Errorf("artifacts: create %q: %w", nested, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return fmt.Errorf("artifacts: request %q: %w", file.URL, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("artifacts: fetch %q: %w", file.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifacts: fetch %q: HTTP %d", file.URL, resp.StatusCode)
	}

	var total *uint64
	if resp.ContentLength >= 0 {
		t := uint64(resp.ContentLength)
		total = &t
	}

	partial := filepath.Join(dir, file.RelativePath+".partial")
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("artifacts: create %q: %w", partial, err)
	}
	defer out.Close()

	var done uint64
	buf := make([]byte, 128*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("artifacts: write %q: %w", partial, err)
			}
			done += uint64(n)
			sink(Progress{
				ID: id, File: file.RelativePath,
				BytesDone: done, BytesTotal: total,
				Phase: PhaseDownload,
			})
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("artifacts: read %q: %w", file.URL, readErr)
		}
	}
}

// Statuses reports the on-disk state of the given ids. Unknown ids report
// as absent.
func (m *Manager) Statuses(ids []string) []Status {
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st := Status{ID: id}
		rec, ok := m.lookup(id)
		if !ok {
			out = append(out, st)
			continue
		}
		dir := m.Dir(id)
		st.Present = true
		for _, file := range rec.Files {
			info, err := os.Stat(filepath.Join(dir, file.RelativePath))
			if err != nil {
				st.Present = false
				continue
			}
			st.BytesOnDisk += info.Size()
		}
		if _, err := os.Stat(filepath.Join(dir, verifiedSentinel)); err == nil && st.Present {
			st.Verified = true
		}
		out = append(out, st)
	}
	return out
}

// Verify rehashes every file of id and refreshes the sentinel. It returns
// the relative paths that failed, empty when all digests match.
func (m *Manager) Verify(id string) (mismatches []string, err error) {
	rec, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArtifact, id)
	}
	dir := m.Dir(id)
	for _, file := range rec.Files {
		digest, err := sha1File(filepath.Join(dir, file.RelativePath))
		if err != nil || digest != file.SHA1 {
			mismatches = append(mismatches, file.RelativePath)
		}
	}
	if len(mismatches) == 0 {
		if err := m.writeSentinel(dir, rec); err != nil {
			return nil, err
		}
	} else {
		os.Remove(filepath.Join(dir, verifiedSentinel))
	}
	return mismatches, nil
}

// Delete removes the artifact's files and sentinel.
func (m *Manager) Delete(id string) error {
	if _, ok := m.lookup(id); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownArtifact, id)
	}
	m.mu.Lock()
	if _, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyDownloading, id)
	}
	m.mu.Unlock()
	if err := os.RemoveAll(m.Dir(id)); err != nil {
		return fmt.Errorf("artifacts: delete %q: %w", id, err)
	}
	return nil
}

func (m *Manager) removePartials(dir string, rec Record) {
	for _, file := range rec.Files {
		os.Remove(filepath.Join(dir, file.RelativePath+".partial"))
	}
}

func (m *Manager) writeSentinel(dir string, rec Record) error {
	path := filepath.Join(dir, verifiedSentinel)
	var content string
	for _, file := range rec.Files {
		content += file.SHA1 + "  " + file.RelativePath + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("artifacts: write sentinel: %w", err)
	}
	return nil
}

func sha1File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
