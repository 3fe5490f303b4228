package audio_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/taurscribe/taurscribe/pkg/audio"
)

// Round trip must preserve float32 bit patterns exactly.
func TestWavRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rt.wav")
	w, err := audio.NewWavWriter(path, 48000, 2)
	if err != nil {
		t.Fatalf("NewWavWriter: %v", err)
	}

	in := []float32{0, 1, -1, 0.5, -0.5, float32(math.Pi) / 4, 1e-7, -1e-7}
	if err := w.Write(in[:4]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(in[4:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, rate, channels, err := audio.ReadWavFile(path)
	if err != nil {
		t.Fatalf("ReadWavFile: %v", err)
	}
	if rate != 48000 || channels != 2 {
		t.Fatalf("spec: got %d Hz × %d ch, want 48000 × 2", rate, channels)
	}
	if len(got) != len(in) {
		t.Fatalf("sample count: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if math.Float32bits(got[i]) != math.Float32bits(in[i]) {
			t.Fatalf("sample %d not bit-identical: got %v, want %v", i, got[i], in[i])
		}
	}
}

func TestWavEmptyFileIsValid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.wav")
	w, err := audio.NewWavWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWavWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, rate, channels, err := audio.ReadWavFile(path)
	if err != nil {
		t.Fatalf("ReadWavFile: %v", err)
	}
	if len(got) != 0 || rate != 16000 || channels != 1 {
		t.Fatalf("got %d samples, %d Hz × %d ch", len(got), rate, channels)
	}
}

func TestWavAbortRemovesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "aborted.wav")
	w, err := audio.NewWavWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWavWriter: %v", err)
	}
	if err := w.Write([]float32{0.1, 0.2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("aborted file still present: %v", err)
	}
}

func TestWavRejectsNonFloat(t *testing.T) {
	t.Parallel()

	// A minimal PCM16 WAV: the reader must refuse it rather than
	// misinterpret the payload.
	path := filepath.Join(t.TempDir(), "pcm16.wav")
	pcm := []byte{
		'R', 'I', 'F', 'F', 38, 0, 0, 0, 'W', 'A', 'V', 'E',
		'f', 'm', 't', ' ', 16, 0, 0, 0,
		1, 0, // PCM
		1, 0, // mono
		0x80, 0x3e, 0, 0, // 16000 Hz
		0, 0x7d, 0, 0, // byte rate
		2, 0, // block align
		16, 0, // bits
		'd', 'a', 't', 'a', 2, 0, 0, 0,
		0x34, 0x12,
	}
	if err := os.WriteFile(path, pcm, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, _, err := audio.ReadWavFile(path); err == nil {
		t.Fatal("ReadWavFile accepted a PCM16 file")
	}
}

func TestMixdown(t *testing.T) {
	t.Parallel()

	got := audio.Mixdown([]float32{1, 0, 0.5, 0.5, -1, 1}, 2)
	want := []float32{0.5, 0.5, 0}
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}
