package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// WAV container constants for the IEEE-float variant. The fmt chunk for
// non-PCM formats carries a cbSize field (18 bytes total) and a fact chunk
// records the per-channel sample frame count.
const (
	wavFormatIEEEFloat = 3
	wavHeaderSize      = 58
	wavBitsPerSample   = 32
)

// ErrNotFloatWav is returned when a file is a valid RIFF/WAVE container but
// does not hold 32-bit IEEE float samples.
var ErrNotFloatWav = errors.New("audio: wav file is not IEEE float32")

// WavWriter appends float32 frames to a RIFF/WAVE file. The header is
// written with zero sizes up front and patched on Close, so the file on disk
// is either fully finalised or removed — never a torn container.
type WavWriter struct {
	f          *os.File
	path       string
	sampleRate int
	channels   int
	dataBytes  uint32
	buf        []byte
	failed     bool
}

// NewWavWriter creates the file at path (truncating any previous content)
// and writes a provisional header for an IEEE float32 stream.
func NewWavWriter(path string, sampleRate, channels int) (*WavWriter, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("audio: wav writer: invalid spec %d Hz × %d ch", sampleRate, channels)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: wav writer: create %q: %w", path, err)
	}
	w := &WavWriter{
		f:          f,
		path:       path,
		sampleRate: sampleRate,
		channels:   channels,
		buf:        make([]byte, 0, 4096),
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *WavWriter) writeHeader() error {
	byteRate := w.sampleRate * w.channels * wavBitsPerSample / 8
	blockAlign := w.channels * wavBitsPerSample / 8

	hdr := make([]byte, wavHeaderSize)
	copy(hdr[0:4], "RIFF")
	// hdr[4:8] riff size — patched on Close
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 18)
	binary.LittleEndian.PutUint16(hdr[20:22], wavFormatIEEEFloat)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], wavBitsPerSample)
	binary.LittleEndian.PutUint16(hdr[36:38], 0) // cbSize

	copy(hdr[38:42], "fact")
	binary.LittleEndian.PutUint32(hdr[42:46], 4)
	// hdr[46:50] sample frame count — patched on Close

	copy(hdr[50:54], "data")
	// hdr[54:58] data size — patched on Close

	if _, err := w.f.Write(hdr); err != nil {
		return fmt.Errorf("audio: wav writer: header: %w", err)
	}
	return nil
}

// Write appends interleaved float32 samples. After the first failed write the
// writer is poisoned: further writes are ignored and Close removes the file.
func (w *WavWriter) Write(samples []float32) error {
	if w.failed || len(samples) == 0 {
		return nil
	}
	need := len(samples) * 4
	if cap(w.buf) < need {
		w.buf = make([]byte, 0, need)
	}
	b := w.buf[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(s))
	}
	if _, err := w.f.Write(b); err != nil {
		w.failed = true
		return fmt.Errorf("audio: wav writer: data: %w", err)
	}
	w.dataBytes += uint32(need)
	return nil
}

// Close patches the RIFF, fact and data sizes and syncs the file. If any
// write failed — including the patch itself — the partial file is removed
// and the first error is returned.
func (w *WavWriter) Close() error {
	if w.f == nil {
		return nil
	}
	defer func() { w.f = nil }()

	if w.failed {
		w.f.Close()
		os.Remove(w.path)
		return fmt.Errorf("audio: wav writer: removed partial file %q", w.path)
	}

	patch := func(off int64, v uint32) error {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		_, err := w.f.WriteAt(b[:], off)
		return err
	}
	frames := w.dataBytes / uint32(4*w.channels)
	err := patch(4, uint32(wavHeaderSize-8)+w.dataBytes)
	if err == nil {
		err = patch(46, frames)
	}
	if err == nil {
		err = patch(54, w.dataBytes)
	}
	if err == nil {
		err = w.f.Sync()
	}
	if err != nil {
		w.f.Close()
		os.Remove(w.path)
		return fmt.Errorf("audio: wav writer: finalize %q: %w", w.path, err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.path)
		return fmt.Errorf("audio: wav writer: close %q: %w", w.path, err)
	}
	return nil
}

// Abort closes and removes the file unconditionally.
func (w *WavWriter) Abort() {
	if w.f == nil {
		return
	}
	w.f.Close()
	w.f = nil
	os.Remove(w.path)
}

// ReadWavFile loads an IEEE float32 RIFF/WAVE file and returns the
// interleaved samples with the stream spec. Sample values round-trip
// bit-exactly against [WavWriter].
func ReadWavFile(path string) (samples []float32, sampleRate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("audio: wav read: open %q: %w", path, err)
	}
	defer f.Close()

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return nil, 0, 0, fmt.Errorf("audio: wav read: riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("audio: wav read: %q is not a RIFF/WAVE file", path)
	}

	var (
		format   uint16
		bits     uint16
		haveFmt  bool
		haveData bool
		data     []byte
	)
	for {
		var ch [8]byte
		if _, err := io.ReadFull(f, ch[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, 0, 0, fmt.Errorf("audio: wav read: chunk header: %w", err)
		}
		id := string(ch[0:4])
		size := binary.LittleEndian.Uint32(ch[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(f, body); err != nil {
				return nil, 0, 0, fmt.Errorf("audio: wav read: fmt chunk: %w", err)
			}
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("audio: wav read: fmt chunk too short (%d bytes)", size)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			data = make([]byte, size)
			if _, err := io.ReadFull(f, data); err != nil {
				return nil, 0, 0, fmt.Errorf("audio: wav read: data chunk: %w", err)
			}
			haveData = true
		default:
			// fact and any vendor chunks are skipped. Chunks are word
			// aligned; odd sizes carry a pad byte.
			skip := int64(size)
			if size%2 == 1 {
				skip++
			}
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return nil, 0, 0, fmt.Errorf("audio: wav read: skip %q chunk: %w", id, err)
			}
		}
		if haveFmt && haveData {
			break
		}
	}

	if !haveFmt || !haveData {
		return nil, 0, 0, fmt.Errorf("audio: wav read: %q is missing fmt or data chunk", path)
	}
	if format != wavFormatIEEEFloat || bits != wavBitsPerSample {
		return nil, 0, 0, fmt.Errorf("audio: wav read: %q: format %d / %d bits: %w", path, format, bits, ErrNotFloatWav)
	}

	n := len(data) / 4
	samples = make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, sampleRate, channels, nil
}
