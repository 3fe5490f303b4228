// Package events defines the live event surface between the core pipeline
// and the shell-facing transport. Workers publish through a [Sink]; the
// server side fans events out to its subscribers.
package events

import "time"

// TranscriptionChunk is one live transcription emission. Chunks are atomic:
// a chunk's text is never streamed token by token.
type TranscriptionChunk struct {
	Text             string `json:"text"`
	ProcessingTimeMs uint32 `json:"processing_time_ms"`
	// Method is "Buffered" or "Streaming", matching the engine family that
	// produced the chunk.
	Method string `json:"method"`

	// SessionStart identifies the producing session so subscribers that
	// joined later than the session began can be skipped. Not part of the
	// wire payload.
	SessionStart time.Time `json:"-"`
}

// TranscriptionError reports a recoverable live inference failure. The
// worker drops the offending chunk and continues.
type TranscriptionError struct {
	Error string `json:"error"`

	SessionStart time.Time `json:"-"`
}

// DownloadProgress mirrors artifacts progress onto the event surface.
// BytesTotal is null when the server withheld the content length.
type DownloadProgress struct {
	ID         string  `json:"id"`
	File       string  `json:"file,omitempty"`
	BytesDone  uint64  `json:"bytes_done"`
	BytesTotal *uint64 `json:"bytes_total"`
	// Phase is "download", "verify", "done" or "error".
	Phase string `json:"phase"`
	Err   string `json:"error,omitempty"`
}

// Sink receives events from the pipeline. Implementations must not block
// the caller for long; the live workers publish from their processing
// loops.
type Sink interface {
	TranscriptionChunk(TranscriptionChunk)
	TranscriptionError(TranscriptionError)
	DownloadProgress(DownloadProgress)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) TranscriptionChunk(TranscriptionChunk) {}
func (discard) TranscriptionError(TranscriptionError) {}
func (discard) DownloadProgress(DownloadProgress)     {}
