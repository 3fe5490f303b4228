package asr

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// BackendKind tags a candidate's position in the cascade.
type BackendKind string

const (
	KindPreferred BackendKind = "preferred"
	KindAlternate BackendKind = "alternate"
	KindCPU       BackendKind = "cpu"
)

// Candidate is one backend tier to attempt.
type Candidate struct {
	Kind BackendKind
	// Name is the human-readable accelerator tag reported by Initialize
	// and shown on the status surface ("CUDA", "Vulkan", "DirectML",
	// "CoreML", "Metal", "CPU").
	Name string
}

// Selector resolves the deterministic backend cascade for this host and
// walks it until a tier initialises. The zero value probes the running
// host; tests pin OS/arch and the NVIDIA probe.
type Selector struct {
	// OS and Arch default to runtime.GOOS / runtime.GOARCH.
	OS   string
	Arch string

	// Nvidia reports whether an NVIDIA GPU is present. Defaults to
	// [NvidiaPresent].
	Nvidia func() bool
}

// Candidates returns the cascade for the given family on the selector's
// host, most preferred first. The result is deterministic for a given
// (OS, arch, family, NVIDIA-present) tuple and always ends in CPU.
func (s Selector) Candidates(family Family) []Candidate {
	goos, goarch := s.OS, s.Arch
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}
	nvidia := false
	switch {
	case goos == "windows" && goarch == "amd64", goos == "linux":
		probe := s.Nvidia
		if probe == nil {
			probe = NvidiaPresent
		}
		nvidia = probe()
	}

	accel := func(names ...string) []Candidate {
		out := make([]Candidate, 0, len(names)+1)
		for i, n := range names {
			kind := KindPreferred
			if i > 0 {
				kind = KindAlternate
			}
			out = append(out, Candidate{Kind: kind, Name: n})
		}
		return append(out, Candidate{Kind: KindCPU, Name: "CPU"})
	}
	cpuOnly := []Candidate{{Kind: KindCPU, Name: "CPU"}}

	if family == FamilyBuffered {
		switch {
		case goos == "windows" && goarch == "amd64" && nvidia:
			return accel("CUDA", "Vulkan")
		case goos == "windows" && goarch == "amd64":
			return accel("Vulkan")
		case goos == "windows": // arm64
			return cpuOnly
		case goos == "darwin" && goarch == "arm64":
			return accel("Metal")
		case goos == "darwin":
			return cpuOnly
		case goos == "linux" && nvidia:
			return accel("CUDA", "Vulkan")
		case goos == "linux":
			return accel("Vulkan")
		default:
			return cpuOnly
		}
	}

	switch {
	case goos == "windows" && goarch == "amd64" && nvidia:
		return accel("CUDA", "DirectML")
	case goos == "windows" && goarch == "amd64":
		return accel("DirectML")
	case goos == "windows": // arm64: generic GPU/NPU path
		return accel("DirectML")
	case goos == "darwin" && goarch == "arm64":
		return accel("CoreML")
	case goos == "darwin":
		return cpuOnly
	case goos == "linux" && nvidia:
		return accel("CUDA")
	default:
		return cpuOnly
	}
}

// Choose walks the cascade for family, attempting try for each tier in
// order. The first tier whose try returns nil wins. When every tier fails —
// CPU included — the last error is wrapped in [ErrBackendInit].
func (s Selector) Choose(family Family, try func(Candidate) error) (Candidate, error) {
	var lastErr error
	for _, cand := range s.Candidates(family) {
		if err := try(cand); err != nil {
			lastErr = err
			slog.Warn("asr backend failed, demoting",
				"backend", cand.Name, "kind", string(cand.Kind), "error", err)
			continue
		}
		return cand, nil
	}
	return Candidate{}, fmt.Errorf("%w: %v", ErrBackendInit, lastErr)
}

// NvidiaPresent reports whether the vendor diagnostic utility runs
// successfully. A missing or failing utility never errors — it just demotes
// the cascade to the next tier.
func NvidiaPresent() bool {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return false
	}
	return exec.Command(path, "-L").Run() == nil
}
