package parakeet

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/taurscribe/taurscribe/pkg/asr"
)

// ortInitOnce ensures the ONNX Runtime environment is initialised exactly
// once per process. The error is kept at package scope so later engine
// constructions surface the original failure instead of proceeding against
// an uninitialised environment.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime() error {
	ortInitOnce.Do(func() {
		libPath, err := resolveORTLibPath()
		if err != nil {
			ortInitErr = fmt.Errorf("parakeet: resolve onnxruntime library: %w", err)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// resolveORTLibPath returns the path of the ONNX Runtime shared library.
// Search order:
//
//  1. TAURSCRIBE_ORT_LIB_PATH environment variable (explicit override)
//  2. lib/<goos>-<goarch>/ relative to the executable
//  3. ../lib/<goos>-<goarch>/ relative to the executable (bin/ layout)
func resolveORTLibPath() (string, error) {
	if envPath := os.Getenv("TAURSCRIBE_ORT_LIB_PATH"); envPath != "" {
		info, err := os.Stat(envPath)
		if err != nil {
			return "", fmt.Errorf("TAURSCRIBE_ORT_LIB_PATH=%q does not exist", envPath)
		}
		if info.IsDir() {
			return "", fmt.Errorf("TAURSCRIBE_ORT_LIB_PATH=%q is a directory, expected a file", envPath)
		}
		return envPath, nil
	}

	filename := ortLibFilename()
	rels := []string{
		filepath.Join("lib", runtime.GOOS+"-"+runtime.GOARCH, filename),
		filepath.Join("..", "lib", runtime.GOOS+"-"+runtime.GOARCH, filename),
	}
	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		for _, rel := range rels {
			path := filepath.Join(exeDir, rel)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("shared library not found; searched lib/%s-%s/%s relative to the executable (set TAURSCRIBE_ORT_LIB_PATH to override)",
		runtime.GOOS, runtime.GOARCH, filename)
}

func ortLibFilename() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// sessionOptions builds per-tier session options. The candidate's execution
// provider is appended before session creation; a provider the runtime
// cannot load fails session creation, which is exactly the signal the
// cascade demotes on.
func sessionOptions(cand asr.Candidate, threads int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("parakeet: session options: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("parakeet: set threads: %w", err)
	}

	switch cand.Name {
	case "CUDA":
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("parakeet: cuda provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("parakeet: append CUDA provider: %w", err)
		}
	case "DirectML":
		if err := opts.AppendExecutionProviderDirectML(0); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("parakeet: append DirectML provider: %w", err)
		}
	case "CoreML":
		if err := opts.AppendExecutionProviderCoreMLV2(map[string]string{}); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("parakeet: append CoreML provider: %w", err)
		}
	case "CPU":
		// Default provider.
	default:
		opts.Destroy()
		return nil, fmt.Errorf("parakeet: unknown backend %q", cand.Name)
	}
	return opts, nil
}
