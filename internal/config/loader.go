package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr     = "127.0.0.1:8757"
	DefaultLogLevel       = "info"
	DefaultSampleRate     = 48000
	DefaultChannels       = 2
	DefaultActiveEngine   = "buffered"
	DefaultBufferedModel  = "base.en-q5_0"
	DefaultStreamingModel = "nemotron:nemotron"
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A missing file is not an error: it yields
// the pure-default configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}
	if cfg.Engines.Active == "" {
		cfg.Engines.Active = DefaultActiveEngine
	}
	if cfg.Engines.BufferedModel == "" {
		cfg.Engines.BufferedModel = DefaultBufferedModel
	}
	if cfg.Engines.StreamingModel == "" {
		cfg.Engines.StreamingModel = DefaultStreamingModel
	}
	if cfg.Engines.DataDir == "" {
		cfg.Engines.DataDir = defaultDataDir()
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if host, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_addr %q is not host:port: %v", cfg.Server.ListenAddr, err))
	} else if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		errs = append(errs, fmt.Errorf("server.listen_addr %q must bind a loopback address", cfg.Server.ListenAddr))
	}

	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d out of range [8000, 192000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d out of range [1, 2]", cfg.Audio.Channels))
	}

	if cfg.Engines.Active != "buffered" && cfg.Engines.Active != "streaming" {
		errs = append(errs, fmt.Errorf("engines.active %q is invalid; valid values: buffered, streaming", cfg.Engines.Active))
	}

	if cfg.VAD.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold must not be negative"))
	}

	if cfg.PostProcess.Grammar.Enabled && cfg.PostProcess.Grammar.Model == "" {
		errs = append(errs, fmt.Errorf("post_process.grammar.model is required when the grammar stage is enabled"))
	}

	return errors.Join(errs...)
}

// defaultDataDir resolves the per-user data directory for models and
// temporary recordings.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "Taurscribe")
}

// TempDir returns the directory session recordings are written to.
func (c *Config) TempDir() string {
	return filepath.Join(c.Engines.DataDir, "temp")
}

// ModelsDir returns the directory model artifacts are installed under.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.Engines.DataDir, "models")
}
