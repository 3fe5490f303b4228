// Package config provides the configuration schema and loader for the
// Taurscribe core. Configuration is a single YAML file; every field has a
// working default so an empty file boots a usable CPU-only setup.
package config

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Audio       AudioConfig       `yaml:"audio"`
	Engines     EnginesConfig     `yaml:"engines"`
	VAD         VADConfig         `yaml:"vad"`
	PostProcess PostProcessConfig `yaml:"post_process"`
}

// ServerConfig holds the local shell surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the loopback TCP address the control/event surface
	// listens on. The core is local-only; non-loopback binds are rejected
	// by Validate.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn",
	// "error".
	LogLevel string `yaml:"log_level"`
}

// AudioConfig describes the capture stream requested from the input device.
type AudioConfig struct {
	// SampleRate in Hz. The device converts to this rate if needed.
	SampleRate int `yaml:"sample_rate"`

	// Channels of the capture stream (the persisted recording keeps them).
	Channels int `yaml:"channels"`
}

// EnginesConfig selects models and the active engine family.
type EnginesConfig struct {
	// Active is the family used for the next session: "buffered" or
	// "streaming".
	Active string `yaml:"active"`

	// BufferedModel is the whisper model id loaded at startup.
	BufferedModel string `yaml:"buffered_model"`

	// StreamingModel is the streaming model id loaded at startup.
	StreamingModel string `yaml:"streaming_model"`

	// DataDir overrides the per-user data directory holding models and
	// temporary recordings. Empty selects the platform default.
	DataDir string `yaml:"data_dir"`
}

// VADConfig tunes the energy gate.
type VADConfig struct {
	// Threshold is the RMS floor θ. Zero keeps the built-in default.
	Threshold float64 `yaml:"threshold"`
}

// PostProcessConfig toggles the transcript post-processing stages.
type PostProcessConfig struct {
	Grammar GrammarConfig `yaml:"grammar"`
	Spell   SpellConfig   `yaml:"spell"`
}

// GrammarConfig configures the grammar-LLM stage.
type GrammarConfig struct {
	Enabled bool `yaml:"enabled"`

	// Runtime is the local inference runtime: "llamacpp", "llamafile" or
	// "ollama".
	Runtime string `yaml:"runtime"`

	// Model names the correction model the runtime serves.
	Model string `yaml:"model"`

	// BaseURL overrides the runtime's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Temperature for sampled decoding. Zero keeps the stage default.
	Temperature float64 `yaml:"temperature"`
}

// SpellConfig configures the spell-correction stage.
type SpellConfig struct {
	Enabled bool `yaml:"enabled"`

	// DictionaryPath points at a "word count" frequency dictionary. Empty
	// uses the embedded default.
	DictionaryPath string `yaml:"dictionary_path"`
}
