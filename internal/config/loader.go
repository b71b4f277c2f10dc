package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/livetalk/internal/persona"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"provider": {"gemini-live", "openai-realtime"},
	"capture":  {"portaudio", "wavfile"},
	"playback": {"portaudio", "null", "wavfile"},
}

// APIKeyEnv maps provider names to the environment variable consulted when
// provider.api_key is empty.
var APIKeyEnv = map[string]string{
	"gemini-live":     "GEMINI_API_KEY",
	"openai-realtime": "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
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

// LoadFromReader decodes a YAML config from r, fills in defaults and API keys
// from the environment, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.LookupEnv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every empty field that has a documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Audio.Capture.Backend == "" {
		cfg.Audio.Capture.Backend = DefaultCaptureBackend
	}
	if cfg.Audio.Capture.FrameSize == 0 {
		cfg.Audio.Capture.FrameSize = DefaultCaptureFrameSize
	}
	if cfg.Audio.Playback.Backend == "" {
		cfg.Audio.Playback.Backend = DefaultPlaybackBackend
	}
	if cfg.Audio.Playback.BlockSize == 0 {
		cfg.Audio.Playback.BlockSize = DefaultPlaybackBlock
	}
	if cfg.Audio.Playback.LeadTime == 0 {
		cfg.Audio.Playback.LeadTime = DefaultLeadTime
	}
	if cfg.Session.Persona == "" {
		cfg.Session.Persona = string(persona.StyleDefault)
	}
}

// ApplyEnv fills provider.api_key from the provider's environment variable
// when the YAML left it empty. lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Provider.APIKey != "" {
		return
	}
	name, ok := APIKeyEnv[cfg.Provider.Name]
	if !ok {
		return
	}
	if v, ok := lookup(name); ok && v != "" {
		cfg.Provider.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else {
		validateProviderName("provider", cfg.Provider.Name)
		if cfg.Provider.APIKey == "" {
			if env, ok := APIKeyEnv[cfg.Provider.Name]; ok {
				errs = append(errs, fmt.Errorf("provider.api_key is required (or set %s)", env))
			} else {
				errs = append(errs, errors.New("provider.api_key is required"))
			}
		}
	}

	// Capture
	capture := cfg.Audio.Capture
	validateProviderName("capture", capture.Backend)
	if capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_size %d must not be negative", capture.FrameSize))
	}
	if capture.Backend == "wavfile" && capture.File == "" {
		errs = append(errs, errors.New("audio.capture.file is required when backend is wavfile"))
	}
	if capture.Backend != "wavfile" && capture.File != "" {
		slog.Warn("audio.capture.file is ignored by this backend", "backend", capture.Backend)
	}

	// Playback
	pb := cfg.Audio.Playback
	validateProviderName("playback", pb.Backend)
	if pb.LeadTime < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.lead_time %s must not be negative", pb.LeadTime))
	}
	if pb.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.block_size %d must not be negative", pb.BlockSize))
	}
	if pb.Backend == "wavfile" && pb.File == "" {
		errs = append(errs, errors.New("audio.playback.file is required when backend is wavfile"))
	}

	// Session
	if _, err := persona.ParseStyle(cfg.Session.Persona); err != nil {
		errs = append(errs, fmt.Errorf("session.persona: %w", err))
	}
	if cfg.Session.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout %s must not be negative", cfg.Session.IdleTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown implementation name, may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
