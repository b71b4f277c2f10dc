// Package config provides the configuration schema, loader, and backend
// registry for the livetalk voice client.
package config

import (
	"time"

	"github.com/MrWong99/livetalk/internal/persona"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to fields left empty in the YAML.
const (
	DefaultLogLevel         = LogInfo
	DefaultCaptureBackend   = "portaudio"
	DefaultPlaybackBackend  = "portaudio"
	DefaultCaptureFrameSize = 320 // 20 ms at 16 kHz
	DefaultPlaybackBlock    = 480 // 20 ms at 24 kHz
	DefaultLeadTime         = 200 * time.Millisecond
)

// Config is the root configuration structure for livetalk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Audio    AudioConfig   `yaml:"audio"`
	Session  SessionConfig `yaml:"session"`
}

// ServerConfig holds the local HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the remote speech service. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// ("gemini-live" or "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the service. When empty it is read from
	// the provider's environment variable (see [APIKeyEnv]).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig groups the input and output device settings.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig configures the microphone backend.
type CaptureConfig struct {
	// Backend selects the registered capture implementation
	// ("portaudio" or "wavfile").
	Backend string `yaml:"backend"`

	// Device is a case-insensitive substring of the input device name.
	// Empty selects the system default. Ignored by wavfile.
	Device string `yaml:"device"`

	// FrameSize is the number of samples per captured frame at 16 kHz.
	FrameSize int `yaml:"frame_size"`

	// File is the WAV or raw PCM16 file replayed by the wavfile backend.
	File string `yaml:"file"`
}

// PlaybackConfig configures the speaker backend and the jitter buffer.
type PlaybackConfig struct {
	// Backend selects the registered output device ("portaudio", "null" or
	// "wavfile").
	Backend string `yaml:"backend"`

	// Device is a case-insensitive substring of the output device name.
	// Empty selects the system default.
	Device string `yaml:"device"`

	// LeadTime is the initial head start given to the first unit.
	LeadTime time.Duration `yaml:"lead_time"`

	// BlockSize is the number of samples rendered per device write at 24 kHz.
	BlockSize int `yaml:"block_size"`

	// File receives the rendered audio when backend is wavfile.
	File string `yaml:"file"`
}

// SessionConfig selects the persona and session-level limits.
type SessionConfig struct {
	// Persona is one of the catalogue styles (default, skeptic, ally,
	// executive).
	Persona string `yaml:"persona"`

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string `yaml:"voice"`

	// Instructions is extra context appended to the persona template.
	Instructions string `yaml:"instructions"`

	// IdleTimeout ends the session when the remote side is silent for this
	// long. Zero disables the check.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// PersonaConfig builds the persona the session starts with.
func (s SessionConfig) PersonaConfig() (persona.Config, error) {
	style, err := persona.ParseStyle(s.Persona)
	if err != nil {
		return persona.Config{}, err
	}
	return persona.New(style, s.Voice, s.Instructions)
}
