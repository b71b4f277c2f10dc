package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/persona"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

provider:
  name: gemini-live
  api_key: test-key
  model: gemini-2.0-flash-live-001
  options:
    region: eu

audio:
  capture:
    backend: wavfile
    frame_size: 640
    file: testdata/hello.wav
  playback:
    backend: "null"
    lead_time: 150ms
    block_size: 240

session:
  persona: Executive
  voice: Kore
  instructions: Quarterly budget review.
  idle_timeout: 2m
`

func load(t *testing.T, yaml string) (*config.Config, error) {
	t.Helper()
	return config.LoadFromReader(strings.NewReader(yaml))
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, sampleYAML)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Provider.Name != "gemini-live" || cfg.Provider.APIKey != "test-key" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Provider.Options["region"] != "eu" {
		t.Errorf("options = %v", cfg.Provider.Options)
	}
	if cfg.Audio.Capture.Backend != "wavfile" || cfg.Audio.Capture.FrameSize != 640 {
		t.Errorf("capture = %+v", cfg.Audio.Capture)
	}
	if cfg.Audio.Playback.LeadTime != 150*time.Millisecond {
		t.Errorf("lead_time = %v", cfg.Audio.Playback.LeadTime)
	}
	if cfg.Audio.Playback.BlockSize != 240 {
		t.Errorf("block_size = %d", cfg.Audio.Playback.BlockSize)
	}
	if cfg.Session.IdleTimeout != 2*time.Minute {
		t.Errorf("idle_timeout = %v", cfg.Session.IdleTimeout)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, `
provider:
  name: openai-realtime
  api_key: sk-test
`)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.DefaultLogLevel {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.DefaultLogLevel)
	}
	if cfg.Server.ListenAddr != "" {
		t.Errorf("listen_addr = %q, want empty", cfg.Server.ListenAddr)
	}
	if cfg.Audio.Capture.Backend != config.DefaultCaptureBackend {
		t.Errorf("capture backend = %q", cfg.Audio.Capture.Backend)
	}
	if cfg.Audio.Capture.FrameSize != config.DefaultCaptureFrameSize {
		t.Errorf("frame_size = %d", cfg.Audio.Capture.FrameSize)
	}
	if cfg.Audio.Playback.Backend != config.DefaultPlaybackBackend {
		t.Errorf("playback backend = %q", cfg.Audio.Playback.Backend)
	}
	if cfg.Audio.Playback.LeadTime != config.DefaultLeadTime {
		t.Errorf("lead_time = %v", cfg.Audio.Playback.LeadTime)
	}
	if cfg.Session.Persona != "default" {
		t.Errorf("persona = %q", cfg.Session.Persona)
	}
	if cfg.Session.IdleTimeout != 0 {
		t.Errorf("idle_timeout = %v, want disabled", cfg.Session.IdleTimeout)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	_, err := load(t, `
provider:
  name: gemini-live
  api_key: k
  temperature: 0.7
`)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "temperature") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()

	_, err := load(t, "")
	if err == nil || !strings.Contains(err.Error(), "provider.name") {
		t.Fatalf("expected provider.name error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/livetalk.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "open") {
		t.Errorf("error = %v", err)
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *config.Config {
		cfg := &config.Config{
			Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "k"},
		}
		config.ApplyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*config.Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "missing provider",
			mutate:  func(c *config.Config) { c.Provider.Name = "" },
			wantErr: "provider.name is required",
		},
		{
			name:    "missing api key names env var",
			mutate:  func(c *config.Config) { c.Provider.APIKey = "" },
			wantErr: "GEMINI_API_KEY",
		},
		{
			name:    "wavfile without file",
			mutate:  func(c *config.Config) { c.Audio.Capture.Backend = "wavfile" },
			wantErr: "audio.capture.file",
		},
		{
			name:    "wavfile playback without file",
			mutate:  func(c *config.Config) { c.Audio.Playback.Backend = "wavfile" },
			wantErr: "audio.playback.file",
		},
		{
			name:    "negative frame size",
			mutate:  func(c *config.Config) { c.Audio.Capture.FrameSize = -1 },
			wantErr: "frame_size",
		},
		{
			name:    "negative lead time",
			mutate:  func(c *config.Config) { c.Audio.Playback.LeadTime = -time.Second },
			wantErr: "lead_time",
		},
		{
			name:    "negative block size",
			mutate:  func(c *config.Config) { c.Audio.Playback.BlockSize = -5 },
			wantErr: "block_size",
		},
		{
			name:    "unknown persona",
			mutate:  func(c *config.Config) { c.Session.Persona = "pirate" },
			wantErr: "session.persona",
		},
		{
			name:    "negative idle timeout",
			mutate:  func(c *config.Config) { c.Session.IdleTimeout = -time.Second },
			wantErr: "idle_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: "loud"},
		Session: config.SessionConfig{Persona: "bard"},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log_level", "provider.name", "session.persona"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error lacks %q: %v", want, err)
		}
	}
	if !errors.Is(err, persona.ErrUnknownStyle) {
		t.Error("joined error does not wrap persona.ErrUnknownStyle")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

// ── Environment ──────────────────────────────────────────────────────────────

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"GEMINI_API_KEY": "from-env-gemini",
		"OPENAI_API_KEY": "from-env-openai",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	tests := []struct {
		name  string
		entry config.ProviderEntry
		want  string
	}{
		{"gemini from env", config.ProviderEntry{Name: "gemini-live"}, "from-env-gemini"},
		{"openai from env", config.ProviderEntry{Name: "openai-realtime"}, "from-env-openai"},
		{"yaml wins", config.ProviderEntry{Name: "gemini-live", APIKey: "yaml"}, "yaml"},
		{"unknown provider untouched", config.ProviderEntry{Name: "custom"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Provider: tt.entry}
			config.ApplyEnv(cfg, lookup)
			if cfg.Provider.APIKey != tt.want {
				t.Errorf("api_key = %q, want %q", cfg.Provider.APIKey, tt.want)
			}
		})
	}
}

func TestLoadFromReader_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := load(t, "provider:\n  name: openai-realtime\n")
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Provider.APIKey != "sk-env" {
		t.Errorf("api_key = %q, want sk-env", cfg.Provider.APIKey)
	}
}

// ── Persona ──────────────────────────────────────────────────────────────────

func TestSessionConfig_PersonaConfig(t *testing.T) {
	t.Parallel()

	p, err := config.SessionConfig{Persona: "Ally", Voice: "alloy", Instructions: "Job interview."}.PersonaConfig()
	if err != nil {
		t.Fatalf("PersonaConfig: %v", err)
	}
	if p.Style != persona.StyleAlly {
		t.Errorf("style = %q", p.Style)
	}
	if p.Voice != "alloy" {
		t.Errorf("voice = %q", p.Voice)
	}
	if !strings.Contains(p.SystemInstruction, "Job interview.") {
		t.Error("instructions not appended")
	}

	if _, err := (config.SessionConfig{Persona: "nope"}).PersonaConfig(); !errors.Is(err, persona.ErrUnknownStyle) {
		t.Errorf("unknown persona error = %v", err)
	}
}
