package main

import (
	"log/slog"
	"time"

	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
	"github.com/MrWong99/livetalk/pkg/audio/portaudio"
	"github.com/MrWong99/livetalk/pkg/audio/wavfile"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
	geminilive "github.com/MrWong99/livetalk/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/livetalk/pkg/provider/s2s/openai"
)

// registerBuiltins wires every provider and audio backend that ships with
// livetalk into reg.
func registerBuiltins(reg *config.Registry) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, geminilive.WithSetupTimeout(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, oais2s.WithSetupTimeout(d))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("portaudio", func(c config.CaptureConfig) (audio.CaptureSource, error) {
		src, err := portaudio.NewCapture(portaudio.WithDevice(c.Device), portaudio.WithFrameSize(c.FrameSize))
		if err != nil {
			return nil, err
		}
		return src, nil
	})

	reg.RegisterCapture("wavfile", func(c config.CaptureConfig) (audio.CaptureSource, error) {
		return wavfile.New(c.File, wavfile.WithFrameSize(c.FrameSize)), nil
	})

	// ── Playback ──────────────────────────────────────────────────────────────

	reg.RegisterPlayback("portaudio", func(c config.PlaybackConfig) (playback.Device, error) {
		dev, err := portaudio.NewPlayback(portaudio.WithDevice(c.Device), portaudio.WithFrameSize(c.BlockSize))
		if err != nil {
			return nil, err
		}
		return dev, nil
	})

	reg.RegisterPlayback("null", func(config.PlaybackConfig) (playback.Device, error) {
		return playback.NewNullDevice(audio.PlaybackSampleRate), nil
	})

	reg.RegisterPlayback("wavfile", func(c config.PlaybackConfig) (playback.Device, error) {
		rec, err := wavfile.NewRecorder(c.File, audio.PlaybackSampleRate)
		if err != nil {
			return nil, err
		}
		return rec, nil
	})

	slog.Debug("registered providers", "s2s", reg.S2SNames())
}

// optDuration extracts a duration from a provider Options map. Strings are
// parsed with [time.ParseDuration]; numbers are read as seconds. Returns 0 if
// the key is absent or malformed.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring malformed provider option", "key", key, "value", v, "err", err)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return 0
	}
}
