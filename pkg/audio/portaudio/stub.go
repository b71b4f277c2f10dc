//go:build !portaudio

package portaudio

import (
	"context"
	"fmt"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// Capture is unavailable in builds without the "portaudio" tag.
type Capture struct{}

// NewCapture fails with an error wrapping [audio.ErrDeviceUnavailable].
func NewCapture(...Option) (*Capture, error) {
	return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, ErrNotCompiled)
}

// Start always fails.
func (*Capture) Start(context.Context, func(audio.AudioFrame)) error {
	return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, ErrNotCompiled)
}

// Stop is a no-op.
func (*Capture) Stop() error { return nil }

// Playback is unavailable in builds without the "portaudio" tag.
type Playback struct{}

// NewPlayback fails with an error wrapping [audio.ErrDeviceUnavailable].
func NewPlayback(...Option) (*Playback, error) {
	return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, ErrNotCompiled)
}

// Write is a no-op.
func (*Playback) Write([]float32) error { return nil }

// Close is a no-op.
func (*Playback) Close() error { return nil }

// Devices fails with [ErrNotCompiled].
func Devices() ([]DeviceInfo, error) { return nil, ErrNotCompiled }
