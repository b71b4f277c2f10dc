//go:build !portaudio

package portaudio

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/livetalk/pkg/audio"
)

func TestStub_DeviceUnavailable(t *testing.T) {
	t.Parallel()

	if _, err := NewCapture(); !errors.Is(err, audio.ErrDeviceUnavailable) || !errors.Is(err, ErrNotCompiled) {
		t.Errorf("NewCapture error = %v", err)
	}
	if _, err := NewPlayback(); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("NewPlayback error = %v", err)
	}
	var c Capture
	if err := c.Start(context.Background(), func(audio.AudioFrame) {}); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Start error = %v", err)
	}
	if _, err := Devices(); !errors.Is(err, ErrNotCompiled) {
		t.Errorf("Devices error = %v", err)
	}
}
