// Package audio defines the sample types, wire codec and device abstractions
// shared by the livetalk voice pipeline.
//
// The primary abstraction is [CaptureSource]: a microphone (or stand-in) that
// delivers fixed-size [AudioFrame] values from its own execution context.
// Device implementations live in sub-packages (audio/portaudio,
// audio/wavfile); in-memory doubles live in audio/mock.
//
// [Encode] and [Decode] convert between float samples and the base64 PCM16
// payloads carried by the duplex transport.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned (wrapped) by [CaptureSource.Start] when the
// input device is missing or access was denied. It is fatal for the session;
// no retry is attempted.
var ErrDeviceUnavailable = errors.New("audio: capture device unavailable")

// CaptureSource acquires microphone audio at [CaptureSampleRate].
//
// Implementations deliver frames from a dedicated goroutine that must never
// block on the consumer: deliver is expected to hand the frame off (e.g. a
// non-blocking channel send) and return immediately. Frames are delivered in
// capture order.
type CaptureSource interface {
	// Start acquires the device and begins delivering frames. Start returns
	// once capture is running; frames keep arriving until Stop is called or
	// ctx is cancelled. Failures to acquire the device wrap
	// [ErrDeviceUnavailable].
	Start(ctx context.Context, deliver func(AudioFrame)) error

	// Stop halts capture and releases the device. It is safe to call Stop
	// more than once and before Start; subsequent calls are no-ops.
	Stop() error
}
