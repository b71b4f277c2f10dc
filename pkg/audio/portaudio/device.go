// Package portaudio provides the hardware microphone and speaker backends.
//
// [Capture] implements [audio.CaptureSource] and [Playback] implements
// [playback.Device] on top of github.com/gordonklaus/portaudio. The cgo
// binding is only compiled with the "portaudio" build tag; without it every
// constructor fails with an error wrapping [audio.ErrDeviceUnavailable], so
// headless builds need neither the C library nor its headers.
//
// PortAudio's library-wide Initialize/Terminate pair is reference-counted
// inside this package: each open stream holds one reference.
package portaudio

import (
	"errors"
	"strings"
)

// ErrNotCompiled is returned (wrapped) when the binary was built without the
// "portaudio" build tag.
var ErrNotCompiled = errors.New("portaudio: support not compiled in (build with -tags portaudio)")

// DeviceInfo describes one audio device known to the host.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// Option configures a [Capture] or [Playback].
type Option func(*options)

type options struct {
	device    string
	frameSize int
}

// WithDevice selects the first device whose name contains name
// (case-insensitive). Empty selects the host default.
func WithDevice(name string) Option {
	return func(o *options) { o.device = name }
}

// WithFrameSize sets the number of samples per hardware buffer: captured
// frames for [Capture], rendered blocks for [Playback].
func WithFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.frameSize = n
		}
	}
}

func buildOptions(defaultFrame int, opts []Option) options {
	o := options{frameSize: defaultFrame}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// pickDevice returns the index of the first candidate whose name contains
// want, ignoring case, or -1. Candidates failing usable are skipped.
func pickDevice(names []string, usable []bool, want string) int {
	want = strings.ToLower(strings.TrimSpace(want))
	for i, n := range names {
		if !usable[i] {
			continue
		}
		if strings.Contains(strings.ToLower(n), want) {
			return i
		}
	}
	return -1
}

// rechunker turns a stream of variable-length buffers into fixed-size frames.
type rechunker struct {
	size int
	buf  []float32
}

// push appends samples and returns every complete frame now available.
func (r *rechunker) push(samples []float32) [][]float32 {
	r.buf = append(r.buf, samples...)
	var out [][]float32
	for len(r.buf) >= r.size {
		frame := make([]float32, r.size)
		copy(frame, r.buf)
		out = append(out, frame)
		r.buf = r.buf[r.size:]
	}
	// Compact so the backing array does not grow without bound.
	if len(r.buf) > 0 && cap(r.buf) > 4*r.size {
		r.buf = append([]float32(nil), r.buf...)
	}
	return out
}
