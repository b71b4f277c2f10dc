//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureSource = (*Capture)(nil)
	_ playback.Device     = (*Playback)(nil)
)

// ── Library reference count ──────────────────────────────────────────────────

var (
	libMu   sync.Mutex
	libRefs int
)

func acquire() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	libRefs++
	return nil
}

func release() {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		return
	}
	libRefs--
	if libRefs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate", "err", err)
		}
	}
}

// Devices lists every device known to the host.
func Devices() ([]DeviceInfo, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	defer release()

	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := pa.DefaultInputDevice()
	defOut, _ := pa.DefaultOutputDevice()

	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d.Index == defIn.Index,
			DefaultOutput:     defOut != nil && d.Index == defOut.Index,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// findDevice resolves name to a device with at least one channel in the
// requested direction. Must be called with a library reference held.
func findDevice(name string, input bool) (*pa.DeviceInfo, error) {
	if name == "" {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(devs))
	usable := make([]bool, len(devs))
	for i, d := range devs {
		names[i] = d.Name
		if input {
			usable[i] = d.MaxInputChannels > 0
		} else {
			usable[i] = d.MaxOutputChannels > 0
		}
	}
	i := pickDevice(names, usable, name)
	if i < 0 {
		return nil, fmt.Errorf("no device matching %q", name)
	}
	return devs[i], nil
}

// ── Capture ──────────────────────────────────────────────────────────────────

// Capture reads the microphone on a goroutine locked to its OS thread. The
// device is opened at its native rate and converted to 16 kHz mono.
type Capture struct {
	opts options

	mu      sync.Mutex
	stream  *pa.Stream
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewCapture returns a Capture. The device is opened on Start.
func NewCapture(opts ...Option) (*Capture, error) {
	return &Capture{opts: buildOptions(320, opts)}, nil
}

// Start opens and starts the input stream. Failures wrap
// [audio.ErrDeviceUnavailable].
func (c *Capture) Start(ctx context.Context, deliver func(audio.AudioFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil || c.stopped {
		return errors.New("portaudio: capture already started")
	}

	if err := acquire(); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	dev, err := findDevice(c.opts.device, true)
	if err != nil {
		release()
		return fmt.Errorf("%w: input device: %w", audio.ErrDeviceUnavailable, err)
	}

	rate := int(dev.DefaultSampleRate)
	hwFrames := max(c.opts.frameSize*rate/audio.CaptureSampleRate, 1)
	buf := make([]float32, hwFrames)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: hwFrames,
	}, buf)
	if err != nil {
		release()
		return fmt.Errorf("%w: open %q: %w", audio.ErrDeviceUnavailable, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return fmt.Errorf("%w: start %q: %w", audio.ErrDeviceUnavailable, dev.Name, err)
	}

	c.stream = stream
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(ctx, stream, buf, rate, deliver)

	slog.Info("portaudio: capture started", "device", dev.Name, "rate", rate, "frame_size", c.opts.frameSize)
	return nil
}

func (c *Capture) run(ctx context.Context, stream *pa.Stream, buf []float32, rate int, deliver func(audio.AudioFrame)) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	conv := audio.FormatConverter{Target: audio.CaptureSampleRate}
	chunks := rechunker{size: c.opts.frameSize}
	frameDur := audio.SamplesDuration(c.opts.frameSize, audio.CaptureSampleRate)
	var ts time.Duration

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				slog.Debug("portaudio: input overflow")
				continue
			}
			slog.Error("portaudio: read failed, capture stopped", "err", err)
			return
		}

		in := make([]float32, len(buf))
		copy(in, buf)
		frame, err := conv.Convert(audio.AudioFrame{Samples: in, SampleRate: rate})
		if err != nil {
			slog.Warn("portaudio: convert", "err", err)
			continue
		}
		for _, samples := range chunks.push(frame.Samples) {
			deliver(audio.AudioFrame{Samples: samples, SampleRate: audio.CaptureSampleRate, Timestamp: ts})
			ts += frameDur
		}
	}
}

// Stop halts capture, waits for the read goroutine and closes the stream.
// Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if c.stream == nil {
		return nil
	}

	close(c.stop)
	<-c.done
	err := errors.Join(c.stream.Stop(), c.stream.Close())
	release()
	if err != nil {
		return fmt.Errorf("portaudio: stop capture: %w", err)
	}
	return nil
}

// ── Playback ─────────────────────────────────────────────────────────────────

// Playback writes rendered blocks to an output stream at
// [audio.PlaybackSampleRate]. Write blocks until the hardware accepted the
// block, which clocks the [playback.Renderer].
type Playback struct {
	mu     sync.Mutex
	stream *pa.Stream
	buf    []float32
	closed bool
}

// NewPlayback opens and starts the output stream. Failures wrap
// [audio.ErrDeviceUnavailable].
func NewPlayback(opts ...Option) (*Playback, error) {
	o := buildOptions(480, opts)
	if err := acquire(); err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	dev, err := findDevice(o.device, false)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: output device: %w", audio.ErrDeviceUnavailable, err)
	}

	buf := make([]float32, o.frameSize)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      audio.PlaybackSampleRate,
		FramesPerBuffer: o.frameSize,
	}, buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: open %q: %w", audio.ErrDeviceUnavailable, dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("%w: start %q: %w", audio.ErrDeviceUnavailable, dev.Name, err)
	}

	slog.Info("portaudio: playback started", "device", dev.Name, "block_size", o.frameSize)
	return &Playback{stream: stream, buf: buf}, nil
}

// Write plays block. Blocks longer than the configured size are written in
// several hardware buffers; a short tail is padded with silence.
func (p *Playback) Write(block []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	for len(block) > 0 {
		n := copy(p.buf, block)
		clear(p.buf[n:])
		block = block[n:]
		if err := p.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close stops and closes the output stream. Idempotent.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := errors.Join(p.stream.Stop(), p.stream.Close())
	release()
	if err != nil {
		return fmt.Errorf("portaudio: close playback: %w", err)
	}
	return nil
}
