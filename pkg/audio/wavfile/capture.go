package wavfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureSource = (*Capture)(nil)

// DefaultFrameSize is 20 ms at [audio.CaptureSampleRate].
const DefaultFrameSize = 320

// Option configures a [Capture].
type Option func(*Capture)

// WithFrameSize sets the number of samples per delivered frame.
func WithFrameSize(n int) Option {
	return func(c *Capture) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithLoop replays the file from the start instead of falling silent at the
// end.
func WithLoop(loop bool) Option {
	return func(c *Capture) { c.loop = loop }
}

// WithRealtime controls pacing. When false, frames are delivered as fast as
// the consumer accepts them and delivery stops at the end of the file; tests
// use this to avoid waiting on the wall clock.
func WithRealtime(realtime bool) Option {
	return func(c *Capture) { c.realtime = realtime }
}

// Capture replays an audio file as if it were a microphone.
//
// WAV files must hold 16-bit PCM; any channel count and sample rate is
// accepted and converted to 16 kHz mono. Files without a RIFF header are
// read as raw 16 kHz mono PCM16.
type Capture struct {
	path      string
	frameSize int
	loop      bool
	realtime  bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// New returns a Capture for the file at path. The file is read on Start.
func New(path string, opts ...Option) *Capture {
	c := &Capture{
		path:      path,
		frameSize: DefaultFrameSize,
		realtime:  true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start loads the file and begins delivering frames from a new goroutine.
// A missing or unreadable file wraps [audio.ErrDeviceUnavailable].
func (c *Capture) Start(ctx context.Context, deliver func(audio.AudioFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.stopped {
		return fmt.Errorf("wavfile: %s: already started", c.path)
	}

	samples, err := Load(c.path)
	if err != nil {
		return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, samples, deliver)

	slog.Info("wavfile: capture started",
		"path", c.path,
		"duration", audio.SamplesDuration(len(samples), audio.CaptureSampleRate),
		"frame_size", c.frameSize,
		"realtime", c.realtime,
	)
	return nil
}

// Stop halts delivery and waits for the delivery goroutine to exit. It is
// idempotent and safe to call before Start.
func (c *Capture) Stop() error {
	c.mu.Lock()
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Capture) run(ctx context.Context, samples []float32, deliver func(audio.AudioFrame)) {
	defer close(c.done)

	frameDur := audio.SamplesDuration(c.frameSize, audio.CaptureSampleRate)
	var tick <-chan time.Time
	if c.realtime {
		t := time.NewTicker(frameDur)
		defer t.Stop()
		tick = t.C
	}

	pos := 0
	var ts time.Duration
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		frame := make([]float32, c.frameSize)
		switch {
		case pos < len(samples):
			n := copy(frame, samples[pos:])
			pos += n
		case c.loop && len(samples) > 0:
			pos = copy(frame, samples)
		case !c.realtime:
			return
		default:
			// Past the end: the zeroed frame is silence.
		}

		deliver(audio.AudioFrame{Samples: frame, SampleRate: audio.CaptureSampleRate, Timestamp: ts})
		ts += frameDur
	}
}

// Load reads the file at path and returns its samples as 16 kHz mono.
func Load(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	if !IsWAV(data) {
		return audio.PCM16ToFloat(data), nil
	}

	samples, f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %s: %w", path, err)
	}
	conv := audio.FormatConverter{Target: audio.CaptureSampleRate}
	out, err := conv.Convert(audio.AudioFrame{Samples: samples, SampleRate: f.SampleRate})
	if err != nil {
		return nil, fmt.Errorf("wavfile: %s: %w", path, err)
	}
	return out.Samples, nil
}
