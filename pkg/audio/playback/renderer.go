package playback

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// Compile-time interface assertion.
var _ Output = (*Renderer)(nil)

const (
	// DefaultBlockSize is the number of samples rendered per device write
	// (20 ms at 24 kHz).
	DefaultBlockSize = 480

	// defaultCommandBuf bounds the play/stop commands waiting for the next
	// block boundary.
	defaultCommandBuf = 256
)

// ErrRendererClosed is returned by [Renderer.Err] after a clean Close.
var ErrRendererClosed = errors.New("playback: renderer closed")

// RendererOption configures a [Renderer] during construction.
type RendererOption func(*Renderer)

// WithBlockSize sets how many samples are rendered per device write.
func WithBlockSize(n int) RendererOption {
	return func(r *Renderer) {
		if n > 0 {
			r.block = n
		}
	}
}

// voice is a unit being rendered. Voices are owned by the render goroutine.
type voice struct {
	id      uint64
	samples []float32
	start   int64 // timeline position in samples
	onDone  func()
}

// command crosses from callers to the render goroutine. Exactly one of play
// or stop is set.
type command struct {
	play *voice
	stop uint64
}

// Renderer is the real-time output context. A dedicated goroutine renders the
// timeline in fixed blocks: at every block boundary it applies pending
// play/stop commands, mixes the voices overlapping the block and writes the
// block to the [Device]. The device's blocking Write paces the loop, so the
// rendered sample count is the output clock.
//
// All exported methods are safe for concurrent use.
type Renderer struct {
	dev   Device
	rate  int
	block int

	cmds   chan command
	nextID atomic.Uint64
	pos    atomic.Int64 // samples rendered so far

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error

	// owned by the render goroutine
	voices []*voice
}

// NewRenderer creates a Renderer writing to dev and starts its render
// goroutine. Call [Renderer.Close] to stop rendering and close dev.
func NewRenderer(dev Device, opts ...RendererOption) *Renderer {
	r := &Renderer{
		dev:   dev,
		rate:  audio.PlaybackSampleRate,
		block: DefaultBlockSize,
		cmds:  make(chan command, defaultCommandBuf),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.run()
	return r
}

// Now returns the timeline position of the next block to be rendered.
func (r *Renderer) Now() time.Duration {
	return audio.SamplesDuration(int(r.pos.Load()), r.rate)
}

// Play queues samples to start at the given timeline position. A start that
// has already passed by the time the command is applied is moved up to the
// current block, so nothing is ever rendered into the past.
func (r *Renderer) Play(samples []float32, start time.Duration, onDone func()) Handle {
	v := &voice{
		id:      r.nextID.Add(1),
		samples: samples,
		start:   audio.DurationSamples(start, r.rate),
		onDone:  onDone,
	}
	r.send(command{play: v})
	return &voiceHandle{r: r, id: v.id}
}

// Done is closed once the render goroutine has exited, after a device
// failure or Close.
func (r *Renderer) Done() <-chan struct{} { return r.done }

// Err returns the device error that stopped rendering, [ErrRendererClosed]
// after Close, or nil while rendering.
func (r *Renderer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops the render goroutine, drops all voices without reporting their
// completion and closes the device. Calling Close more than once is safe.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		close(r.quit)
		<-r.done
		r.setErr(ErrRendererClosed)
		r.closeErr = r.dev.Close()
	})
	return r.closeErr
}

// send hands a command to the render goroutine. Commands sent once rendering
// stopped are discarded.
func (r *Renderer) send(c command) {
	select {
	case r.cmds <- c:
	case <-r.done:
	}
}

func (r *Renderer) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *Renderer) run() {
	defer close(r.done)

	buf := make([]float32, r.block)
	for {
		select {
		case <-r.quit:
			return
		default:
		}

		pos := r.pos.Load()
		r.applyCommands(pos)
		clear(buf)
		r.mix(buf, pos)

		if err := r.dev.Write(buf); err != nil {
			slog.Warn("playback: device write failed, rendering stopped", "err", err)
			r.setErr(err)
			return
		}
		r.pos.Add(int64(len(buf)))
	}
}

// applyCommands drains every pending command without blocking.
func (r *Renderer) applyCommands(pos int64) {
	for {
		select {
		case c := <-r.cmds:
			if c.play != nil {
				if c.play.start < pos {
					c.play.start = pos
				}
				r.voices = append(r.voices, c.play)
				continue
			}
			r.removeVoice(c.stop)
		default:
			return
		}
	}
}

func (r *Renderer) removeVoice(id uint64) {
	for i, v := range r.voices {
		if v.id == id {
			r.voices = append(r.voices[:i], r.voices[i+1:]...)
			return
		}
	}
}

// mix adds every voice overlapping [pos, pos+len(buf)) into buf, clamps the
// result and retires voices whose last sample fell inside the block.
func (r *Renderer) mix(buf []float32, pos int64) {
	end := pos + int64(len(buf))
	kept := r.voices[:0]
	var finished []*voice

	for _, v := range r.voices {
		if v.start >= end {
			kept = append(kept, v)
			continue
		}
		from := max(pos-v.start, 0)
		at := max(v.start-pos, 0)
		n := min(int64(len(v.samples))-from, int64(len(buf))-at)
		for i := range n {
			buf[at+i] += v.samples[from+i]
		}
		if v.start+int64(len(v.samples)) <= end {
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(r.voices[len(kept):])
	r.voices = kept

	for i, s := range buf {
		if s > 1 {
			buf[i] = 1
		} else if s < -1 {
			buf[i] = -1
		}
	}

	for _, v := range finished {
		if v.onDone != nil {
			v.onDone()
		}
	}
}

type voiceHandle struct {
	r    *Renderer
	id   uint64
	once sync.Once
}

func (h *voiceHandle) Stop() {
	h.once.Do(func() { h.r.send(command{stop: h.id}) })
}
