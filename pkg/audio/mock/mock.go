// Package mock provides in-memory implementations of [audio.CaptureSource],
// [playback.Device] and [playback.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{}
//	out := mock.NewOutput()
//	// ... start a session with capture and out ...
//	capture.Emit(audio.AudioFrame{Samples: make([]float32, 320), SampleRate: 16000})
//	out.Advance(100 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureSource = (*Capture)(nil)
	_ playback.Device     = (*Device)(nil)
	_ playback.Output     = (*Output)(nil)
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.CaptureSource]. Frames are pushed
// by the test through [Capture.Emit], which plays the role of the capture
// goroutine.
type Capture struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start and capture does not begin.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// StartCalls counts calls to Start.
	StartCalls int

	// StopCalls counts calls to Stop, including redundant ones.
	StopCalls int

	// Emitted counts frames delivered through Emit while running.
	Emitted int

	deliver func(audio.AudioFrame)
	running bool
}

// Start records the call and, unless StartErr is set, stores deliver.
func (c *Capture) Start(_ context.Context, deliver func(audio.AudioFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	if c.StartErr != nil {
		return c.StartErr
	}
	c.deliver = deliver
	c.running = true
	return nil
}

// Stop records the call and stops delivery.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls++
	c.running = false
	c.deliver = nil
	return c.StopErr
}

// Running reports whether Start succeeded and Stop has not been called since.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Emit delivers frame to the registered callback. It reports false when the
// capture is not running.
func (c *Capture) Emit(frame audio.AudioFrame) bool {
	c.mu.Lock()
	deliver := c.deliver
	if deliver != nil {
		c.Emitted++
	}
	c.mu.Unlock()
	if deliver == nil {
		return false
	}
	deliver(frame)
	return true
}

// StopCount returns StopCalls under the lock.
func (c *Capture) StopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StopCalls
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [playback.Device]. Every written block is copied into
// Blocks. When Gate is non-nil each Write waits for a value on Gate (or for
// Close), letting tests step a [playback.Renderer] one block at a time.
type Device struct {
	// Gate, if non-nil, paces Write: one receive per block.
	Gate chan struct{}

	// WriteErr, if non-nil, is returned by Write.
	WriteErr error

	mu         sync.Mutex
	blocks     [][]float32
	closeCalls int
	closed     chan struct{}
	closeOnce  sync.Once
}

func (d *Device) closedCh() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed == nil {
		d.closed = make(chan struct{})
	}
	return d.closed
}

// Write records a copy of block.
func (d *Device) Write(block []float32) error {
	if d.WriteErr != nil {
		return d.WriteErr
	}
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-d.closedCh():
			return nil
		}
	}
	cp := make([]float32, len(block))
	copy(cp, block)
	d.mu.Lock()
	d.blocks = append(d.blocks, cp)
	d.mu.Unlock()
	return nil
}

// Close records the call and releases any Write blocked on Gate.
func (d *Device) Close() error {
	ch := d.closedCh()
	d.closeOnce.Do(func() { close(ch) })
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

// Blocks returns a snapshot of all blocks written so far.
func (d *Device) Blocks() [][]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]float32, len(d.blocks))
	copy(out, d.blocks)
	return out
}

// Samples returns all written blocks concatenated.
func (d *Device) Samples() []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []float32
	for _, b := range d.blocks {
		out = append(out, b...)
	}
	return out
}

// CloseCalls returns how many times Close was called.
func (d *Device) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Output.Play] invocation.
type PlayCall struct {
	ID      int
	Samples []float32
	Start   time.Duration
	OnDone  func()
	Stopped bool
}

// Output is a mock [playback.Output] with a manually driven clock. Nothing is
// rendered; tests advance the clock with [Output.Advance] and fire completion
// callbacks with [Output.Finish].
type Output struct {
	mu         sync.Mutex
	now        time.Duration
	plays      []*PlayCall
	closeCalls int
	err        error
	done       chan struct{}
	stopOnce   sync.Once
}

// NewOutput returns an Output whose clock reads zero.
func NewOutput() *Output { return &Output{} }

// Now returns the manual clock.
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow sets the manual clock.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Advance moves the manual clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Play records the call and returns a handle that marks it stopped.
func (o *Output) Play(samples []float32, start time.Duration, onDone func()) playback.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	call := &PlayCall{ID: len(o.plays), Samples: samples, Start: start, OnDone: onDone}
	o.plays = append(o.plays, call)
	return &outputHandle{o: o, call: call}
}

func (o *Output) doneCh() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done == nil {
		o.done = make(chan struct{})
	}
	return o.done
}

// Done is closed by Fail or Close.
func (o *Output) Done() <-chan struct{} { return o.doneCh() }

// Err returns the error passed to Fail, or nil.
func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Fail simulates a device failure: Err starts returning err and Done is
// closed.
func (o *Output) Fail(err error) {
	ch := o.doneCh()
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()
	o.stopOnce.Do(func() { close(ch) })
}

// Close records the call and closes Done.
func (o *Output) Close() error {
	ch := o.doneCh()
	o.stopOnce.Do(func() { close(ch) })
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeCalls++
	return nil
}

// Plays returns a snapshot of all recorded Play calls.
func (o *Output) Plays() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlayCall, len(o.plays))
	for i, p := range o.plays {
		out[i] = *p
	}
	return out
}

// Finish invokes the completion callback of the i-th Play call unless it was
// stopped. It reports whether the callback ran.
func (o *Output) Finish(i int) bool {
	o.mu.Lock()
	if i < 0 || i >= len(o.plays) || o.plays[i].Stopped || o.plays[i].OnDone == nil {
		o.mu.Unlock()
		return false
	}
	done := o.plays[i].OnDone
	o.mu.Unlock()
	done()
	return true
}

// CloseCalls returns how many times Close was called.
func (o *Output) CloseCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCalls
}

type outputHandle struct {
	o    *Output
	call *PlayCall
}

func (h *outputHandle) Stop() {
	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	h.call.Stopped = true
}
