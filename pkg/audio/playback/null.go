package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// Compile-time interface assertion.
var _ Device = (*NullDevice)(nil)

// NullDevice discards rendered audio but blocks each Write for the block's
// real-time duration, so a [Renderer] on top of it keeps wall-clock pace.
// It stands in for a speaker on headless hosts.
type NullDevice struct {
	rate int

	mu     sync.Mutex
	next   time.Time
	closed bool
}

// NewNullDevice returns a NullDevice pacing blocks at rate samples per
// second. A non-positive rate defaults to [audio.PlaybackSampleRate].
func NewNullDevice(rate int) *NullDevice {
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	return &NullDevice{rate: rate}
}

// Write sleeps until the block would have finished playing.
func (d *NullDevice) Write(block []float32) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	now := time.Now()
	if d.next.Before(now) {
		d.next = now
	}
	d.next = d.next.Add(audio.SamplesDuration(len(block), d.rate))
	wait := time.Until(d.next)
	d.mu.Unlock()

	time.Sleep(wait)
	return nil
}

// Close makes further writes return immediately. Idempotent.
func (d *NullDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
