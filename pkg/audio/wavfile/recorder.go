package wavfile

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
)

// Compile-time interface assertion.
var _ playback.Device = (*Recorder)(nil)

// Recorder is a [playback.Device] that appends every rendered block to a
// mono PCM16 WAV file. Writes are paced like a real speaker so the renderer
// clock keeps wall-clock time.
type Recorder struct {
	rate  int
	pacer *playback.NullDevice

	mu     sync.Mutex
	f      *os.File
	n      int
	closed bool
}

// NewRecorder creates (or truncates) the file at path. A non-positive rate
// defaults to [audio.PlaybackSampleRate].
func NewRecorder(path string, rate int) (*Recorder, error) {
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create recorder: %w", err)
	}
	// Placeholder header; sizes are patched on Close.
	if _, err := f.Write(header(rate, 0)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: write header: %w", err)
	}
	return &Recorder{rate: rate, pacer: playback.NewNullDevice(rate), f: f}, nil
}

// Write appends block to the file, then waits out its playback duration.
func (r *Recorder) Write(block []float32) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	pcm := audio.FloatToPCM16(block)
	_, err := r.f.Write(pcm)
	r.n += len(pcm)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wavfile: write: %w", err)
	}
	return r.pacer.Write(block)
}

// Close finalises the header and closes the file. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if _, err := r.f.WriteAt(header(r.rate, r.n), 0); err != nil {
		errs = append(errs, fmt.Errorf("wavfile: patch header: %w", err))
	}
	if err := r.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("wavfile: close: %w", err))
	}
	errs = append(errs, r.pacer.Close())
	return errors.Join(errs...)
}

// Bytes returns how many PCM bytes were written so far.
func (r *Recorder) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
