package audio

import (
	"fmt"
	"log/slog"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a mono float32 stream from one sample rate to another.
// It keeps filter state between calls, so one Resampler must be used per
// continuous stream. Not safe for concurrent use.
type Resampler struct {
	from, to int
	rs       resampling.Resampler
	in       []float64
}

// NewResampler returns a Resampler from rate from to rate to. When the rates
// are equal Process returns its input unchanged.
func NewResampler(from, to int) (*Resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", from, to)
	}
	r := &Resampler{from: from, to: to}
	if from == to {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %d -> %d: %w", from, to, err)
	}
	r.rs = rs
	return r, nil
}

// Process resamples samples. The filter delays its output, so the first calls
// may return fewer samples than the rate ratio suggests.
func (r *Resampler) Process(samples []float32) ([]float32, error) {
	if r.rs == nil || len(samples) == 0 {
		return samples, nil
	}
	if cap(r.in) < len(samples) {
		r.in = make([]float64, len(samples))
	}
	in := r.in[:len(samples)]
	for i, s := range samples {
		in[i] = float64(s)
	}
	out, err := r.rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	res := make([]float32, len(out))
	for i, s := range out {
		res[i] = float32(clampUnit(s))
	}
	return res, nil
}

// FormatConverter converts mono AudioFrames to a target sample rate. It logs a
// warning on the first rate mismatch and creates its resampler lazily.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target int

	rs             *Resampler
	warnedMismatch sync.Once
}

// Convert converts a frame to the target rate. If the source rate already
// matches the target, the frame is returned unchanged (zero allocation).
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	if frame.SampleRate == c.Target || frame.SampleRate == 0 {
		return frame, nil
	}

	if c.rs == nil || c.rs.from != frame.SampleRate {
		c.warnedMismatch.Do(func() {
			slog.Warn("audio format mismatch: converting",
				"from", frame.SampleRate,
				"to", c.Target,
			)
		})
		rs, err := NewResampler(frame.SampleRate, c.Target)
		if err != nil {
			return AudioFrame{}, err
		}
		c.rs = rs
	}

	out, err := c.rs.Process(frame.Samples)
	if err != nil {
		return AudioFrame{}, err
	}
	return AudioFrame{Samples: out, SampleRate: c.Target, Timestamp: frame.Timestamp}, nil
}

// StereoToMono averages interleaved L+R pairs into mono. A trailing unpaired
// sample is dropped.
func StereoToMono(interleaved []float32) []float32 {
	out := make([]float32, len(interleaved)/2)
	for i := range out {
		out[i] = (interleaved[2*i] + interleaved[2*i+1]) / 2
	}
	return out
}

// DownmixInterleaved averages each frame of an interleaved multi-channel
// buffer into mono.
func DownmixInterleaved(interleaved []float32, channels int) []float32 {
	switch {
	case channels <= 1:
		return interleaved
	case channels == 2:
		return StereoToMono(interleaved)
	}
	out := make([]float32, len(interleaved)/channels)
	for i := range out {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func clampUnit(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
