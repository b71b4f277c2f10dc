package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/livetalk/pkg/audio"
)

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := audio.StereoToMono([]float32{0.2, 0.4, -0.5, -0.3, 1})
	want := []float32{0.3, -0.4}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmixInterleaved(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []float32
		channels int
		want     []float32
	}{
		{"mono passthrough", []float32{0.1, 0.2}, 1, []float32{0.1, 0.2}},
		{"stereo", []float32{0, 1, 1, 1}, 2, []float32{0.5, 1}},
		{"quad", []float32{1, 1, 0, 0}, 4, []float32{0.5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.DownmixInterleaved(tc.in, tc.channels)
			if len(got) != len(tc.want) {
				t.Fatalf("length = %d, want %d", len(got), len(tc.want))
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("sample %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestNewResampler_InvalidRates(t *testing.T) {
	t.Parallel()
	if _, err := audio.NewResampler(0, 16000); err == nil {
		t.Error("expected error for zero input rate")
	}
	if _, err := audio.NewResampler(16000, -1); err == nil {
		t.Error("expected error for negative output rate")
	}
}

func TestResampler_SameRatePassthrough(t *testing.T) {
	t.Parallel()
	r, err := audio.NewResampler(24000, 24000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	in := []float32{0.1, -0.1, 0.5}
	out, err := r.Process(in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if &out[0] != &in[0] {
		t.Error("same-rate Process should return its input")
	}
}

// TestResampler_UpsampleLength feeds one second of 16 kHz audio in 20 ms
// frames and checks that roughly one second of 24 kHz audio comes out.
func TestResampler_UpsampleLength(t *testing.T) {
	t.Parallel()
	r, err := audio.NewResampler(16000, 24000)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}
	total := 0
	for f := range 50 {
		frame := make([]float32, 320)
		for i := range frame {
			n := f*320 + i
			frame[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(n)/16000))
		}
		out, err := r.Process(frame)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		for _, s := range out {
			if s > 1 || s < -1 {
				t.Fatalf("sample %v out of range", s)
			}
		}
		total += len(out)
	}
	// Allow for filter delay.
	if total < 12000 || total > 24100 {
		t.Errorf("produced %d samples for 1s at 24kHz", total)
	}
}

func TestFormatConverter(t *testing.T) {
	t.Parallel()
	c := audio.FormatConverter{Target: 16000}

	same := audio.AudioFrame{Samples: []float32{0.1}, SampleRate: 16000}
	got, err := c.Convert(same)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if &got.Samples[0] != &same.Samples[0] {
		t.Error("matching rate should pass the frame through")
	}

	total := 0
	for range 10 {
		got, err = c.Convert(audio.AudioFrame{Samples: make([]float32, 960), SampleRate: 48000})
		if err != nil {
			t.Fatalf("Convert: %v", err)
		}
		if got.SampleRate != 16000 {
			t.Errorf("SampleRate = %d, want 16000", got.SampleRate)
		}
		total += len(got.Samples)
	}
	if total == 0 || total > 3300 {
		t.Errorf("downsampled %d samples from 9600 at 48kHz", total)
	}
}
