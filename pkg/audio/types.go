package audio

import "time"

const (
	// CaptureSampleRate is the fixed rate of microphone audio sent upstream.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the fixed rate of synthesised audio received from
	// the remote service. No resampling is applied on the way to the output.
	PlaybackSampleRate = 24000

	// CaptureMIMEType tags outbound PCM in the transport envelope.
	CaptureMIMEType = "audio/pcm;rate=16000"
)

// AudioFrame is a fixed-size buffer of captured samples. Frames are created by
// a [CaptureSource], handed to the encoder and discarded; callers must not
// retain or mutate Samples after the deliver callback returns.
type AudioFrame struct {
	// Samples are mono float32 samples nominally in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// EncodedFrame is the wire form of an [AudioFrame]: base64 of 16-bit signed
// little-endian PCM, tagged with its MIME type.
type EncodedFrame struct {
	Data     string
	MIMEType string
}

// SamplesDuration converts a sample count at rate into a duration. A
// non-positive rate yields zero.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationSamples converts a duration into a whole number of samples at rate,
// rounding to the nearest sample.
func DurationSamples(d time.Duration, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
