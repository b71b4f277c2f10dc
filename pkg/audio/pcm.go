package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DecodeError reports an inbound payload that could not be turned into
// samples. It is recoverable: the payload is dropped and the session goes on.
type DecodeError struct {
	// Len is the length of the offending base64 payload.
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %d-byte payload: %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode converts a captured frame to its wire form. Samples are clamped to
// [-1, 1] and scaled asymmetrically (negative × 32768, positive × 32767) so
// that both rails map onto the full int16 range.
func Encode(frame AudioFrame) EncodedFrame {
	return EncodedFrame{
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(frame.Samples)),
		MIMEType: CaptureMIMEType,
	}
}

// Decode turns a base64 PCM16 payload into float samples at
// [PlaybackSampleRate]. An empty payload yields a zero-length buffer and no
// error. Malformed base64 yields a [*DecodeError].
func Decode(payload string) ([]float32, error) {
	if payload == "" {
		return []float32{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &DecodeError{Len: len(payload), Err: err}
	}
	return PCM16ToFloat(raw), nil
}

// FloatToPCM16 converts float samples to 16-bit signed little-endian PCM.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// PCM16ToFloat converts 16-bit signed little-endian PCM to float samples by
// dividing by 32768. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

func floatToInt16(s float32) int16 {
	// NaN compares false against both rails; treat it as silence.
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}
