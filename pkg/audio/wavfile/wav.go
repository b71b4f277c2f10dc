// Package wavfile replays and records PCM16 audio files.
//
// [Capture] implements [audio.CaptureSource] on top of a WAV (or raw PCM16)
// file: it delivers fixed-size 16 kHz mono frames in real time, as a
// microphone would, and keeps sending silence once the file is exhausted so
// that server-side voice activity detection can close the turn. [Recorder]
// implements [playback.Device] and writes everything the renderer plays into
// a WAV file.
//
// Both are meant for headless runs, demos and tests where no sound hardware
// is available.
package wavfile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/livetalk/pkg/audio"
)

// ErrUnsupportedFormat is returned for WAV files that are not uncompressed
// 16-bit PCM.
var ErrUnsupportedFormat = errors.New("wavfile: unsupported format")

const (
	headerSize   = 44
	formatPCM    = 1
	bitsPerPCM16 = 16
)

// Format describes the PCM layout of a WAV file.
type Format struct {
	SampleRate int
	Channels   int
}

// Decode parses a RIFF/WAVE container holding 16-bit PCM and returns its
// samples downmixed to mono, at the file's own sample rate.
func Decode(wav []byte) ([]float32, Format, error) {
	f, data, err := parse(wav)
	if err != nil {
		return nil, Format{}, err
	}
	samples := audio.PCM16ToFloat(data)
	return audio.DownmixInterleaved(samples, f.Channels), f, nil
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// parse walks the RIFF chunks and returns the format and the data chunk.
func parse(wav []byte) (Format, []byte, error) {
	if len(wav) < 12 {
		return Format{}, nil, errors.New("wavfile: too short to be a RIFF file")
	}
	if !IsWAV(wav) {
		return Format{}, nil, errors.New("wavfile: missing RIFF/WAVE header")
	}

	var f Format
	foundFmt := false
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return Format{}, nil, errors.New("wavfile: truncated fmt chunk")
			}
			fc := wav[body:]
			code := binary.LittleEndian.Uint16(fc[0:2])
			bits := binary.LittleEndian.Uint16(fc[14:16])
			if code != formatPCM || bits != bitsPerPCM16 {
				return Format{}, nil, fmt.Errorf("%w: format %d, %d bits", ErrUnsupportedFormat, code, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(fc[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(fc[4:8]))
			if f.Channels < 1 || f.SampleRate < 1 {
				return Format{}, nil, fmt.Errorf("%w: %d channels at %d Hz", ErrUnsupportedFormat, f.Channels, f.SampleRate)
			}
			foundFmt = true

		case "data":
			if !foundFmt {
				return Format{}, nil, errors.New("wavfile: data chunk before fmt chunk")
			}
			end := min(body+size, len(wav))
			return f, wav[body:end], nil
		}

		// Chunks are word-aligned.
		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return Format{}, nil, errors.New("wavfile: missing data chunk")
}

// header returns a canonical 44-byte header for dataLen bytes of mono PCM16
// at rate.
func header(rate, dataLen int) []byte {
	h := make([]byte, headerSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], formatPCM)
	binary.LittleEndian.PutUint16(h[22:24], 1)
	binary.LittleEndian.PutUint32(h[24:28], uint32(rate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(rate*2))
	binary.LittleEndian.PutUint16(h[32:34], 2)
	binary.LittleEndian.PutUint16(h[34:36], bitsPerPCM16)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}

// Encode wraps mono samples at rate into a WAV container.
func Encode(samples []float32, rate int) []byte {
	pcm := audio.FloatToPCM16(samples)
	return append(header(rate, len(pcm)), pcm...)
}
