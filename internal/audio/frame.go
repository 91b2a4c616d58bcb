package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// Fixed PCM framing used on the dictation socket.
const (
	SampleRate     = 16000
	BytesPerSample = 2
	FrameDuration  = 30 // milliseconds
)

// ErrEmptyFrame is returned when energy is requested for a frame without samples.
var ErrEmptyFrame = errors.New("empty audio frame")

// PadFrame returns frame with one trailing zero byte when its length is odd.
// Even-length frames are returned unchanged.
func PadFrame(frame []byte) []byte {
	if len(frame)%2 == 0 {
		return frame
	}
	padded := make([]byte, len(frame)+1)
	copy(padded, frame)
	return padded
}

// Samples decodes little-endian 16-bit PCM. A dangling odd byte is ignored.
func Samples(frame []byte) []int16 {
	samples := make([]int16, len(frame)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	return samples
}

// Bytes encodes samples as little-endian 16-bit PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root mean square of the frame with samples scaled to [-1, 1].
func RMS(frame []byte) (float64, error) {
	samples := Samples(frame)
	if len(samples) == 0 {
		return 0, ErrEmptyFrame
	}

	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples))), nil
}

// FrameBytes returns the byte length of a frame of the given duration.
func FrameBytes(sampleRate int, d int) int {
	return sampleRate * d / 1000 * BytesPerSample
}
