package audio

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestPadFrame(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  []byte
	}{
		{name: "even frame untouched", input: []byte{1, 2, 3, 4}, want: []byte{1, 2, 3, 4}},
		{name: "odd frame padded", input: []byte{1, 2, 3}, want: []byte{1, 2, 3, 0}},
		{name: "single byte", input: []byte{7}, want: []byte{7, 0}},
		{name: "empty", input: []byte{}, want: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PadFrame(tt.input)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("PadFrame(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPadFrameDoesNotAliasInput(t *testing.T) {
	input := []byte{1, 2, 3}
	padded := PadFrame(input)
	padded[0] = 9
	if input[0] != 1 {
		t.Error("PadFrame modified the caller's buffer")
	}
}

func TestSamplesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	got := Samples(Bytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{name: "silence", samples: []int16{0, 0, 0, 0}, want: 0},
		{name: "constant half scale", samples: []int16{16384, -16384, 16384, -16384}, want: 0.5},
		{name: "full negative", samples: []int16{-32768}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RMS(Bytes(tt.samples))
			if err != nil {
				t.Fatalf("RMS failed: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RMS = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestRMSEmptyFrame(t *testing.T) {
	if _, err := RMS(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Expected ErrEmptyFrame, got %v", err)
	}
	if _, err := RMS([]byte{5}); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Expected ErrEmptyFrame for single byte, got %v", err)
	}
}

func TestFrameBytes(t *testing.T) {
	if got := FrameBytes(SampleRate, FrameDuration); got != 960 {
		t.Errorf("FrameBytes(16000, 30) = %d, want 960", got)
	}
}
