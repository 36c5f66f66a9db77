package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/pitchpractice/pkg/audio"
)

func TestRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", make([]float32, 64), 0},
		{"constant", []float32{0.5, -0.5, 0.5, -0.5}, 0.5},
		{"full scale", []float32{1, -1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.RMS(tt.samples); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFloat32Samples(t *testing.T) {
	got := audio.Float32Samples(append(audio.PCMBytes([]int16{0, 16384, -32768}), 0xFF))
	want := []float32{0, 0.5, -1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (trailing byte must be ignored)", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}
