package audio

import (
	"encoding/binary"
	"math"
)

// Float32Samples decodes little-endian int16 PCM into samples normalised to
// [-1, 1]. A trailing odd byte is ignored.
func Float32Samples(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// Int16Samples decodes little-endian int16 PCM. A trailing odd byte is ignored.
func Int16Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCMBytes encodes int16 samples as little-endian PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the root-mean-square of the normalised samples, or 0 for an
// empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
