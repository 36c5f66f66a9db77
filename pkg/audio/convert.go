package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts AudioFrames to a target format. It logs a warning
// on the first format mismatch and validates PCM data alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Channels are folded to mono before resampling so the resampler only ever
// touches a single channel. Only mono targets are supported for channel
// conversion; a stereo target leaves channel layout untouched.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.Channels <= 0 {
		frame.Channels = 1
	}
	if len(frame.Data)%(2*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", frame.Format(),
			"to", c.Target,
		)
	})

	pcm := frame.Data
	channels := frame.Channels
	if c.Target.Channels == 1 && channels > 1 {
		pcm = DownmixToMono(pcm, channels)
		channels = 1
	}
	rate := frame.SampleRate
	if channels == 1 && rate != c.Target.SampleRate {
		pcm = ResampleMono16(pcm, rate, c.Target.SampleRate)
		rate = c.Target.SampleRate
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: rate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	return DownmixToMono(pcm, 2)
}

// DownmixToMono averages every group of channels interleaved int16 samples
// into one mono sample. Uses int32 arithmetic to prevent overflow and clamps
// to the int16 range.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			off := i*stride + ch*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := clampInt16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
