package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVMimeType is the content type of payloads produced by [EncodeWAV].
const WAVMimeType = "audio/wav"

// ErrInvalidWAV is returned when a payload is not a decodable RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid wav payload")

// EncodeWAV wraps int16 PCM in a 16-bit PCM WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("audio: encode wav: invalid format %s", f)
	}
	samples := Int16Samples(pcm)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: f.Channels,
			SampleRate:  f.SampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}

	var out seekBuffer
	enc := wav.NewEncoder(&out, f.SampleRate, 16, f.Channels, 1)
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	return out.Bytes(), nil
}

// WAVDuration decodes the header of a WAV payload and returns its playback
// duration.
func WAVDuration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, ErrInvalidWAV
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("audio: wav duration: %w", err)
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth/8)
	if bytesPerSec <= 0 {
		return 0, ErrInvalidWAV
	}
	return time.Duration(dec.PCMLen() * int64(time.Second) / bytesPerSec), nil
}

// DecodeWAV returns the int16 PCM payload and format of a 16-bit WAV file.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, Format{}, fmt.Errorf("audio: decode wav: unsupported bit depth %d", dec.BitDepth)
	}
	samples := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = int16(s)
	}
	f := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	return PCMBytes(samples), f, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes once the payload length is known.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.buf))
	default:
		return 0, fmt.Errorf("audio: seek: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("audio: seek: negative position")
	}
	b.pos = int(next)
	return next, nil
}

func (b *seekBuffer) Bytes() []byte { return b.buf }

// NormalizeWAV returns data re-encoded in format f. A payload already in f is
// returned unchanged.
func NormalizeWAV(data []byte, f Format) ([]byte, error) {
	pcm, src, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if src == f {
		return data, nil
	}
	conv := FormatConverter{Target: f}
	out := conv.Convert(AudioFrame{Data: pcm, SampleRate: src.SampleRate, Channels: src.Channels})
	return EncodeWAV(out.Data, f)
}
