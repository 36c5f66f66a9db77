package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/pitchpractice/pkg/audio"
	"github.com/MrWong99/pitchpractice/pkg/audio/mock"
)

func TestEncodeWAV_Duration(t *testing.T) {
	t.Parallel()

	frame := mock.Tone(audio.RecordingFormat, 2500*time.Millisecond, 0.3)
	data, err := audio.EncodeWAV(frame.Data, audio.RecordingFormat)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE header: %q", data[:12])
	}

	got, err := audio.WAVDuration(data)
	if err != nil {
		t.Fatalf("WAVDuration: %v", err)
	}
	if diff := got - 2500*time.Millisecond; diff < -time.Millisecond || diff > time.Millisecond {
		t.Errorf("WAVDuration = %v, want 2.5s", got)
	}
}

func TestDecodeWAV_RoundTripsSamples(t *testing.T) {
	t.Parallel()

	pcm := audio.PCMBytes([]int16{1, -2, 300, -32768, 32767, 0})
	f := audio.Format{SampleRate: 8000, Channels: 2}
	data, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	gotPCM, gotFmt, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if gotFmt != f {
		t.Errorf("format = %s, want %s", gotFmt, f)
	}
	if string(gotPCM) != string(pcm) {
		t.Errorf("pcm = %v, want %v", audio.Int16Samples(gotPCM), audio.Int16Samples(pcm))
	}
}

func TestWAVDuration_Invalid(t *testing.T) {
	t.Parallel()

	_, err := audio.WAVDuration([]byte("definitely not a wav file, just some text"))
	if !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("err = %v, want ErrInvalidWAV", err)
	}
}

func TestEncodeWAV_InvalidFormat(t *testing.T) {
	t.Parallel()

	if _, err := audio.EncodeWAV([]byte{0, 0}, audio.Format{}); err == nil {
		t.Error("expected error for zero format")
	}
}

func TestNormalizeWAV(t *testing.T) {
	t.Parallel()
	stereo := audio.Format{SampleRate: 48000, Channels: 2}
	pcm := make([]byte, stereo.BytesPerSecond()) // one second of silence
	src, err := audio.EncodeWAV(pcm, stereo)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	t.Run("converts to target", func(t *testing.T) {
		out, err := audio.NormalizeWAV(src, audio.RecordingFormat)
		if err != nil {
			t.Fatalf("NormalizeWAV: %v", err)
		}
		_, f, err := audio.DecodeWAV(out)
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}
		if f != audio.RecordingFormat {
			t.Errorf("format = %s, want %s", f, audio.RecordingFormat)
		}
		d, err := audio.WAVDuration(out)
		if err != nil || d != time.Second {
			t.Errorf("duration = %v, %v; want 1s", d, err)
		}
	})

	t.Run("matching format is untouched", func(t *testing.T) {
		out, err := audio.NormalizeWAV(src, stereo)
		if err != nil {
			t.Fatalf("NormalizeWAV: %v", err)
		}
		if &out[0] != &src[0] {
			t.Error("expected the input slice back")
		}
	})

	t.Run("invalid payload", func(t *testing.T) {
		if _, err := audio.NormalizeWAV([]byte("nope"), audio.RecordingFormat); err == nil {
			t.Error("want error")
		}
	})
}
