package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMRoundTripAndDuration(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	assert.Equal(t, samples, DecodePCM16(EncodePCM16(samples)))

	buf := Buffer{Samples: make([]int16, 12000), SampleRate: 24000, Channels: 1}
	assert.Equal(t, 500*time.Millisecond, buf.Duration())

	stereo := Buffer{Samples: make([]int16, 48000), SampleRate: 24000, Channels: 2}
	assert.Equal(t, time.Second, stereo.Duration())
	assert.Zero(t, Buffer{}.Duration())
}

func TestRMSIsNormalized(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS([]int16{0, 0, 0}))
	assert.InDelta(t, 0.5, RMS([]int16{16384, -16384}), 1e-9)
	assert.LessOrEqual(t, RMS([]int16{-32768, -32768}), 1.0)
}

func TestParseMIME(t *testing.T) {
	base, rate := ParseMIME("audio/pcm;rate=24000")
	assert.Equal(t, "audio/pcm", base)
	assert.Equal(t, 24000, rate)

	base, rate = ParseMIME(" Audio/Opus ")
	assert.Equal(t, "audio/opus", base)
	assert.Zero(t, rate)

	assert.Equal(t, "audio/pcm;rate=16000", PCMMIME(16000))
}

func TestWAVRoundTrip(t *testing.T) {
	samples := []int16{10, -10, 200, -200}
	wav := WAV(EncodePCM16(samples), 16000, 1)
	require.Len(t, wav, 44+len(samples)*2)

	buf, err := ParseWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, 16000, buf.SampleRate)
	assert.Equal(t, 1, buf.Channels)
	assert.Equal(t, samples, buf.Samples)

	_, err = ParseWAV([]byte("not a wav file at all"))
	assert.ErrorIs(t, err, ErrNotWAV)
}

func TestMuxDecode(t *testing.T) {
	m := NewMux(24000)

	buf, err := m.Decode(Chunk{Data: EncodePCM16(make([]int16, 2400)), MIMEType: "audio/pcm;rate=24000"})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, buf.Duration())

	buf, err = m.Decode(Chunk{Data: EncodePCM16(make([]int16, 2400))})
	require.NoError(t, err, "missing MIME type is treated as raw PCM")
	assert.Equal(t, 24000, buf.SampleRate)

	wav := WAV(EncodePCM16(make([]int16, 1600)), 16000, 1)
	buf, err = m.Decode(Chunk{Data: wav, MIMEType: "audio/wav"})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, buf.Duration())

	_, err = m.Decode(Chunk{Data: []byte{1, 2}, MIMEType: "audio/flac"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = m.Decode(Chunk{MIMEType: "audio/pcm"})
	assert.True(t, errors.Is(err, ErrEmptyChunk))
}
