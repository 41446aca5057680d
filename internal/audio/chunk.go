// Package audio holds the PCM types shared by capture, remote playback and
// fallback speech, plus decoders for the encodings the remote channel sends.
package audio

import (
	"strconv"
	"strings"
	"time"
)

// Chunk is one encoded payload as it arrived from the remote channel.
type Chunk struct {
	Data       []byte
	MIMEType   string
	SampleRate int
	Channels   int
}

// Buffer is decoded, interleaved 16-bit PCM ready to play.
type Buffer struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames is the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	ch := b.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(b.Samples) / ch
}

// Duration is the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Bytes returns the samples as little-endian PCM16.
func (b Buffer) Bytes() []byte { return EncodePCM16(b.Samples) }

// PCMMIME builds the MIME type used for raw PCM16 frames, e.g.
// "audio/pcm;rate=16000".
func PCMMIME(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseMIME splits "audio/pcm;rate=24000" into its base type and rate. The
// rate is zero when absent or malformed.
func ParseMIME(mime string) (string, int) {
	parts := strings.Split(mime, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	rate := 0
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(k, "rate") {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				rate = n
			}
		}
	}
	return base, rate
}
