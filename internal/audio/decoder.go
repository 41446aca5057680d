package audio

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOpusUnsupported   = errors.New("audio: opus support not compiled in (build with -tags opus)")
	ErrUnsupportedFormat = errors.New("audio: unsupported encoding")
	ErrNotWAV            = errors.New("audio: not a RIFF/WAVE payload")
	ErrEmptyChunk        = errors.New("audio: empty chunk")
)

// Decoder turns one encoded chunk into playable PCM.
type Decoder interface {
	Decode(c Chunk) (Buffer, error)
}

// PCMDecoder handles raw little-endian PCM16. The rate comes from the chunk,
// then its MIME parameters, then DefaultRate.
type PCMDecoder struct {
	DefaultRate int
}

func (d PCMDecoder) Decode(c Chunk) (Buffer, error) {
	if len(c.Data) < 2 {
		return Buffer{}, ErrEmptyChunk
	}
	rate := c.SampleRate
	if rate <= 0 {
		_, rate = ParseMIME(c.MIMEType)
	}
	if rate <= 0 {
		rate = d.DefaultRate
	}
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	return Buffer{Samples: DecodePCM16(c.Data), SampleRate: rate, Channels: ch}, nil
}

// WAVDecoder handles complete RIFF/WAVE payloads.
type WAVDecoder struct{}

func (WAVDecoder) Decode(c Chunk) (Buffer, error) {
	if len(c.Data) == 0 {
		return Buffer{}, ErrEmptyChunk
	}
	return ParseWAV(c.Data)
}

// Mux picks a decoder by the chunk's base MIME type.
type Mux struct {
	byType   map[string]Decoder
	fallback Decoder
}

// NewMux returns a decoder for the encodings the remote channel emits: raw
// PCM (the default when the MIME type is missing), WAV and Opus.
func NewMux(defaultRate int) *Mux {
	pcm := PCMDecoder{DefaultRate: defaultRate}
	m := &Mux{
		byType: map[string]Decoder{
			"audio/pcm":   pcm,
			"audio/l16":   pcm,
			"audio/wav":   WAVDecoder{},
			"audio/x-wav": WAVDecoder{},
			"audio/opus":  newOpusDecoder(defaultRate),
		},
		fallback: pcm,
	}
	return m
}

// Register adds or replaces the decoder for a base MIME type.
func (m *Mux) Register(mime string, d Decoder) {
	m.byType[strings.ToLower(mime)] = d
}

func (m *Mux) Decode(c Chunk) (Buffer, error) {
	base, _ := ParseMIME(c.MIMEType)
	if base == "" {
		return m.fallback.Decode(c)
	}
	d, ok := m.byType[base]
	if !ok {
		return Buffer{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, base)
	}
	return d.Decode(c)
}
