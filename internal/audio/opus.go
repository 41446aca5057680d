//go:build opus
// +build opus

package audio

import (
	"fmt"
	"sync"

	"github.com/hraban/opus"
)

// opusDecoder keeps one libopus decoder per channel layout. Packets must be
// decoded in arrival order, so calls are serialized.
type opusDecoder struct {
	rate int
	mu   sync.Mutex
	decs map[int]*opus.Decoder
}

func newOpusDecoder(rate int) Decoder {
	if rate <= 0 {
		rate = 48000
	}
	return &opusDecoder{rate: rate, decs: map[int]*opus.Decoder{}}
}

func (d *opusDecoder) Decode(c Chunk) (Buffer, error) {
	if len(c.Data) == 0 {
		return Buffer{}, ErrEmptyChunk
	}
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dec, ok := d.decs[ch]
	if !ok {
		var err error
		dec, err = opus.NewDecoder(d.rate, ch)
		if err != nil {
			return Buffer{}, fmt.Errorf("opus decoder init: %w", err)
		}
		d.decs[ch] = dec
	}
	// 120 ms is the longest opus frame.
	pcm := make([]int16, d.rate*120/1000*ch)
	n, err := dec.Decode(c.Data, pcm)
	if err != nil {
		return Buffer{}, fmt.Errorf("opus decode: %w", err)
	}
	return Buffer{Samples: pcm[:n*ch], SampleRate: d.rate, Channels: ch}, nil
}
