//go:build !opus
// +build !opus

package audio

type opusStub struct{}

func newOpusDecoder(int) Decoder { return opusStub{} }

func (opusStub) Decode(Chunk) (Buffer, error) { return Buffer{}, ErrOpusUnsupported }
